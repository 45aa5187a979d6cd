package transport

import (
	"context"
	"fmt"
	"sync"

	terrors "github.com/tturner/hpcxfer/internal/errors"
)

type opener interface {
	Open(ctx context.Context) error
	Close() error
	IsOpen() bool
}

// lifecycle tracks the open flag and the Enter nesting depth of a transport.
type lifecycle struct {
	mu     sync.Mutex
	isOpen bool

	scopeMu sync.Mutex
	scopes  int
	// owned is set when a scope opened the transport; only then does the
	// last Release close it.
	owned bool
}

// check returns the not-open error for op when the transport is closed.
func (l *lifecycle) check(op string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.isOpen {
		return terrors.NotOpen(op)
	}
	return nil
}

func (l *lifecycle) open() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isOpen
}

// markOpen runs connect and flips the flag on success.
func (l *lifecycle) markOpen(connect func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.isOpen {
		return terrors.Internal("open", fmt.Errorf("transport is already open"))
	}
	if err := connect(); err != nil {
		return err
	}
	l.isOpen = true
	return nil
}

// markClosed runs disconnect and clears the flag even when disconnect fails.
func (l *lifecycle) markClosed(disconnect func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.isOpen {
		return terrors.Internal("close", terrors.ErrNotOpen)
	}
	l.isOpen = false
	return disconnect()
}

// enter opens t when it is closed. A transport opened outside any scope is
// left open when the last scope is released.
func (l *lifecycle) enter(ctx context.Context, t opener) (*Guard, error) {
	l.scopeMu.Lock()
	defer l.scopeMu.Unlock()

	if !t.IsOpen() {
		if err := t.Open(ctx); err != nil {
			return nil, err
		}
		l.owned = true
	} else if l.scopes == 0 {
		l.owned = false
	}
	l.scopes++
	return &Guard{release: func() error { return l.exit(t) }}, nil
}

func (l *lifecycle) exit(t opener) error {
	l.scopeMu.Lock()
	defer l.scopeMu.Unlock()

	l.scopes--
	if l.scopes > 0 || !l.owned {
		return nil
	}
	l.owned = false
	if !t.IsOpen() {
		return nil
	}
	return t.Close()
}

// Guard is returned by Enter. Release must be called exactly once; extra
// calls are no-ops.
type Guard struct {
	once    sync.Once
	release func() error
}

// Release leaves the scope, closing the transport if it was the outermost.
func (g *Guard) Release() error {
	var err error
	g.once.Do(func() { err = g.release() })
	return err
}
