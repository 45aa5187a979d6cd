package transport

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/sync/errgroup"

	terrors "github.com/tturner/hpcxfer/internal/errors"
	"github.com/tturner/hpcxfer/internal/logging"
)

// treeFanOut bounds concurrent file transfers inside one tree transfer.
// Each transfer also holds a slot of the owning transport's budget.
const treeFanOut = 4

// LibraryEngine drives the remote host through x/crypto/ssh and pkg/sftp.
type LibraryEngine struct {
	opts SSHOptions
	log  *logging.Logger

	mu   sync.Mutex
	conn *sshConn
	sftp *sftp.Client
	done chan struct{}

	// slots is the owning transport's budget; nil means unbounded.
	slots slotFunc
}

// NewLibraryEngine returns an unconnected engine.
func NewLibraryEngine(opts SSHOptions, log *logging.Logger) *LibraryEngine {
	return &LibraryEngine{opts: opts, log: log}
}

func (e *LibraryEngine) Open(ctx context.Context) error {
	conn, err := dialSSH(ctx, e.opts, e.log)
	if err != nil {
		return err
	}
	client, err := sftp.NewClient(conn.client)
	if err != nil {
		conn.Close()
		return terrors.Connection(terrors.KindConnection, "open", fmt.Errorf("create SFTP client: %w", err))
	}
	return e.attach(conn, client)
}

// attach takes ownership of an established connection.
func (e *LibraryEngine) attach(conn *sshConn, client *sftp.Client) error {
	e.mu.Lock()
	e.conn, e.sftp = conn, client
	e.done = make(chan struct{})
	e.mu.Unlock()
	if e.opts.KeepAlive > 0 && conn != nil {
		go keepAlive(conn.client, e.opts.KeepAlive, e.done)
	}
	return nil
}

func (e *LibraryEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sftp == nil {
		return nil
	}
	close(e.done)
	err := e.sftp.Close()
	if e.conn != nil {
		if cerr := e.conn.Close(); err == nil {
			err = cerr
		}
	}
	e.sftp, e.conn = nil, nil
	if err != nil {
		return terrors.Connection(terrors.KindConnection, "close", err)
	}
	return nil
}

func (e *LibraryEngine) String() string { return string(BackendLibrary) }

func (e *LibraryEngine) setSlots(slots slotFunc) { e.slots = slots }

// slot takes one unit of the transport budget.
func (e *LibraryEngine) slot(ctx context.Context) (func(), error) {
	if e.slots == nil {
		return func() {}, nil
	}
	return e.slots(ctx)
}

// fanOut runs one transfer per file, each under its own slot.
func (e *LibraryEngine) fanOut(ctx context.Context, files []treeFile, transfer func(ctx context.Context, f treeFile) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(treeFanOut)
	for _, f := range files {
		g.Go(func() error {
			release, err := e.slot(gctx)
			if err != nil {
				return err
			}
			defer release()
			return transfer(gctx, f)
		})
	}
	return g.Wait()
}

func (e *LibraryEngine) fs() sftpFS {
	e.mu.Lock()
	defer e.mu.Unlock()
	return sftpFS{c: e.sftp}
}

func (e *LibraryEngine) Run(ctx context.Context, command string, stdin io.Reader, timeout time.Duration) (ExecResult, error) {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return ExecResult{}, terrors.Connection(terrors.KindConnection, "exec_command_wait", fmt.Errorf("no command channel"))
	}
	return runRemote(ctx, conn.client, command, stdin, timeout)
}

func (e *LibraryEngine) IsDir(ctx context.Context, p string) (bool, error) {
	return e.fs().IsDir(ctx, p)
}

func (e *LibraryEngine) IsFile(ctx context.Context, p string) (bool, error) {
	return e.fs().IsFile(ctx, p)
}

func (e *LibraryEngine) PathExists(ctx context.Context, p string) (bool, error) {
	return e.fs().PathExists(ctx, p)
}

func (e *LibraryEngine) ListDir(ctx context.Context, p, pattern string) ([]string, error) {
	return e.fs().ListDir(ctx, p, pattern)
}

func (e *LibraryEngine) Lstat(_ context.Context, p string) (FileAttribute, error) {
	return e.fs().attribute(p)
}

func (e *LibraryEngine) Mkdir(ctx context.Context, p string) error {
	return e.fs().mkdir(ctx, p, false)
}

func (e *LibraryEngine) MakeDirs(_ context.Context, p string) error {
	return e.fs().makeDirs(p)
}

func (e *LibraryEngine) Remove(_ context.Context, p string) error { return e.fs().remove(p) }

func (e *LibraryEngine) Rmdir(_ context.Context, p string) error { return e.fs().rmdir(p) }

func (e *LibraryEngine) Rmtree(ctx context.Context, p string) error { return e.fs().rmtree(ctx, p) }

func (e *LibraryEngine) Rename(_ context.Context, oldPath, newPath string) error {
	return e.fs().rename(oldPath, newPath)
}

func (e *LibraryEngine) Symlink(_ context.Context, source, dest string) error {
	return e.fs().symlink(source, dest)
}

func (e *LibraryEngine) Chmod(_ context.Context, p string, mode fs.FileMode) error {
	return e.fs().chmod(p, mode)
}

func (e *LibraryEngine) Chown(_ context.Context, p string, uid, gid int) error {
	return e.fs().chown(p, uid, gid)
}

func (e *LibraryEngine) PutFile(ctx context.Context, localPath, remotePath string, dereference bool) error {
	return e.fs().putFile(ctx, localPath, remotePath, dereference)
}

// PutTree mirrors the directories under one slot, then uploads files in
// parallel.
func (e *LibraryEngine) PutTree(ctx context.Context, localPath, remotePath string, dereference bool) error {
	fsys := e.fs()
	release, err := e.slot(ctx)
	if err != nil {
		return err
	}
	files, err := fsys.planPutTree(ctx, localPath, remotePath, dereference)
	release()
	if err != nil {
		return err
	}
	return e.fanOut(ctx, files, func(ctx context.Context, f treeFile) error {
		return fsys.putFile(ctx, f.src, f.dst, dereference)
	})
}

func (e *LibraryEngine) GetFile(ctx context.Context, remotePath, localPath string, dereference bool) error {
	return e.fs().getFile(ctx, remotePath, localPath, dereference)
}

// GetTree mirrors the directories under one slot, then downloads files in
// parallel.
func (e *LibraryEngine) GetTree(ctx context.Context, remotePath, localPath string, dereference bool) error {
	fsys := e.fs()
	release, err := e.slot(ctx)
	if err != nil {
		return err
	}
	files, err := fsys.planGetTree(ctx, remotePath, localPath, dereference)
	release()
	if err != nil {
		return err
	}
	return e.fanOut(ctx, files, func(ctx context.Context, f treeFile) error {
		return fsys.getFile(ctx, f.src, f.dst, dereference)
	})
}

// Copy runs cp on the remote host. A single file is streamed through the
// SFTP session when the server refuses a command channel.
func (e *LibraryEngine) Copy(ctx context.Context, source, target string, recursive, dereference bool) error {
	const op = "copy"
	res, err := e.Run(ctx, remoteCopyCommand(source, target, recursive, dereference), nil, 0)
	if err != nil {
		if recursive || terrors.KindOf(err) != terrors.KindConnection {
			return err
		}
		e.log.Debug("copy %s -> %s via SFTP stream (exec refused: %v)", source, target, err)
		return e.streamCopy(ctx, source, target)
	}
	if res.ExitCode != 0 {
		return terrors.IO(op, source, fmt.Errorf("cp exited %d: %s", res.ExitCode, res.Stderr))
	}
	e.log.Debug("copy %s -> %s via remote cp", source, target)
	return nil
}

func (e *LibraryEngine) streamCopy(ctx context.Context, source, target string) error {
	const op = "copy"
	c := e.fs().c
	in, err := c.Open(source)
	if err != nil {
		return fromSFTP(op, source, err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return fromSFTP(op, source, err)
	}
	out, err := c.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fromSFTP(op, target, err)
	}
	if _, err := io.Copy(out, ctxReader{ctx: ctx, r: in}); err != nil {
		out.Close()
		return fromSFTP(op, target, err)
	}
	if err := out.Close(); err != nil {
		return fromSFTP(op, target, err)
	}
	return fromSFTP(op, target, c.Chmod(target, info.Mode().Perm()))
}

var _ Engine = (*LibraryEngine)(nil)
