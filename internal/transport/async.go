package transport

import (
	"context"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	terrors "github.com/tturner/hpcxfer/internal/errors"
	"github.com/tturner/hpcxfer/internal/logging"
)

// AsyncSSHOptions configures an AsyncSSH transport.
type AsyncSSHOptions struct {
	SSHOptions

	// MaxIOAllowed bounds the I/O operations in flight. Zero means
	// DefaultMaxIOAllowed.
	MaxIOAllowed int
	// AuthenticationScript, if set, is run locally before connecting.
	AuthenticationScript string
	Backend              Backend

	// OnIO is called with the in-flight count each time an operation is
	// admitted.
	OnIO func(inFlight int)
}

// DefaultAsyncSSHOptions returns the defaults for asynchronous profiles.
func DefaultAsyncSSHOptions() AsyncSSHOptions {
	return AsyncSSHOptions{
		SSHOptions:   DefaultSSHOptions(),
		MaxIOAllowed: DefaultMaxIOAllowed,
		Backend:      BackendLibrary,
	}
}

// Validate checks the options. The authentication script must be an
// absolute path to an executable file.
func (o AsyncSSHOptions) Validate() error {
	const op = "ssh_options"
	if err := o.SSHOptions.Validate(); err != nil {
		return err
	}
	if o.MaxIOAllowed < 0 {
		return terrors.Validation(op, "", "max_io_allowed must be at least 1")
	}
	if _, err := ParseBackend(string(o.Backend)); err != nil {
		return terrors.Validation(op, "", "%v", err)
	}
	if s := o.AuthenticationScript; s != "" {
		if !filepath.IsAbs(s) {
			return terrors.Validation(op, s, "authentication script must be an absolute path")
		}
		fi, err := os.Stat(s)
		if err != nil {
			return terrors.Validation(op, s, "authentication script: %v", err)
		}
		if fi.IsDir() || fi.Mode().Perm()&0o111 == 0 {
			return terrors.Validation(op, s, "authentication script is not executable")
		}
	}
	return nil
}

// AsyncSSH implements Transport over an Engine and is safe for concurrent
// use. Every I/O operation except IsDir, IsFile and PathExists waits for a
// slot of a FIFO semaphore of size MaxIOAllowed. Relative paths are
// resolved by the server against the login directory.
type AsyncSSH struct {
	opts   AsyncSSHOptions
	log    *logging.Logger
	life   lifecycle
	engine Engine

	sem      *semaphore.Weighted
	inFlight atomic.Int64
}

// NewAsyncSSH creates a transport using the engine named by opts.Backend.
func NewAsyncSSH(opts AsyncSSHOptions, log *logging.Logger) (*AsyncSSH, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	log = log.Named("async")
	backend, _ := ParseBackend(string(opts.Backend))
	var engine Engine
	switch backend {
	case BackendCLI:
		engine = NewCLIEngine(opts.SSHOptions, log)
	default:
		if opts.Compress {
			log.Info("compression requested for %s; the SSH library ignores it", opts.Host)
		}
		engine = NewLibraryEngine(opts.SSHOptions, log)
	}
	return newAsyncSSH(opts, engine, log), nil
}

// NewAsyncSSHWithEngine creates a transport over a caller-supplied engine.
func NewAsyncSSHWithEngine(opts AsyncSSHOptions, engine Engine, log *logging.Logger) (*AsyncSSH, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return newAsyncSSH(opts, engine, log.Named("async")), nil
}

func newAsyncSSH(opts AsyncSSHOptions, engine Engine, log *logging.Logger) *AsyncSSH {
	if opts.MaxIOAllowed == 0 {
		opts.MaxIOAllowed = DefaultMaxIOAllowed
	}
	a := &AsyncSSH{
		opts:   opts,
		log:    log,
		engine: engine,
		sem:    semaphore.NewWeighted(int64(opts.MaxIOAllowed)),
	}
	if se, ok := engine.(slottedEngine); ok {
		se.setSlots(func(ctx context.Context) (func(), error) { return a.acquire(ctx, "transfer") })
	}
	return a
}

// Open runs the authentication script, if any, then connects the engine.
func (a *AsyncSSH) Open(ctx context.Context) error {
	return a.life.markOpen(func() error {
		if err := a.runAuthScript(ctx); err != nil {
			return err
		}
		if err := a.engine.Open(ctx); err != nil {
			return err
		}
		a.log.Info("connected to %s", a)
		return nil
	})
}

func (a *AsyncSSH) runAuthScript(ctx context.Context) error {
	script := a.opts.AuthenticationScript
	if script == "" {
		return nil
	}
	a.log.Debug("running authentication script %s", script)
	res, err := runLocal(ctx, exec.Command(script), "", nil, a.opts.Timeout)
	if err != nil {
		return terrors.Connection(terrors.KindAuth, "open", fmt.Errorf("authentication script: %w", err))
	}
	if res.ExitCode != 0 {
		return terrors.Connection(terrors.KindAuth, "open",
			fmt.Errorf("authentication script exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)))
	}
	return nil
}

func (a *AsyncSSH) Close() error {
	return a.life.markClosed(func() error {
		err := a.engine.Close()
		a.log.Info("disconnected from %s", a)
		return err
	})
}

func (a *AsyncSSH) IsOpen() bool { return a.life.open() }

func (a *AsyncSSH) Enter(ctx context.Context) (*Guard, error) { return a.life.enter(ctx, a) }

func (a *AsyncSSH) SafeOpenInterval() time.Duration { return a.opts.SafeOpenInterval }

func (a *AsyncSSH) String() string {
	return fmt.Sprintf("ssh+async://%s@%s:%d (%s)", a.opts.user(), a.opts.Host, a.opts.port(), a.engine)
}

// Engine returns the engine selected at construction.
func (a *AsyncSSH) Engine() Engine { return a.engine }

// InFlight returns the number of operations currently holding a slot.
func (a *AsyncSSH) InFlight() int { return int(a.inFlight.Load()) }

// acquire checks the lifecycle and takes a slot. Cancellation while waiting
// returns ctx.Err() and takes nothing.
func (a *AsyncSSH) acquire(ctx context.Context, op string) (func(), error) {
	if err := a.life.check(op); err != nil {
		return nil, err
	}
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	n := a.inFlight.Add(1)
	if a.opts.OnIO != nil {
		a.opts.OnIO(int(n))
	}
	return func() {
		a.inFlight.Add(-1)
		a.sem.Release(1)
	}, nil
}

// do runs fn while holding a slot.
func (a *AsyncSSH) do(ctx context.Context, op string, fn func() error) error {
	release, err := a.acquire(ctx, op)
	if err != nil {
		return err
	}
	defer release()
	a.log.Debug("%s", op)
	return fn()
}

// doTree runs a tree transfer. Slotted engines take their own slots per
// file, so no slot is held here; holding one would deadlock a budget of 1.
func (a *AsyncSSH) doTree(ctx context.Context, op string, fn func() error) error {
	if _, ok := a.engine.(slottedEngine); !ok {
		return a.do(ctx, op, fn)
	}
	if err := a.life.check(op); err != nil {
		return err
	}
	a.log.Debug("%s", op)
	return fn()
}

func (a *AsyncSSH) IsDir(ctx context.Context, p string) (bool, error) {
	if err := a.life.check("isdir"); err != nil {
		return false, err
	}
	if p == "" {
		return false, nil
	}
	return a.engine.IsDir(ctx, p)
}

func (a *AsyncSSH) IsFile(ctx context.Context, p string) (bool, error) {
	if err := a.life.check("isfile"); err != nil {
		return false, err
	}
	if p == "" {
		return false, nil
	}
	return a.engine.IsFile(ctx, p)
}

func (a *AsyncSSH) PathExists(ctx context.Context, p string) (bool, error) {
	if err := a.life.check("path_exists"); err != nil {
		return false, err
	}
	if p == "" {
		return false, nil
	}
	return a.engine.PathExists(ctx, p)
}

func (a *AsyncSSH) ListDir(ctx context.Context, p, pattern string) (names []string, err error) {
	if p == "" {
		p = "."
	}
	err = a.do(ctx, "listdir", func() error {
		names, err = a.engine.ListDir(ctx, p, pattern)
		return err
	})
	return names, err
}

func (a *AsyncSSH) ListDirWithAttributes(ctx context.Context, p, pattern string) ([]DirEntry, error) {
	return listDirWithAttributes(ctx, a, p, pattern)
}

func (a *AsyncSSH) MakeDirs(ctx context.Context, p string, ignoreExisting bool) error {
	if err := a.life.check("makedirs"); err != nil {
		return err
	}
	return makeDirsChecked(ctx, a, p, ignoreExisting, func() error {
		return a.do(ctx, "makedirs", func() error { return a.engine.MakeDirs(ctx, p) })
	})
}

func (a *AsyncSSH) Mkdir(ctx context.Context, p string, ignoreExisting bool) error {
	if err := requirePath("mkdir", p); err != nil {
		return err
	}
	err := a.do(ctx, "mkdir", func() error { return a.engine.Mkdir(ctx, p) })
	if err != nil && ignoreExisting && terrors.KindOf(err) == terrors.KindIO {
		if isDir, _ := a.IsDir(ctx, p); isDir {
			return nil
		}
	}
	return err
}

func (a *AsyncSSH) Rmdir(ctx context.Context, p string) error {
	if err := requirePath("rmdir", p); err != nil {
		return err
	}
	return a.do(ctx, "rmdir", func() error { return a.engine.Rmdir(ctx, p) })
}

// Rmtree removes p recursively. A missing path is a no-op.
func (a *AsyncSSH) Rmtree(ctx context.Context, p string) error {
	if err := requirePath("rmtree", p); err != nil {
		return err
	}
	return a.do(ctx, "rmtree", func() error { return a.engine.Rmtree(ctx, p) })
}

func (a *AsyncSSH) Remove(ctx context.Context, p string) error {
	if err := requirePath("remove", p); err != nil {
		return err
	}
	return a.do(ctx, "remove", func() error { return a.engine.Remove(ctx, p) })
}

func (a *AsyncSSH) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := a.life.check("rename"); err != nil {
		return err
	}
	return renameChecked(ctx, a, oldPath, newPath, func() error {
		return a.do(ctx, "rename", func() error { return a.engine.Rename(ctx, oldPath, newPath) })
	})
}

func (a *AsyncSSH) Symlink(ctx context.Context, source, dest string) error {
	if err := a.life.check("symlink"); err != nil {
		return err
	}
	return symlinkDispatch(ctx, a, source, dest, func(src, dst string) error {
		return a.do(ctx, "symlink", func() error { return a.engine.Symlink(ctx, src, dst) })
	})
}

func (a *AsyncSSH) Chmod(ctx context.Context, p string, mode fs.FileMode) error {
	if err := requirePath("chmod", p); err != nil {
		return err
	}
	return a.do(ctx, "chmod", func() error { return a.engine.Chmod(ctx, p, mode) })
}

func (a *AsyncSSH) Chown(ctx context.Context, p string, uid, gid int) error {
	if err := requirePath("chown", p); err != nil {
		return err
	}
	return a.do(ctx, "chown", func() error { return a.engine.Chown(ctx, p, uid, gid) })
}

func (a *AsyncSSH) GetAttribute(ctx context.Context, p string) (attr FileAttribute, err error) {
	if err := requirePath("get_attribute", p); err != nil {
		return FileAttribute{}, err
	}
	err = a.do(ctx, "get_attribute", func() error {
		attr, err = a.engine.Lstat(ctx, p)
		return err
	})
	return attr, err
}

func (a *AsyncSSH) Glob(ctx context.Context, pattern string) ([]string, error) {
	if err := a.life.check("glob"); err != nil {
		return nil, err
	}
	return NewPathMatcher(a).Glob(ctx, pattern)
}

func (a *AsyncSSH) Iglob(ctx context.Context, pattern string) iter.Seq2[string, error] {
	if err := a.life.check("iglob"); err != nil {
		return func(yield func(string, error) bool) { yield("", err) }
	}
	return NewPathMatcher(a).Iglob(ctx, pattern)
}

func (a *AsyncSSH) Put(ctx context.Context, localPath, remotePath string, opts TransferOptions) error {
	if err := a.life.check("put"); err != nil {
		return err
	}
	return putDispatch(ctx, a, localPath, remotePath, opts)
}

func (a *AsyncSSH) PutFile(ctx context.Context, localPath, remotePath string, opts TransferOptions) error {
	const op = "putfile"
	if err := a.life.check(op); err != nil {
		return err
	}
	if err := requireAbs(op, localPath); err != nil {
		return err
	}
	target, err := placeTarget(ctx, a, op, localPath, remotePath, path.Join, filepath.Base, opts.Overwrite)
	if err != nil {
		return err
	}
	return a.do(ctx, op, func() error { return a.engine.PutFile(ctx, localPath, target, opts.Dereference) })
}

func (a *AsyncSSH) PutTree(ctx context.Context, localPath, remotePath string, opts TransferOptions) error {
	const op = "puttree"
	if err := a.life.check(op); err != nil {
		return err
	}
	if err := requireAbs(op, localPath); err != nil {
		return err
	}
	if isDir, _ := (osLister{}).IsDir(ctx, localPath); !isDir {
		return terrors.IOf(op, localPath, fs.ErrInvalid, "source is not a directory")
	}
	target, err := placeTarget(ctx, a, op, localPath, remotePath, path.Join, filepath.Base, opts.Overwrite)
	if err != nil {
		return err
	}
	return a.doTree(ctx, op, func() error { return a.engine.PutTree(ctx, localPath, target, opts.Dereference) })
}

func (a *AsyncSSH) Get(ctx context.Context, remotePath, localPath string, opts TransferOptions) error {
	if err := a.life.check("get"); err != nil {
		return err
	}
	return getDispatch(ctx, a, remotePath, localPath, opts)
}

func (a *AsyncSSH) GetFile(ctx context.Context, remotePath, localPath string, opts TransferOptions) error {
	const op = "getfile"
	if err := a.life.check(op); err != nil {
		return err
	}
	if err := requireAbs(op, localPath); err != nil {
		return err
	}
	if err := requirePath(op, remotePath); err != nil {
		return err
	}
	target, err := placeTarget(ctx, osLister{}, op, remotePath, localPath, filepath.Join, path.Base, opts.Overwrite)
	if err != nil {
		return err
	}
	return a.do(ctx, op, func() error { return a.engine.GetFile(ctx, remotePath, target, opts.Dereference) })
}

func (a *AsyncSSH) GetTree(ctx context.Context, remotePath, localPath string, opts TransferOptions) error {
	const op = "gettree"
	if err := a.life.check(op); err != nil {
		return err
	}
	if err := requireAbs(op, localPath); err != nil {
		return err
	}
	if isDir, err := a.IsDir(ctx, remotePath); err != nil {
		return err
	} else if !isDir {
		return terrors.IOf(op, remotePath, fs.ErrInvalid, "source is not a directory")
	}
	target, err := placeTarget(ctx, osLister{}, op, remotePath, localPath, filepath.Join, path.Base, opts.Overwrite)
	if err != nil {
		return err
	}
	return a.doTree(ctx, op, func() error { return a.engine.GetTree(ctx, remotePath, target, opts.Dereference) })
}

// Copy copies within the connected host only.
func (a *AsyncSSH) Copy(ctx context.Context, source, dest string, opts CopyOptions) error {
	if err := a.life.check("copy"); err != nil {
		return err
	}
	return copyDispatch(ctx, a, source, dest, opts)
}

func (a *AsyncSSH) CopyFile(ctx context.Context, source, dest string, opts CopyOptions) error {
	return a.remoteCopy(ctx, "copyfile", source, dest, false, opts.Dereference)
}

func (a *AsyncSSH) CopyTree(ctx context.Context, source, dest string, opts CopyOptions) error {
	return a.remoteCopy(ctx, "copytree", source, dest, true, opts.Dereference)
}

func (a *AsyncSSH) remoteCopy(ctx context.Context, op, source, dest string, recursive, dereference bool) error {
	if err := a.life.check(op); err != nil {
		return err
	}
	if exists, err := a.PathExists(ctx, source); err != nil {
		return err
	} else if !exists {
		return missingError(op, source)
	}
	target, err := placeTarget(ctx, a, op, source, dest, path.Join, path.Base, true)
	if err != nil {
		return err
	}
	return a.do(ctx, op, func() error { return a.engine.Copy(ctx, source, target, recursive, dereference) })
}

// ExecCommandWait runs command in a login shell, in Workdir if given and the
// login directory otherwise.
func (a *AsyncSSH) ExecCommandWait(ctx context.Context, command string, opts ExecOptions) (res ExecResult, err error) {
	err = a.do(ctx, "exec_command_wait", func() error {
		res, err = a.engine.Run(ctx, loginShellCommand(opts.Workdir, command), opts.Stdin, opts.Timeout)
		return err
	})
	if err == nil {
		a.log.LogCommand(a.String(), command, res.ExitCode, res.Stderr)
	}
	return res, err
}

func (a *AsyncSSH) Whoami(ctx context.Context) (string, error) {
	return whoamiOver(ctx, a)
}

func (a *AsyncSSH) GotoComputerCommand(remoteDir string) string {
	return gotoSSHCommand(a.opts.SSHOptions, remoteDir)
}

func (a *AsyncSSH) Compress(ctx context.Context, format ArchiveFormat, sources []string, dest, root string, opts CompressOptions) error {
	if err := a.life.check("compress"); err != nil {
		return err
	}
	return compressWithTar(ctx, a, format, sources, dest, root, opts)
}

func (a *AsyncSSH) Extract(ctx context.Context, source, dest string, opts ExtractOptions) error {
	if err := a.life.check("extract"); err != nil {
		return err
	}
	return extractWithTar(ctx, a, source, dest, opts)
}

var _ Transport = (*AsyncSSH)(nil)
