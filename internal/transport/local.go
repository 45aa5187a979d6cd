package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"sync"
	"time"

	terrors "github.com/tturner/hpcxfer/internal/errors"
	"github.com/tturner/hpcxfer/internal/logging"
)

// Local implements Transport for the local machine.
//
// It keeps its own working directory and never calls os.Chdir, so other code
// in the process is unaffected. Relative paths resolve against it.
type Local struct {
	opts Options
	log  *logging.Logger
	life lifecycle

	mu  sync.Mutex
	cwd string
}

// NewLocal creates a new local transport.
func NewLocal(opts Options, log *logging.Logger) *Local {
	return &Local{opts: opts, log: log.Named("local")}
}

// Open sets the working directory to the user's home directory.
func (l *Local) Open(ctx context.Context) error {
	return l.life.markOpen(func() error {
		home, err := os.UserHomeDir()
		if err != nil {
			return terrors.IO("open", "$HOME", err)
		}
		l.mu.Lock()
		l.cwd = home
		l.mu.Unlock()
		l.log.Debug("opened, cwd %s", home)
		return nil
	})
}

// Close is cheap for the local transport but still ends the lifecycle.
func (l *Local) Close() error {
	return l.life.markClosed(func() error {
		l.log.Debug("closed")
		return nil
	})
}

func (l *Local) IsOpen() bool { return l.life.open() }

func (l *Local) Enter(ctx context.Context) (*Guard, error) { return l.life.enter(ctx, l) }

func (l *Local) SafeOpenInterval() time.Duration { return l.opts.SafeOpenInterval }

// String returns a description of this transport.
func (l *Local) String() string {
	return "local"
}

// Getcwd returns the emulated working directory.
func (l *Local) Getcwd() (string, error) {
	if err := l.life.check("getcwd"); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cwd, nil
}

// Chdir changes the emulated working directory.
func (l *Local) Chdir(ctx context.Context, p string) error {
	if err := l.life.check("chdir"); err != nil {
		return err
	}
	full := l.resolve(p)
	fi, err := os.Stat(full)
	if err != nil {
		return terrors.IO("chdir", full, err)
	}
	if !fi.IsDir() {
		return terrors.IOf("chdir", full, fs.ErrInvalid, "not a directory")
	}
	l.mu.Lock()
	l.cwd = full
	l.mu.Unlock()
	return nil
}

func (l *Local) resolve(p string) string {
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return filepath.Join(l.cwd, p)
}

func (l *Local) IsDir(ctx context.Context, p string) (bool, error) {
	if err := l.life.check("isdir"); err != nil {
		return false, err
	}
	if p == "" {
		return false, nil
	}
	return osLister{}.IsDir(ctx, l.resolve(p))
}

func (l *Local) IsFile(ctx context.Context, p string) (bool, error) {
	if err := l.life.check("isfile"); err != nil {
		return false, err
	}
	if p == "" {
		return false, nil
	}
	fi, err := os.Stat(l.resolve(p))
	if err != nil {
		return false, ignoreNotExist("isfile", p, err)
	}
	return fi.Mode().IsRegular(), nil
}

func (l *Local) PathExists(ctx context.Context, p string) (bool, error) {
	if err := l.life.check("path_exists"); err != nil {
		return false, err
	}
	if p == "" {
		return false, nil
	}
	return osLister{}.PathExists(ctx, l.resolve(p))
}

func (l *Local) ListDir(ctx context.Context, p, pattern string) ([]string, error) {
	if err := l.life.check("listdir"); err != nil {
		return nil, err
	}
	if p == "" {
		p = "."
	}
	return osLister{}.ListDir(ctx, l.resolve(p), pattern)
}

func (l *Local) ListDirWithAttributes(ctx context.Context, p, pattern string) ([]DirEntry, error) {
	return listDirWithAttributes(ctx, l, l.resolve(p), pattern)
}

func (l *Local) MakeDirs(ctx context.Context, p string, ignoreExisting bool) error {
	if err := l.life.check("makedirs"); err != nil {
		return err
	}
	full := l.resolve(p)
	return makeDirsChecked(ctx, l, full, ignoreExisting, func() error {
		return terrors.IO("makedirs", full, os.MkdirAll(full, 0o755))
	})
}

func (l *Local) Mkdir(ctx context.Context, p string, ignoreExisting bool) error {
	if err := l.life.check("mkdir"); err != nil {
		return err
	}
	if err := requirePath("mkdir", p); err != nil {
		return err
	}
	full := l.resolve(p)
	err := os.Mkdir(full, 0o755)
	if err != nil && ignoreExisting && errors.Is(err, fs.ErrExist) {
		if fi, statErr := os.Stat(full); statErr == nil && fi.IsDir() {
			return nil
		}
	}
	return terrors.IO("mkdir", full, err)
}

func (l *Local) Rmdir(ctx context.Context, p string) error {
	if err := l.life.check("rmdir"); err != nil {
		return err
	}
	if err := requirePath("rmdir", p); err != nil {
		return err
	}
	full := l.resolve(p)
	fi, err := os.Lstat(full)
	if err != nil {
		return terrors.IO("rmdir", full, err)
	}
	if !fi.IsDir() {
		return terrors.IOf("rmdir", full, fs.ErrInvalid, "not a directory")
	}
	return terrors.IO("rmdir", full, os.Remove(full))
}

// Rmtree removes p and everything below it. A missing path is a no-op.
func (l *Local) Rmtree(ctx context.Context, p string) error {
	if err := l.life.check("rmtree"); err != nil {
		return err
	}
	if err := requirePath("rmtree", p); err != nil {
		return err
	}
	full := l.resolve(p)
	return terrors.IO("rmtree", full, os.RemoveAll(full))
}

// Remove deletes a file or symbolic link.
func (l *Local) Remove(ctx context.Context, p string) error {
	if err := l.life.check("remove"); err != nil {
		return err
	}
	if err := requirePath("remove", p); err != nil {
		return err
	}
	full := l.resolve(p)
	fi, err := os.Lstat(full)
	if err != nil {
		return terrors.IO("remove", full, err)
	}
	if fi.IsDir() {
		return terrors.IOf("remove", full, fs.ErrInvalid, "is a directory, use rmdir or rmtree")
	}
	return terrors.IO("remove", full, os.Remove(full))
}

func (l *Local) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := l.life.check("rename"); err != nil {
		return err
	}
	from, to := l.resolve(oldPath), l.resolve(newPath)
	return renameChecked(ctx, l, from, to, func() error {
		return terrors.IO("rename", from, os.Rename(from, to))
	})
}

func (l *Local) Symlink(ctx context.Context, source, dest string) error {
	if err := l.life.check("symlink"); err != nil {
		return err
	}
	return symlinkDispatch(ctx, l, l.resolve(source), l.resolve(dest), func(src, dst string) error {
		return terrors.IO("symlink", dst, os.Symlink(src, dst))
	})
}

func (l *Local) Chmod(ctx context.Context, p string, mode fs.FileMode) error {
	if err := l.life.check("chmod"); err != nil {
		return err
	}
	if err := requirePath("chmod", p); err != nil {
		return err
	}
	full := l.resolve(p)
	return terrors.IO("chmod", full, os.Chmod(full, mode))
}

func (l *Local) Chown(ctx context.Context, p string, uid, gid int) error {
	if err := l.life.check("chown"); err != nil {
		return err
	}
	if err := requirePath("chown", p); err != nil {
		return err
	}
	full := l.resolve(p)
	return terrors.IO("chown", full, os.Chown(full, uid, gid))
}

// GetAttribute stats p without following a final symbolic link.
func (l *Local) GetAttribute(ctx context.Context, p string) (FileAttribute, error) {
	if err := l.life.check("get_attribute"); err != nil {
		return FileAttribute{}, err
	}
	if err := requirePath("get_attribute", p); err != nil {
		return FileAttribute{}, err
	}
	full := l.resolve(p)
	fi, err := os.Lstat(full)
	if err != nil {
		return FileAttribute{}, terrors.IO("get_attribute", full, err)
	}
	return attributeFromFileInfo(fi), nil
}

func (l *Local) Glob(ctx context.Context, pattern string) ([]string, error) {
	if err := l.life.check("glob"); err != nil {
		return nil, err
	}
	return NewPathMatcher(l).Glob(ctx, l.absPattern(pattern))
}

func (l *Local) Iglob(ctx context.Context, pattern string) iter.Seq2[string, error] {
	if err := l.life.check("iglob"); err != nil {
		return func(yield func(string, error) bool) { yield("", err) }
	}
	return NewPathMatcher(l).Iglob(ctx, l.absPattern(pattern))
}

// absPattern anchors relative patterns at the emulated cwd.
func (l *Local) absPattern(pattern string) string {
	if pattern == "" || filepath.IsAbs(pattern) {
		return pattern
	}
	return l.resolve(pattern)
}

func (l *Local) Put(ctx context.Context, localPath, remotePath string, opts TransferOptions) error {
	if err := l.life.check("put"); err != nil {
		return err
	}
	return putDispatch(ctx, l, localPath, l.resolve(remotePath), opts)
}

func (l *Local) PutFile(ctx context.Context, localPath, remotePath string, opts TransferOptions) error {
	if err := l.life.check("putfile"); err != nil {
		return err
	}
	if err := requireAbs("putfile", localPath); err != nil {
		return err
	}
	return l.copyFileTo(ctx, "putfile", localPath, l.resolve(remotePath), opts.Dereference, opts.Overwrite)
}

func (l *Local) PutTree(ctx context.Context, localPath, remotePath string, opts TransferOptions) error {
	if err := l.life.check("puttree"); err != nil {
		return err
	}
	if err := requireAbs("puttree", localPath); err != nil {
		return err
	}
	return l.copyTreeTo(ctx, "puttree", localPath, l.resolve(remotePath), opts.Dereference, opts.Overwrite)
}

func (l *Local) Get(ctx context.Context, remotePath, localPath string, opts TransferOptions) error {
	if err := l.life.check("get"); err != nil {
		return err
	}
	return getDispatch(ctx, l, l.resolve(remotePath), localPath, opts)
}

func (l *Local) GetFile(ctx context.Context, remotePath, localPath string, opts TransferOptions) error {
	if err := l.life.check("getfile"); err != nil {
		return err
	}
	if err := requireAbs("getfile", localPath); err != nil {
		return err
	}
	return l.copyFileTo(ctx, "getfile", l.resolve(remotePath), localPath, opts.Dereference, opts.Overwrite)
}

func (l *Local) GetTree(ctx context.Context, remotePath, localPath string, opts TransferOptions) error {
	if err := l.life.check("gettree"); err != nil {
		return err
	}
	if err := requireAbs("gettree", localPath); err != nil {
		return err
	}
	return l.copyTreeTo(ctx, "gettree", l.resolve(remotePath), localPath, opts.Dereference, opts.Overwrite)
}

func (l *Local) Copy(ctx context.Context, source, dest string, opts CopyOptions) error {
	if err := l.life.check("copy"); err != nil {
		return err
	}
	return copyDispatch(ctx, l, l.absPattern(source), l.resolve(dest), opts)
}

func (l *Local) CopyFile(ctx context.Context, source, dest string, opts CopyOptions) error {
	if err := l.life.check("copyfile"); err != nil {
		return err
	}
	return l.copyFileTo(ctx, "copyfile", l.resolve(source), l.resolve(dest), opts.Dereference, true)
}

func (l *Local) CopyTree(ctx context.Context, source, dest string, opts CopyOptions) error {
	if err := l.life.check("copytree"); err != nil {
		return err
	}
	return l.copyTreeTo(ctx, "copytree", l.resolve(source), l.resolve(dest), opts.Dereference, true)
}

func (l *Local) copyFileTo(ctx context.Context, op, src, dst string, dereference, overwrite bool) error {
	if _, err := os.Lstat(src); err != nil {
		return terrors.IO(op, src, err)
	}
	target, err := placeTarget(ctx, osLister{}, op, src, dst, filepath.Join, filepath.Base, overwrite)
	if err != nil {
		return err
	}
	return terrors.IO(op, target, copyFile(ctx, src, target, dereference))
}

func (l *Local) copyTreeTo(ctx context.Context, op, src, dst string, dereference, overwrite bool) error {
	fi, err := os.Stat(src)
	if err != nil {
		return terrors.IO(op, src, err)
	}
	if !fi.IsDir() {
		return terrors.IOf(op, src, fs.ErrInvalid, "source is not a directory")
	}
	target, err := placeTarget(ctx, osLister{}, op, src, dst, filepath.Join, filepath.Base, overwrite)
	if err != nil {
		return err
	}
	return terrors.IO(op, target, copyTree(ctx, src, target, dereference))
}

// ExecCommandWait runs command with bash -l -c in a new process group.
func (l *Local) ExecCommandWait(ctx context.Context, command string, opts ExecOptions) (ExecResult, error) {
	if err := l.life.check("exec_command_wait"); err != nil {
		return ExecResult{}, err
	}
	dir := opts.Workdir
	if dir == "" {
		dir, _ = l.Getcwd()
	} else {
		dir = l.resolve(dir)
	}
	res, err := runLocal(ctx, exec.Command("bash", "-l", "-c", command), dir, opts.Stdin, opts.Timeout)
	if err != nil {
		return res, err
	}
	l.log.LogCommand(l.String(), command, res.ExitCode, res.Stderr)
	return res, nil
}

// runLocal starts c detached in its own process group, feeds stdin, and
// waits. On timeout or cancellation the whole group is killed and reaped.
func runLocal(ctx context.Context, c *exec.Cmd, dir string, stdin io.Reader, timeout time.Duration) (ExecResult, error) {
	c.Dir = dir
	setProcessGroup(c)

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	var stdinPipe io.WriteCloser
	if stdin != nil {
		pipe, err := c.StdinPipe()
		if err != nil {
			return ExecResult{}, terrors.IO("exec_command_wait", dir, err)
		}
		stdinPipe = pipe
	}

	if err := c.Start(); err != nil {
		return ExecResult{}, terrors.IO("exec_command_wait", dir, fmt.Errorf("start %s: %w", c.Path, err))
	}

	if stdinPipe != nil {
		go func() {
			io.Copy(stdinPipe, stdin)
			stdinPipe.Close()
		}()
	}

	done := make(chan error, 1)
	go func() { done <- c.Wait() }()

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case <-ctx.Done():
		killProcessGroup(c)
		<-done
		return ExecResult{ExitCode: -1}, ctx.Err()
	case <-timeoutC:
		killProcessGroup(c)
		<-done
		return TimeoutResult, nil
	case err := <-done:
		exitCode := 0
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return ExecResult{ExitCode: -1}, terrors.IO("exec_command_wait", dir, err)
			}
			exitCode = exitErr.ExitCode()
		}
		return ExecResult{ExitCode: exitCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
	}
}

func (l *Local) Whoami(ctx context.Context) (string, error) {
	if err := l.life.check("whoami"); err != nil {
		return "", err
	}
	u, err := user.Current()
	if err != nil {
		return "", terrors.IO("whoami", "", err)
	}
	return u.Username, nil
}

// GotoComputerCommand returns a command opening a login shell in remoteDir.
func (l *Local) GotoComputerCommand(remoteDir string) string {
	return "bash -c " + shellQuote(gotoScript(remoteDir))
}

func (l *Local) Compress(ctx context.Context, format ArchiveFormat, sources []string, dest, root string, opts CompressOptions) error {
	if err := l.life.check("compress"); err != nil {
		return err
	}
	return compressWithTar(ctx, l, format, sources, l.resolve(dest), l.resolve(root), opts)
}

func (l *Local) Extract(ctx context.Context, source, dest string, opts ExtractOptions) error {
	if err := l.life.check("extract"); err != nil {
		return err
	}
	return extractWithTar(ctx, l, l.resolve(source), l.resolve(dest), opts)
}

// Ensure Local implements Transport
var _ Transport = (*Local)(nil)
