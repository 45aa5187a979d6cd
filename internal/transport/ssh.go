package transport

import (
	"context"
	"fmt"
	"io/fs"
	"iter"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"

	terrors "github.com/tturner/hpcxfer/internal/errors"
	"github.com/tturner/hpcxfer/internal/logging"
)

// SSH implements Transport for a remote machine over one SSH connection and
// one SFTP session. Relative paths resolve against a working directory that
// starts at the remote login directory.
type SSH struct {
	opts SSHOptions
	log  *logging.Logger
	life lifecycle

	mu   sync.Mutex
	conn *sshConn
	sftp *sftp.Client
	cwd  string
	done chan struct{}
}

// NewSSH creates a new SSH transport. The options are validated but no
// connection is made until Open.
func NewSSH(opts SSHOptions, log *logging.Logger) (*SSH, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Compress {
		log.Info("compression requested for %s; the SSH library ignores it", opts.Host)
	}
	return &SSH{opts: opts, log: log.Named("ssh")}, nil
}

// Open connects, starts the SFTP subsystem and records the login directory.
func (s *SSH) Open(ctx context.Context) error {
	return s.life.markOpen(func() error {
		conn, err := dialSSH(ctx, s.opts, s.log)
		if err != nil {
			return err
		}
		client, err := sftp.NewClient(conn.client)
		if err != nil {
			conn.Close()
			return terrors.Connection(terrors.KindConnection, "open", fmt.Errorf("create SFTP client: %w", err))
		}
		cwd, err := client.Getwd()
		if err != nil {
			client.Close()
			conn.Close()
			return terrors.Connection(terrors.KindConnection, "open", fmt.Errorf("getwd: %w", err))
		}

		s.mu.Lock()
		s.conn, s.sftp, s.cwd = conn, client, cwd
		s.done = make(chan struct{})
		s.mu.Unlock()

		if s.opts.KeepAlive > 0 {
			go keepAlive(conn.client, s.opts.KeepAlive, s.done)
		}
		s.log.Info("connected to %s", s)
		return nil
	})
}

// Close closes the SFTP session and the SSH connection.
func (s *SSH) Close() error {
	return s.life.markClosed(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		close(s.done)
		var firstErr error
		if err := s.sftp.Close(); err != nil {
			firstErr = err
		}
		if err := s.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.sftp, s.conn = nil, nil
		s.log.Info("disconnected from %s", s)
		if firstErr != nil {
			return terrors.Connection(terrors.KindConnection, "close", firstErr)
		}
		return nil
	})
}

func (s *SSH) IsOpen() bool { return s.life.open() }

func (s *SSH) Enter(ctx context.Context) (*Guard, error) { return s.life.enter(ctx, s) }

func (s *SSH) SafeOpenInterval() time.Duration { return s.opts.SafeOpenInterval }

// String returns a description of this transport.
func (s *SSH) String() string {
	return fmt.Sprintf("ssh://%s@%s:%d", s.opts.user(), s.opts.Host, s.opts.port())
}

func (s *SSH) fs() sftpFS {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sftpFS{c: s.sftp}
}

func (s *SSH) resolve(p string) string {
	if p == "" {
		return ""
	}
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return path.Join(s.cwd, p)
}

func (s *SSH) absPattern(pattern string) string {
	if pattern == "" || path.IsAbs(pattern) {
		return pattern
	}
	return s.resolve(pattern)
}

// Getcwd returns the remote working directory.
func (s *SSH) Getcwd() (string, error) {
	if err := s.life.check("getcwd"); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd, nil
}

// Chdir changes the remote working directory used for relative paths and
// commands.
func (s *SSH) Chdir(ctx context.Context, p string) error {
	if err := s.life.check("chdir"); err != nil {
		return err
	}
	full := s.resolve(p)
	isDir, err := s.fs().IsDir(ctx, full)
	if err != nil {
		return err
	}
	if !isDir {
		return terrors.IOf("chdir", full, fs.ErrNotExist, "not a directory")
	}
	s.mu.Lock()
	s.cwd = full
	s.mu.Unlock()
	return nil
}

func (s *SSH) IsDir(ctx context.Context, p string) (bool, error) {
	if err := s.life.check("isdir"); err != nil {
		return false, err
	}
	if p == "" {
		return false, nil
	}
	return s.fs().IsDir(ctx, s.resolve(p))
}

func (s *SSH) IsFile(ctx context.Context, p string) (bool, error) {
	if err := s.life.check("isfile"); err != nil {
		return false, err
	}
	if p == "" {
		return false, nil
	}
	return s.fs().IsFile(ctx, s.resolve(p))
}

func (s *SSH) PathExists(ctx context.Context, p string) (bool, error) {
	if err := s.life.check("path_exists"); err != nil {
		return false, err
	}
	if p == "" {
		return false, nil
	}
	return s.fs().PathExists(ctx, s.resolve(p))
}

func (s *SSH) ListDir(ctx context.Context, p, pattern string) ([]string, error) {
	if err := s.life.check("listdir"); err != nil {
		return nil, err
	}
	if p == "" {
		p = "."
	}
	return s.fs().ListDir(ctx, s.resolve(p), pattern)
}

func (s *SSH) ListDirWithAttributes(ctx context.Context, p, pattern string) ([]DirEntry, error) {
	return listDirWithAttributes(ctx, s, s.resolve(p), pattern)
}

func (s *SSH) MakeDirs(ctx context.Context, p string, ignoreExisting bool) error {
	if err := s.life.check("makedirs"); err != nil {
		return err
	}
	full := s.resolve(p)
	fsys := s.fs()
	return makeDirsChecked(ctx, fsys, full, ignoreExisting, func() error { return fsys.makeDirs(full) })
}

func (s *SSH) Mkdir(ctx context.Context, p string, ignoreExisting bool) error {
	if err := s.life.check("mkdir"); err != nil {
		return err
	}
	if err := requirePath("mkdir", p); err != nil {
		return err
	}
	return s.fs().mkdir(ctx, s.resolve(p), ignoreExisting)
}

func (s *SSH) Rmdir(ctx context.Context, p string) error {
	if err := s.life.check("rmdir"); err != nil {
		return err
	}
	if err := requirePath("rmdir", p); err != nil {
		return err
	}
	return s.fs().rmdir(s.resolve(p))
}

// Rmtree removes p recursively over SFTP. A missing path is a no-op.
func (s *SSH) Rmtree(ctx context.Context, p string) error {
	if err := s.life.check("rmtree"); err != nil {
		return err
	}
	if err := requirePath("rmtree", p); err != nil {
		return err
	}
	return s.fs().rmtree(ctx, s.resolve(p))
}

func (s *SSH) Remove(ctx context.Context, p string) error {
	if err := s.life.check("remove"); err != nil {
		return err
	}
	if err := requirePath("remove", p); err != nil {
		return err
	}
	return s.fs().remove(s.resolve(p))
}

func (s *SSH) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := s.life.check("rename"); err != nil {
		return err
	}
	from, to := s.resolve(oldPath), s.resolve(newPath)
	fsys := s.fs()
	return renameChecked(ctx, fsys, from, to, func() error { return fsys.rename(from, to) })
}

func (s *SSH) Symlink(ctx context.Context, source, dest string) error {
	if err := s.life.check("symlink"); err != nil {
		return err
	}
	fsys := s.fs()
	return symlinkDispatch(ctx, s, s.absPattern(source), s.resolve(dest), fsys.symlink)
}

func (s *SSH) Chmod(ctx context.Context, p string, mode fs.FileMode) error {
	if err := s.life.check("chmod"); err != nil {
		return err
	}
	if err := requirePath("chmod", p); err != nil {
		return err
	}
	return s.fs().chmod(s.resolve(p), mode)
}

func (s *SSH) Chown(ctx context.Context, p string, uid, gid int) error {
	if err := s.life.check("chown"); err != nil {
		return err
	}
	if err := requirePath("chown", p); err != nil {
		return err
	}
	return s.fs().chown(s.resolve(p), uid, gid)
}

func (s *SSH) GetAttribute(ctx context.Context, p string) (FileAttribute, error) {
	if err := s.life.check("get_attribute"); err != nil {
		return FileAttribute{}, err
	}
	if err := requirePath("get_attribute", p); err != nil {
		return FileAttribute{}, err
	}
	return s.fs().attribute(s.resolve(p))
}

func (s *SSH) Glob(ctx context.Context, pattern string) ([]string, error) {
	if err := s.life.check("glob"); err != nil {
		return nil, err
	}
	return NewPathMatcher(s.fs()).Glob(ctx, s.absPattern(pattern))
}

func (s *SSH) Iglob(ctx context.Context, pattern string) iter.Seq2[string, error] {
	if err := s.life.check("iglob"); err != nil {
		return func(yield func(string, error) bool) { yield("", err) }
	}
	return NewPathMatcher(s.fs()).Iglob(ctx, s.absPattern(pattern))
}

func (s *SSH) Put(ctx context.Context, localPath, remotePath string, opts TransferOptions) error {
	if err := s.life.check("put"); err != nil {
		return err
	}
	return putDispatch(ctx, s, localPath, s.resolve(remotePath), opts)
}

func (s *SSH) PutFile(ctx context.Context, localPath, remotePath string, opts TransferOptions) error {
	const op = "putfile"
	if err := s.life.check(op); err != nil {
		return err
	}
	if err := requireAbs(op, localPath); err != nil {
		return err
	}
	fsys := s.fs()
	target, err := placeTarget(ctx, fsys, op, localPath, s.resolve(remotePath), path.Join, filepath.Base, opts.Overwrite)
	if err != nil {
		return err
	}
	s.log.Debug("put %s -> %s", localPath, target)
	return fsys.putFile(ctx, localPath, target, opts.Dereference)
}

func (s *SSH) PutTree(ctx context.Context, localPath, remotePath string, opts TransferOptions) error {
	const op = "puttree"
	if err := s.life.check(op); err != nil {
		return err
	}
	if err := requireAbs(op, localPath); err != nil {
		return err
	}
	if isDir, _ := (osLister{}).IsDir(ctx, localPath); !isDir {
		return terrors.IOf(op, localPath, fs.ErrInvalid, "source is not a directory")
	}
	fsys := s.fs()
	target, err := placeTarget(ctx, fsys, op, localPath, s.resolve(remotePath), path.Join, filepath.Base, opts.Overwrite)
	if err != nil {
		return err
	}
	s.log.Debug("put tree %s -> %s", localPath, target)
	return fsys.putTree(ctx, localPath, target, opts.Dereference)
}

func (s *SSH) Get(ctx context.Context, remotePath, localPath string, opts TransferOptions) error {
	if err := s.life.check("get"); err != nil {
		return err
	}
	return getDispatch(ctx, s, s.absPattern(remotePath), localPath, opts)
}

func (s *SSH) GetFile(ctx context.Context, remotePath, localPath string, opts TransferOptions) error {
	const op = "getfile"
	if err := s.life.check(op); err != nil {
		return err
	}
	if err := requireAbs(op, localPath); err != nil {
		return err
	}
	src := s.resolve(remotePath)
	fsys := s.fs()
	if exists, err := fsys.PathExists(ctx, src); err != nil {
		return err
	} else if !exists {
		return missingError(op, src)
	}
	target, err := placeTarget(ctx, osLister{}, op, src, localPath, filepath.Join, path.Base, opts.Overwrite)
	if err != nil {
		return err
	}
	s.log.Debug("get %s -> %s", src, target)
	return fsys.getFile(ctx, src, target, opts.Dereference)
}

func (s *SSH) GetTree(ctx context.Context, remotePath, localPath string, opts TransferOptions) error {
	const op = "gettree"
	if err := s.life.check(op); err != nil {
		return err
	}
	if err := requireAbs(op, localPath); err != nil {
		return err
	}
	src := s.resolve(remotePath)
	fsys := s.fs()
	if isDir, err := fsys.IsDir(ctx, src); err != nil {
		return err
	} else if !isDir {
		return terrors.IOf(op, src, fs.ErrInvalid, "source is not a directory")
	}
	target, err := placeTarget(ctx, osLister{}, op, src, localPath, filepath.Join, path.Base, opts.Overwrite)
	if err != nil {
		return err
	}
	s.log.Debug("get tree %s -> %s", src, target)
	return fsys.getTree(ctx, src, target, opts.Dereference)
}

// Copy copies within the connected host only. Use CopyFromRemoteToRemote to
// move data between two transports.
func (s *SSH) Copy(ctx context.Context, source, dest string, opts CopyOptions) error {
	if err := s.life.check("copy"); err != nil {
		return err
	}
	return copyDispatch(ctx, s, s.absPattern(source), s.resolve(dest), opts)
}

func (s *SSH) CopyFile(ctx context.Context, source, dest string, opts CopyOptions) error {
	return s.remoteCopy(ctx, "copyfile", source, dest, false, opts.Dereference)
}

func (s *SSH) CopyTree(ctx context.Context, source, dest string, opts CopyOptions) error {
	return s.remoteCopy(ctx, "copytree", source, dest, true, opts.Dereference)
}

func (s *SSH) remoteCopy(ctx context.Context, op, source, dest string, recursive, dereference bool) error {
	if err := s.life.check(op); err != nil {
		return err
	}
	src := s.resolve(source)
	if exists, err := s.fs().PathExists(ctx, src); err != nil {
		return err
	} else if !exists {
		return missingError(op, src)
	}
	target, err := placeTarget(ctx, s.fs(), op, src, s.resolve(dest), path.Join, path.Base, true)
	if err != nil {
		return err
	}
	return runChecked(ctx, s, op, src, remoteCopyCommand(src, target, recursive, dereference))
}

// remoteCopyCommand builds the cp invocation for a copy on one host. Trees
// are merged into target so an existing target is not nested again.
func remoteCopyCommand(src, target string, recursive, dereference bool) string {
	link := "-P"
	if dereference {
		link = "-L"
	}
	if recursive {
		return fmt.Sprintf("mkdir -p %s && cp -r -f %s %s %s", shellQuote(target), link, shellQuote(strings.TrimSuffix(src, "/")+"/."), shellQuote(target))
	}
	return fmt.Sprintf("cp -f %s %s %s", link, shellQuote(src), shellQuote(target))
}

// ExecCommandWait runs command in a login shell, in Workdir or the current
// working directory.
func (s *SSH) ExecCommandWait(ctx context.Context, command string, opts ExecOptions) (ExecResult, error) {
	if err := s.life.check("exec_command_wait"); err != nil {
		return ExecResult{}, err
	}
	dir := opts.Workdir
	if dir == "" {
		dir, _ = s.Getcwd()
	} else {
		dir = s.resolve(dir)
	}
	s.mu.Lock()
	client := s.conn.client
	s.mu.Unlock()

	s.log.Debug("exec in %s: %s", dir, command)
	res, err := runRemote(ctx, client, loginShellCommand(dir, command), opts.Stdin, opts.Timeout)
	if err != nil {
		return res, err
	}
	s.log.LogCommand(s.String(), command, res.ExitCode, res.Stderr)
	return res, nil
}

func (s *SSH) Whoami(ctx context.Context) (string, error) {
	return whoamiOver(ctx, s)
}

// whoamiOver runs whoami on t.
func whoamiOver(ctx context.Context, t Transport) (string, error) {
	res, err := t.ExecCommandWait(ctx, "whoami", ExecOptions{})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", terrors.IO("whoami", "", fmt.Errorf("whoami exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)))
	}
	return strings.TrimSpace(res.Stdout), nil
}

// GotoComputerCommand returns an ssh command line that opens a login shell
// in remoteDir.
func (s *SSH) GotoComputerCommand(remoteDir string) string {
	return gotoSSHCommand(s.opts, remoteDir)
}

func gotoSSHCommand(opts SSHOptions, remoteDir string) string {
	parts := append([]string{"ssh", "-t"}, sshCommandArgs(opts)...)
	for i, p := range parts {
		parts[i] = shellQuote(p)
	}
	parts = append(parts, shellQuote(opts.Host), shellQuote(gotoScript(remoteDir)))
	return strings.Join(parts, " ")
}

func (s *SSH) Compress(ctx context.Context, format ArchiveFormat, sources []string, dest, root string, opts CompressOptions) error {
	if err := s.life.check("compress"); err != nil {
		return err
	}
	return compressWithTar(ctx, s, format, sources, s.resolve(dest), s.resolve(root), opts)
}

func (s *SSH) Extract(ctx context.Context, source, dest string, opts ExtractOptions) error {
	if err := s.life.check("extract"); err != nil {
		return err
	}
	return extractWithTar(ctx, s, s.resolve(source), s.resolve(dest), opts)
}

// Ensure SSH implements Transport
var _ Transport = (*SSH)(nil)
