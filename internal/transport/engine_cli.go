package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	terrors "github.com/tturner/hpcxfer/internal/errors"
	"github.com/tturner/hpcxfer/internal/logging"
)

// CLIEngine drives the remote host with the ssh and scp programs. There is
// no persistent session; each primitive is one subprocess.
type CLIEngine struct {
	opts SSHOptions
	log  *logging.Logger

	// SSHProgram and SCPProgram default to "ssh" and "scp".
	SSHProgram string
	SCPProgram string
}

// NewCLIEngine returns an engine using the ssh and scp found on PATH.
func NewCLIEngine(opts SSHOptions, log *logging.Logger) *CLIEngine {
	return &CLIEngine{opts: opts, log: log, SSHProgram: "ssh", SCPProgram: "scp"}
}

// sshExitConnection is what ssh exits with when it fails itself.
const sshExitConnection = 255

func (e *CLIEngine) String() string { return string(BackendCLI) }

// commonArgs are the -o options shared by ssh and scp.
func (e *CLIEngine) commonArgs() []string {
	args := []string{"-o", "BatchMode=yes"}
	if e.opts.Timeout > 0 {
		secs := int(e.opts.Timeout.Round(time.Second) / time.Second)
		args = append(args, "-o", "ConnectTimeout="+strconv.Itoa(max(secs, 1)))
	}
	switch e.opts.KeyPolicy {
	case KeyPolicyAutoAdd:
		args = append(args, "-o", "StrictHostKeyChecking=accept-new")
	case KeyPolicyWarning:
		args = append(args, "-o", "StrictHostKeyChecking=no")
	default:
		args = append(args, "-o", "StrictHostKeyChecking=yes")
	}
	if e.opts.KnownHostsFile != "" {
		args = append(args, "-o", "UserKnownHostsFile="+e.opts.KnownHostsFile)
	}
	if !e.opts.LoadSystemHostKeys {
		args = append(args, "-o", "GlobalKnownHostsFile=/dev/null")
	}
	if !e.opts.AllowAgent {
		args = append(args, "-o", "IdentityAgent=none")
	}
	if e.opts.ProxyJump != "" {
		args = append(args, "-o", "ProxyJump="+e.opts.ProxyJump)
	}
	if e.opts.ProxyCommand != "" {
		args = append(args, "-o", "ProxyCommand="+e.opts.ProxyCommand)
	}
	if e.opts.KeyFilename != "" {
		args = append(args, "-i", e.opts.KeyFilename)
	}
	if e.opts.Compress {
		args = append(args, "-C")
	}
	return args
}

// SSHArgs returns the ssh arguments that run remoteCmd under bash -c.
func (e *CLIEngine) SSHArgs(remoteCmd string) []string {
	args := append(e.commonArgs(), "-T")
	if e.opts.Port != 0 && e.opts.Port != 22 {
		args = append(args, "-p", strconv.Itoa(e.opts.Port))
	}
	if e.opts.Username != "" {
		args = append(args, "-l", e.opts.Username)
	}
	return append(args, e.opts.Host, "bash -c "+shellQuote(remoteCmd))
}

// SCPArgs returns the scp arguments copying from to to.
func (e *CLIEngine) SCPArgs(recursive bool, from, to string) []string {
	args := append([]string{"-q", "-p"}, e.commonArgs()...)
	if e.opts.Port != 0 && e.opts.Port != 22 {
		args = append(args, "-P", strconv.Itoa(e.opts.Port))
	}
	if recursive {
		args = append(args, "-r")
	}
	return append(args, from, to)
}

// remoteSpec formats a path as scp's [user@]host:path.
func (e *CLIEngine) remoteSpec(p string) string {
	host := e.opts.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if e.opts.Username != "" {
		host = e.opts.Username + "@" + host
	}
	return host + ":" + p
}

// run executes remoteCmd. Exit status 255 is a connection failure only when
// ssh itself reported one; a remote command may exit 255 on its own.
func (e *CLIEngine) run(ctx context.Context, op, remoteCmd string, stdin io.Reader, timeout time.Duration) (ExecResult, error) {
	e.log.Debug("%s: %s", op, remoteCmd)
	res, err := runLocal(ctx, exec.Command(e.SSHProgram, e.SSHArgs(remoteCmd)...), "", stdin, timeout)
	if err != nil {
		return res, err
	}
	if res.ExitCode == sshExitConnection && isCLIConnectionMessage(res.Stderr) {
		return res, cliConnectionError(op, res.Stderr)
	}
	return res, nil
}

// scp runs one scp transfer.
func (e *CLIEngine) scp(ctx context.Context, op, p string, recursive bool, from, to string) error {
	res, err := runLocal(ctx, exec.Command(e.SCPProgram, e.SCPArgs(recursive, from, to)...), "", nil, 0)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if strings.Contains(msg, "No such file") {
			return terrors.IOf(op, p, fs.ErrNotExist, "%s", msg)
		}
		if strings.Contains(msg, "Permission denied") && !strings.Contains(msg, "publickey") {
			return terrors.IOf(op, p, fs.ErrPermission, "%s", msg)
		}
		if isCLIConnectionMessage(msg) {
			return cliConnectionError(op, msg)
		}
		return terrors.IO(op, p, fmt.Errorf("scp exited %d: %s", res.ExitCode, msg))
	}
	return nil
}

func isCLIConnectionMessage(msg string) bool {
	for _, s := range []string{
		"Host key verification failed",
		"REMOTE HOST IDENTIFICATION HAS CHANGED",
		"Permission denied (",
		"Connection refused",
		"Connection timed out",
		"Could not resolve hostname",
		"Connection closed",
		"Connection reset",
		"No route to host",
		"Network is unreachable",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func cliConnectionError(op, stderr string) error {
	msg := strings.TrimSpace(stderr)
	err := errors.New(msg)
	switch {
	case strings.Contains(msg, "Host key verification failed"), strings.Contains(msg, "REMOTE HOST IDENTIFICATION HAS CHANGED"):
		return terrors.Connection(terrors.KindHostKey, op, err)
	case strings.Contains(msg, "Permission denied ("):
		return terrors.Connection(terrors.KindAuth, op, err)
	case strings.Contains(msg, "timed out"):
		return terrors.Connection(terrors.KindTimeout, op, err)
	}
	return terrors.Connection(terrors.KindConnection, op, err)
}

// requireSimplePath rejects remote paths that would need quoting inside an
// scp remote specification.
func requireSimplePath(op, p string) error {
	if needsQuoting(p) {
		return terrors.Validation(op, p, "the cli backend cannot transfer paths containing shell special characters")
	}
	return nil
}

// Open checks that a non-interactive ssh login works.
func (e *CLIEngine) Open(ctx context.Context) error {
	if _, err := exec.LookPath(e.SSHProgram); err != nil {
		return terrors.Connection(terrors.KindConnection, "open", err)
	}
	res, err := e.run(ctx, "open", "true", nil, 0)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return terrors.Connection(terrors.KindConnection, "open", fmt.Errorf("login check exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)))
	}
	return nil
}

func (e *CLIEngine) Close() error { return nil }

func (e *CLIEngine) Run(ctx context.Context, command string, stdin io.Reader, timeout time.Duration) (ExecResult, error) {
	return e.run(ctx, "exec_command_wait", command, stdin, timeout)
}

// test evaluates a test(1) expression remotely.
func (e *CLIEngine) test(ctx context.Context, op, expr string) (bool, error) {
	res, err := e.run(ctx, op, expr, nil, 0)
	if err != nil {
		return false, err
	}
	switch res.ExitCode {
	case 0:
		return true, nil
	case 1:
		return false, nil
	}
	return false, terrors.IO(op, "", fmt.Errorf("test exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)))
}

func (e *CLIEngine) IsDir(ctx context.Context, p string) (bool, error) {
	return e.test(ctx, "isdir", "test -d "+shellQuote(p))
}

func (e *CLIEngine) IsFile(ctx context.Context, p string) (bool, error) {
	return e.test(ctx, "isfile", "test -f "+shellQuote(p))
}

func (e *CLIEngine) PathExists(ctx context.Context, p string) (bool, error) {
	q := shellQuote(p)
	return e.test(ctx, "path_exists", "test -e "+q+" || test -L "+q)
}

// checked runs cmd and turns a non-zero exit into an I/O error on p,
// classified from the stderr text.
func (e *CLIEngine) checked(ctx context.Context, op, p, cmd string) (ExecResult, error) {
	res, err := e.run(ctx, op, cmd, nil, 0)
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, cliIOError(op, p, res)
	}
	return res, nil
}

func cliIOError(op, p string, res ExecResult) error {
	msg := strings.TrimSpace(res.Stderr)
	switch {
	case strings.Contains(msg, "No such file or directory"):
		return terrors.IOf(op, p, fs.ErrNotExist, "%s", msg)
	case strings.Contains(msg, "Permission denied"):
		return terrors.IOf(op, p, fs.ErrPermission, "%s", msg)
	case strings.Contains(msg, "File exists"):
		return terrors.IOf(op, p, fs.ErrExist, "%s", msg)
	case strings.Contains(msg, "Not a directory"), strings.Contains(msg, "Is a directory"), strings.Contains(msg, "not empty"):
		return terrors.IOf(op, p, fs.ErrInvalid, "%s", msg)
	}
	return terrors.IO(op, p, fmt.Errorf("exit %d: %s", res.ExitCode, msg))
}

// ListDir lists names with find so that any byte except NUL survives.
func (e *CLIEngine) ListDir(ctx context.Context, p, pattern string) ([]string, error) {
	res, err := e.checked(ctx, "listdir", p, "find "+shellQuote(p)+"/ -mindepth 1 -maxdepth 1 -printf '%f\\0'")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, name := range strings.Split(res.Stdout, "\x00") {
		if name != "" {
			names = append(names, name)
		}
	}
	return filterNames(names, pattern)
}

// statFormat yields size, uid, gid, raw mode in hex, atime and mtime.
const statFormat = "%s %u %g %f %X %Y"

func (e *CLIEngine) Lstat(ctx context.Context, p string) (FileAttribute, error) {
	res, err := e.checked(ctx, "get_attribute", p, "stat -c '"+statFormat+"' -- "+shellQuote(p))
	if err != nil {
		return FileAttribute{}, err
	}
	attr, err := parseStat(res.Stdout)
	if err != nil {
		return FileAttribute{}, terrors.IO("get_attribute", p, err)
	}
	return attr, nil
}

// parseStat parses one line of stat -c statFormat output.
func parseStat(out string) (FileAttribute, error) {
	fields := strings.Fields(out)
	if len(fields) != 6 {
		return FileAttribute{}, fmt.Errorf("unexpected stat output %q", strings.TrimSpace(out))
	}
	size, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return FileAttribute{}, fmt.Errorf("stat size: %w", err)
	}
	uid, err := strconv.Atoi(fields[1])
	if err != nil {
		return FileAttribute{}, fmt.Errorf("stat uid: %w", err)
	}
	gid, err := strconv.Atoi(fields[2])
	if err != nil {
		return FileAttribute{}, fmt.Errorf("stat gid: %w", err)
	}
	mode, err := strconv.ParseUint(fields[3], 16, 32)
	if err != nil {
		return FileAttribute{}, fmt.Errorf("stat mode: %w", err)
	}
	atime, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return FileAttribute{}, fmt.Errorf("stat atime: %w", err)
	}
	mtime, err := strconv.ParseInt(fields[5], 10, 64)
	if err != nil {
		return FileAttribute{}, fmt.Errorf("stat mtime: %w", err)
	}
	return FileAttribute{
		Size:  size,
		UID:   uid,
		GID:   gid,
		Mode:  fileModeFromUnix(uint32(mode)),
		Atime: time.Unix(atime, 0),
		Mtime: time.Unix(mtime, 0),
	}, nil
}

func (e *CLIEngine) Mkdir(ctx context.Context, p string) error {
	_, err := e.checked(ctx, "mkdir", p, "mkdir -- "+shellQuote(p))
	return err
}

func (e *CLIEngine) MakeDirs(ctx context.Context, p string) error {
	_, err := e.checked(ctx, "makedirs", p, "mkdir -p -- "+shellQuote(p))
	return err
}

func (e *CLIEngine) Remove(ctx context.Context, p string) error {
	q := shellQuote(p)
	_, err := e.checked(ctx, "remove", p, "if [ -d "+q+" ] && [ ! -L "+q+" ]; then echo 'Is a directory' >&2; exit 1; fi; rm -- "+q)
	return err
}

func (e *CLIEngine) Rmdir(ctx context.Context, p string) error {
	_, err := e.checked(ctx, "rmdir", p, "rmdir -- "+shellQuote(p))
	return err
}

// Rmtree uses rm -rf, so a missing path succeeds.
func (e *CLIEngine) Rmtree(ctx context.Context, p string) error {
	_, err := e.checked(ctx, "rmtree", p, "rm -rf -- "+shellQuote(p))
	return err
}

func (e *CLIEngine) Rename(ctx context.Context, oldPath, newPath string) error {
	_, err := e.checked(ctx, "rename", oldPath, "mv -- "+shellQuote(oldPath)+" "+shellQuote(newPath))
	return err
}

func (e *CLIEngine) Symlink(ctx context.Context, source, dest string) error {
	_, err := e.checked(ctx, "symlink", dest, "ln -s -- "+shellQuote(source)+" "+shellQuote(dest))
	return err
}

func (e *CLIEngine) Chmod(ctx context.Context, p string, mode fs.FileMode) error {
	_, err := e.checked(ctx, "chmod", p, fmt.Sprintf("chmod %o -- %s", unixPerm(mode), shellQuote(p)))
	return err
}

func (e *CLIEngine) Chown(ctx context.Context, p string, uid, gid int) error {
	_, err := e.checked(ctx, "chown", p, fmt.Sprintf("chown %d:%d -- %s", uid, gid, shellQuote(p)))
	return err
}

// PutFile copies one file with scp. scp always follows links, so a local
// link is recreated with ln when dereference is false.
func (e *CLIEngine) PutFile(ctx context.Context, localPath, remotePath string, dereference bool) error {
	const op = "putfile"
	if err := requireSimplePath(op, remotePath); err != nil {
		return err
	}
	if !dereference {
		if target, ok := localLinkTarget(localPath); ok {
			_, err := e.checked(ctx, op, remotePath, "ln -sfn -- "+shellQuote(target)+" "+shellQuote(remotePath))
			return err
		}
	}
	return e.scp(ctx, op, localPath, false, localPath, e.remoteSpec(remotePath))
}

// PutTree creates remotePath and copies each child of localPath into it, so
// the result does not depend on whether remotePath existed before.
func (e *CLIEngine) PutTree(ctx context.Context, localPath, remotePath string, dereference bool) error {
	const op = "puttree"
	if err := requireSimplePath(op, remotePath); err != nil {
		return err
	}
	if err := e.MakeDirs(ctx, remotePath); err != nil {
		return err
	}
	entries, err := os.ReadDir(localPath)
	if err != nil {
		return terrors.IO(op, localPath, err)
	}
	for _, entry := range entries {
		child := filepath.Join(localPath, entry.Name())
		dst := path.Join(remotePath, entry.Name())
		if entry.IsDir() {
			err = e.scp(ctx, op, child, true, child, e.remoteSpec(remotePath+"/"))
		} else {
			err = e.PutFile(ctx, child, dst, dereference)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *CLIEngine) GetFile(ctx context.Context, remotePath, localPath string, dereference bool) error {
	const op = "getfile"
	if err := requireSimplePath(op, remotePath); err != nil {
		return err
	}
	if !dereference {
		res, err := e.run(ctx, op, "test -L "+shellQuote(remotePath)+" && readlink -- "+shellQuote(remotePath), nil, 0)
		if err != nil {
			return err
		}
		if res.ExitCode == 0 {
			target := strings.TrimSuffix(res.Stdout, "\n")
			os.Remove(localPath)
			return terrors.IO(op, localPath, os.Symlink(target, localPath))
		}
	}
	return e.scp(ctx, op, remotePath, false, e.remoteSpec(remotePath), localPath)
}

// GetTree creates localPath and copies each remote child into it.
func (e *CLIEngine) GetTree(ctx context.Context, remotePath, localPath string, dereference bool) error {
	const op = "gettree"
	if err := requireSimplePath(op, remotePath); err != nil {
		return err
	}
	if err := os.MkdirAll(localPath, 0o755); err != nil {
		return terrors.IO(op, localPath, err)
	}
	names, err := e.ListDir(ctx, remotePath, "")
	if err != nil {
		return err
	}
	for _, name := range names {
		child := path.Join(remotePath, name)
		if err := requireSimplePath(op, child); err != nil {
			return err
		}
		isDir, err := e.IsDir(ctx, child)
		if err != nil {
			return err
		}
		if isDir {
			err = e.scp(ctx, op, child, true, e.remoteSpec(child), localPath+string(filepath.Separator))
		} else {
			err = e.GetFile(ctx, child, filepath.Join(localPath, name), dereference)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *CLIEngine) Copy(ctx context.Context, source, target string, recursive, dereference bool) error {
	_, err := e.checked(ctx, "copy", source, remoteCopyCommand(source, target, recursive, dereference))
	return err
}

func localLinkTarget(p string) (string, bool) {
	fi, err := os.Lstat(p)
	if err != nil || fi.Mode()&fs.ModeSymlink == 0 {
		return "", false
	}
	target, err := os.Readlink(p)
	return target, err == nil
}

var _ Engine = (*CLIEngine)(nil)
