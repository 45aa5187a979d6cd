// Package transport provides one contract for running commands and moving
// files either on the local machine or on a remote machine reached over SSH.
//
// Three backends implement it: Local, SSH (one blocking SSH session plus an
// SFTP channel) and AsyncSSH (safe for concurrent use, I/O bounded by a
// semaphore, delegating to a library or an ssh/scp CLI engine).
package transport

import (
	"context"
	"io"
	"io/fs"
	"iter"
	"time"
)

// Transport abstracts remote/local execution and file transfer.
//
// A Transport is created closed. Every method except Open, Close, IsOpen,
// Enter, SafeOpenInterval, String and GotoComputerCommand fails with an
// internal error wrapping errors.ErrNotOpen while the transport is closed.
type Transport interface {
	// Open establishes the connection. Opening an open transport fails.
	Open(ctx context.Context) error
	// Close releases the connection. Closing a closed transport fails.
	Close() error
	IsOpen() bool
	// Enter is scoped acquisition: nested Enter calls share one physical
	// connection and only the outermost Release closes it.
	Enter(ctx context.Context) (*Guard, error)
	// SafeOpenInterval is the advisory minimum delay between two Open calls
	// to the same machine. It is never enforced by the transport.
	SafeOpenInterval() time.Duration
	String() string

	// IsDir, IsFile and PathExists report false, not an error, for missing paths.
	IsDir(ctx context.Context, path string) (bool, error)
	IsFile(ctx context.Context, path string) (bool, error)
	PathExists(ctx context.Context, path string) (bool, error)
	// ListDir returns entry names of path, filtered by pattern when non-empty.
	ListDir(ctx context.Context, path, pattern string) ([]string, error)
	ListDirWithAttributes(ctx context.Context, path, pattern string) ([]DirEntry, error)
	MakeDirs(ctx context.Context, path string, ignoreExisting bool) error
	Mkdir(ctx context.Context, path string, ignoreExisting bool) error
	Rmdir(ctx context.Context, path string) error
	// Rmtree removes path recursively. A missing path is not an error.
	Rmtree(ctx context.Context, path string) error
	Remove(ctx context.Context, path string) error
	Rename(ctx context.Context, oldPath, newPath string) error
	Symlink(ctx context.Context, source, dest string) error
	Chmod(ctx context.Context, path string, mode fs.FileMode) error
	Chown(ctx context.Context, path string, uid, gid int) error
	GetAttribute(ctx context.Context, path string) (FileAttribute, error)
	Glob(ctx context.Context, pattern string) ([]string, error)
	Iglob(ctx context.Context, pattern string) iter.Seq2[string, error]

	// Put copies local files to the transport. localPath must be absolute
	// and may be a glob pattern; remotePath may not.
	Put(ctx context.Context, localPath, remotePath string, opts TransferOptions) error
	PutFile(ctx context.Context, localPath, remotePath string, opts TransferOptions) error
	PutTree(ctx context.Context, localPath, remotePath string, opts TransferOptions) error
	// Get copies files from the transport to the local machine.
	Get(ctx context.Context, remotePath, localPath string, opts TransferOptions) error
	GetFile(ctx context.Context, remotePath, localPath string, opts TransferOptions) error
	GetTree(ctx context.Context, remotePath, localPath string, opts TransferOptions) error
	// Copy copies within the machine the transport is connected to. Use
	// CopyFromRemoteToRemote to copy between two transports.
	Copy(ctx context.Context, source, dest string, opts CopyOptions) error
	CopyFile(ctx context.Context, source, dest string, opts CopyOptions) error
	CopyTree(ctx context.Context, source, dest string, opts CopyOptions) error

	// ExecCommandWait runs command through a login shell and waits for it.
	// A non-zero exit code is a result, not an error. When opts.Timeout
	// expires the result is (-1, "", "Timeout exceeded") with a nil error.
	ExecCommandWait(ctx context.Context, command string, opts ExecOptions) (ExecResult, error)
	Whoami(ctx context.Context) (string, error)
	// GotoComputerCommand returns a shell command that opens an interactive
	// login shell in remoteDir on the machine of this transport.
	GotoComputerCommand(remoteDir string) string

	Compress(ctx context.Context, format ArchiveFormat, sources []string, dest, root string, opts CompressOptions) error
	Extract(ctx context.Context, source, dest string, opts ExtractOptions) error
}

// FileAttribute is a stat record normalized across backends.
type FileAttribute struct {
	Size  int64
	UID   int
	GID   int
	Mode  fs.FileMode
	Atime time.Time
	Mtime time.Time
}

// IsDir reports whether the attribute describes a directory.
func (a FileAttribute) IsDir() bool {
	return a.Mode.IsDir()
}

// DirEntry is one ListDirWithAttributes result.
type DirEntry struct {
	Name       string
	Attributes FileAttribute
	IsDir      bool
}

// TransferOptions controls Put and Get.
type TransferOptions struct {
	// Dereference copies the targets of symbolic links instead of the links.
	Dereference bool
	// Overwrite replaces existing destinations; otherwise an existing
	// destination is an error.
	Overwrite bool
	// IgnoreNonexisting turns a missing source into a no-op.
	IgnoreNonexisting bool
}

// DefaultTransferOptions dereferences links and overwrites destinations.
func DefaultTransferOptions() TransferOptions {
	return TransferOptions{Dereference: true, Overwrite: true}
}

// CopyOptions controls Copy.
type CopyOptions struct {
	Recursive   bool
	Dereference bool
}

// ExecOptions controls ExecCommandWait.
type ExecOptions struct {
	Stdin   io.Reader
	Workdir string        // empty = transport default
	Timeout time.Duration // 0 = none
}

// ExecResult is the outcome of ExecCommandWait.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// TimeoutResult is returned when ExecOptions.Timeout expires.
var TimeoutResult = ExecResult{ExitCode: -1, Stderr: "Timeout exceeded"}

// ArchiveFormat names a tar flavour accepted by Compress.
type ArchiveFormat string

const (
	FormatTar   ArchiveFormat = "tar"
	FormatTarGz ArchiveFormat = "tar.gz"
	FormatTarBz ArchiveFormat = "tar.bz2"
	FormatTarXz ArchiveFormat = "tar.xz"
)

// CompressOptions controls Compress.
type CompressOptions struct {
	Overwrite   bool
	Dereference bool
}

// ExtractOptions controls Extract.
type ExtractOptions struct {
	Overwrite       bool
	StripComponents int
}

// Options configures behavior shared by all backends.
type Options struct {
	// SafeOpenInterval is advisory, read by connection pools.
	SafeOpenInterval time.Duration
}

const (
	// DefaultSSHSafeOpenInterval is the advisory interval for SSH backends.
	DefaultSSHSafeOpenInterval = 5 * time.Second
	// DefaultMaxIOAllowed bounds concurrent I/O of one AsyncSSH transport.
	DefaultMaxIOAllowed = 8
)

// DefaultOptions returns sensible default options for the local backend.
func DefaultOptions() Options {
	return Options{}
}
