package transport

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"
)

// Engine is the set of primitives an AsyncSSH transport drives. All paths
// are remote POSIX paths except the local side of Put and Get. Engines
// must be safe for concurrent use; the transport bounds the concurrency.
type Engine interface {
	Open(ctx context.Context) error
	Close() error
	String() string

	// Run executes a shell command line on the remote host.
	Run(ctx context.Context, command string, stdin io.Reader, timeout time.Duration) (ExecResult, error)

	IsDir(ctx context.Context, p string) (bool, error)
	IsFile(ctx context.Context, p string) (bool, error)
	PathExists(ctx context.Context, p string) (bool, error)
	ListDir(ctx context.Context, p, pattern string) ([]string, error)
	Lstat(ctx context.Context, p string) (FileAttribute, error)

	Mkdir(ctx context.Context, p string) error
	MakeDirs(ctx context.Context, p string) error
	Remove(ctx context.Context, p string) error
	Rmdir(ctx context.Context, p string) error
	Rmtree(ctx context.Context, p string) error
	Rename(ctx context.Context, oldPath, newPath string) error
	Symlink(ctx context.Context, source, dest string) error
	Chmod(ctx context.Context, p string, mode fs.FileMode) error
	Chown(ctx context.Context, p string, uid, gid int) error

	PutFile(ctx context.Context, localPath, remotePath string, dereference bool) error
	PutTree(ctx context.Context, localPath, remotePath string, dereference bool) error
	GetFile(ctx context.Context, remotePath, localPath string, dereference bool) error
	GetTree(ctx context.Context, remotePath, localPath string, dereference bool) error
	// Copy copies on the remote host. The target has already been placed;
	// trees are merged into it.
	Copy(ctx context.Context, source, target string, recursive, dereference bool) error
}

// slotFunc takes one unit of a transport's I/O budget and returns its
// release.
type slotFunc func(ctx context.Context) (release func(), err error)

// slottedEngine is implemented by engines that split one call into several
// concurrent transfers. The transport hands them its budget and does not
// hold a slot around such calls itself.
type slottedEngine interface {
	setSlots(slots slotFunc)
}

// Backend selects the Engine of an AsyncSSH transport.
type Backend string

const (
	BackendLibrary Backend = "library"
	BackendCLI     Backend = "cli"
)

// ParseBackend converts a profile value to a Backend. Empty means library.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case BackendLibrary, BackendCLI:
		return b, nil
	case "":
		return BackendLibrary, nil
	}
	return "", fmt.Errorf("invalid backend %q (must be library or cli)", s)
}

// Unix file type and permission bits as reported by stat and SFTP.
const (
	unixTypeMask = 0o170000
	unixSocket   = 0o140000
	unixSymlink  = 0o120000
	unixRegular  = 0o100000
	unixBlock    = 0o060000
	unixDir      = 0o040000
	unixChar     = 0o020000
	unixFIFO     = 0o010000
	unixSetuid   = 0o4000
	unixSetgid   = 0o2000
	unixSticky   = 0o1000
)

// fileModeFromUnix converts a raw st_mode to fs.FileMode.
func fileModeFromUnix(m uint32) fs.FileMode {
	mode := fs.FileMode(m & 0o777)
	switch m & unixTypeMask {
	case unixDir:
		mode |= fs.ModeDir
	case unixSymlink:
		mode |= fs.ModeSymlink
	case unixFIFO:
		mode |= fs.ModeNamedPipe
	case unixSocket:
		mode |= fs.ModeSocket
	case unixBlock:
		mode |= fs.ModeDevice
	case unixChar:
		mode |= fs.ModeDevice | fs.ModeCharDevice
	}
	if m&unixSetuid != 0 {
		mode |= fs.ModeSetuid
	}
	if m&unixSetgid != 0 {
		mode |= fs.ModeSetgid
	}
	if m&unixSticky != 0 {
		mode |= fs.ModeSticky
	}
	return mode
}

// unixPerm converts the permission part of mode to chmod's octal form.
func unixPerm(mode fs.FileMode) uint32 {
	m := uint32(mode.Perm())
	if mode&fs.ModeSetuid != 0 {
		m |= unixSetuid
	}
	if mode&fs.ModeSetgid != 0 {
		m |= unixSetgid
	}
	if mode&fs.ModeSticky != 0 {
		m |= unixSticky
	}
	return m
}
