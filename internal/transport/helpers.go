package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	terrors "github.com/tturner/hpcxfer/internal/errors"
)

// The functions in this file implement the parts of the contract that are
// defined purely in terms of other Transport operations. Backends delegate
// to them so the dispatch rules are identical everywhere.

// osLister exposes the local filesystem to the glob engine.
type osLister struct{}

func (osLister) ListDir(_ context.Context, p, pattern string) ([]string, error) {
	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, terrors.IO("listdir", p, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return filterNames(names, pattern)
}

func (osLister) IsDir(_ context.Context, p string) (bool, error) {
	fi, err := os.Stat(p)
	if err != nil {
		return false, ignoreNotExist("isdir", p, err)
	}
	return fi.IsDir(), nil
}

func (osLister) PathExists(_ context.Context, p string) (bool, error) {
	_, err := os.Lstat(p)
	if err != nil {
		return false, ignoreNotExist("path_exists", p, err)
	}
	return true, nil
}

// ignoreNotExist maps "does not exist" to a nil error.
func ignoreNotExist(op, p string, err error) error {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
		return nil
	}
	return terrors.IO(op, p, err)
}

func localGlob(ctx context.Context, pattern string) ([]string, error) {
	return NewPathMatcher(osLister{}).Glob(ctx, pattern)
}

func requirePath(op, p string) error {
	if p == "" {
		return terrors.Validation(op, "", "path must not be empty")
	}
	return nil
}

func requireAbs(op, p string) error {
	if err := requirePath(op, p); err != nil {
		return err
	}
	if !filepath.IsAbs(p) {
		return terrors.Validation(op, p, "local path must be absolute")
	}
	return nil
}

func existsError(op, p string) error {
	return terrors.IOf(op, p, terrors.ErrExist, "destination exists and overwrite is false")
}

func missingError(op, p string) error {
	return terrors.IOf(op, p, terrors.ErrNotExist, "source does not exist")
}

// putDispatch implements Put for any backend.
func putDispatch(ctx context.Context, t Transport, localPath, remotePath string, opts TransferOptions) error {
	const op = "put"
	if err := requireAbs(op, localPath); err != nil {
		return err
	}
	if err := requirePath(op, remotePath); err != nil {
		return err
	}

	if HasMagic(localPath) {
		if HasMagic(remotePath) {
			return terrors.Validation(op, remotePath, "pathname patterns are not allowed in the destination")
		}
		matches, err := localGlob(ctx, localPath)
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			if opts.IgnoreNonexisting {
				return nil
			}
			return missingError(op, localPath)
		}
		if err := requireDirForMany(ctx, t, op, remotePath, len(matches)); err != nil {
			return err
		}
		for _, m := range matches {
			if err := putOne(ctx, t, m, remotePath, opts); err != nil {
				return err
			}
		}
		return nil
	}

	return putOne(ctx, t, localPath, remotePath, opts)
}

func putOne(ctx context.Context, t Transport, localPath, remotePath string, opts TransferOptions) error {
	fi, err := os.Stat(localPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if opts.IgnoreNonexisting {
				return nil
			}
			return missingError("put", localPath)
		}
		return terrors.IO("put", localPath, err)
	}
	if fi.IsDir() {
		return t.PutTree(ctx, localPath, remotePath, opts)
	}
	return t.PutFile(ctx, localPath, remotePath, opts)
}

// getDispatch implements Get for any backend.
func getDispatch(ctx context.Context, t Transport, remotePath, localPath string, opts TransferOptions) error {
	const op = "get"
	if err := requireAbs(op, localPath); err != nil {
		return err
	}
	if err := requirePath(op, remotePath); err != nil {
		return err
	}

	if HasMagic(remotePath) {
		if HasMagic(localPath) {
			return terrors.Validation(op, localPath, "pathname patterns are not allowed in the destination")
		}
		matches, err := t.Glob(ctx, remotePath)
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			if opts.IgnoreNonexisting {
				return nil
			}
			return missingError(op, remotePath)
		}
		if err := requireDirForMany(ctx, osLister{}, op, localPath, len(matches)); err != nil {
			return err
		}
		for _, m := range matches {
			if err := getOne(ctx, t, m, localPath, opts); err != nil {
				return err
			}
		}
		return nil
	}

	return getOne(ctx, t, remotePath, localPath, opts)
}

func getOne(ctx context.Context, t Transport, remotePath, localPath string, opts TransferOptions) error {
	isDir, err := t.IsDir(ctx, remotePath)
	if err != nil {
		return err
	}
	if isDir {
		return t.GetTree(ctx, remotePath, localPath, opts)
	}
	isFile, err := t.IsFile(ctx, remotePath)
	if err != nil {
		return err
	}
	if !isFile {
		if opts.IgnoreNonexisting {
			return nil
		}
		return missingError("get", remotePath)
	}
	return t.GetFile(ctx, remotePath, localPath, opts)
}

// copyDispatch implements Copy for any backend.
func copyDispatch(ctx context.Context, t Transport, source, dest string, opts CopyOptions) error {
	const op = "copy"
	if err := requirePath(op, source); err != nil {
		return err
	}
	if err := requirePath(op, dest); err != nil {
		return err
	}
	if HasMagic(dest) {
		return terrors.Validation(op, dest, "pathname patterns are not allowed in the destination")
	}

	sources := []string{source}
	if HasMagic(source) {
		matches, err := t.Glob(ctx, source)
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			return missingError(op, source)
		}
		if err := requireDirForMany(ctx, t, op, dest, len(matches)); err != nil {
			return err
		}
		sources = matches
	}

	for _, src := range sources {
		isDir, err := t.IsDir(ctx, src)
		if err != nil {
			return err
		}
		if isDir {
			if !opts.Recursive {
				return terrors.IOf(op, src, fs.ErrInvalid, "source is a directory and recursive is false")
			}
			err = t.CopyTree(ctx, src, dest, opts)
		} else {
			err = t.CopyFile(ctx, src, dest, opts)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// requireDirForMany fails unless dest is an existing directory when several
// sources match. Each source then lands inside dest under its basename.
func requireDirForMany(ctx context.Context, fs pathLister, op, dest string, n int) error {
	if n <= 1 {
		return nil
	}
	isDir, err := fs.IsDir(ctx, dest)
	if err != nil {
		return err
	}
	if !isDir {
		return terrors.IOf(op, dest, terrors.ErrNotExist, "several sources match, destination must be an existing directory")
	}
	return nil
}

// placeTarget applies the cp rule: copying onto an existing directory puts
// the source inside it under its basename. It then enforces overwrite.
func placeTarget(ctx context.Context, fs pathLister, op, source, dest string, join func(...string) string, base func(string) string, overwrite bool) (string, error) {
	isDir, err := fs.IsDir(ctx, dest)
	if err != nil {
		return "", err
	}
	if isDir {
		dest = join(dest, base(source))
	}
	if !overwrite {
		exists, err := fs.PathExists(ctx, dest)
		if err != nil {
			return "", err
		}
		if exists {
			return "", existsError(op, dest)
		}
	}
	return dest, nil
}

// makeDirsChecked implements the ignoreExisting contract of MakeDirs.
func makeDirsChecked(ctx context.Context, fs pathLister, p string, ignoreExisting bool, mkdirAll func() error) error {
	if err := requirePath("makedirs", p); err != nil {
		return err
	}
	exists, err := fs.PathExists(ctx, p)
	if err != nil {
		return err
	}
	if exists {
		if !ignoreExisting {
			return existsError("makedirs", p)
		}
		isDir, err := fs.IsDir(ctx, p)
		if err != nil {
			return err
		}
		if !isDir {
			return terrors.IOf("makedirs", p, terrors.ErrExist, "path exists and is not a directory")
		}
		return nil
	}
	return mkdirAll()
}

// renameChecked refuses to clobber an existing destination.
func renameChecked(ctx context.Context, fs pathLister, oldPath, newPath string, rename func() error) error {
	if err := requirePath("rename", oldPath); err != nil {
		return err
	}
	if err := requirePath("rename", newPath); err != nil {
		return err
	}
	exists, err := fs.PathExists(ctx, oldPath)
	if err != nil {
		return err
	}
	if !exists {
		return missingError("rename", oldPath)
	}
	exists, err = fs.PathExists(ctx, newPath)
	if err != nil {
		return err
	}
	if exists {
		return terrors.IOf("rename", newPath, terrors.ErrExist, "destination already exists")
	}
	return rename()
}

// symlinkDispatch links every match of a magic source into dest.
func symlinkDispatch(ctx context.Context, t Transport, source, dest string, link func(src, dst string) error) error {
	if err := requirePath("symlink", source); err != nil {
		return err
	}
	if err := requirePath("symlink", dest); err != nil {
		return err
	}
	if !HasMagic(source) {
		return link(source, dest)
	}
	matches, err := t.Glob(ctx, source)
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := link(m, path.Join(dest, path.Base(m))); err != nil {
			return err
		}
	}
	return nil
}

// listDirWithAttributes implements ListDirWithAttributes over ListDir and
// GetAttribute.
func listDirWithAttributes(ctx context.Context, t Transport, dir, pattern string) ([]DirEntry, error) {
	names, err := t.ListDir(ctx, dir, pattern)
	if err != nil {
		return nil, err
	}
	entries := make([]DirEntry, 0, len(names))
	for _, name := range names {
		attr, err := t.GetAttribute(ctx, path.Join(dir, name))
		if err != nil {
			return nil, err
		}
		entries = append(entries, DirEntry{Name: name, Attributes: attr, IsDir: attr.IsDir()})
	}
	return entries, nil
}

// CopyFromRemoteToRemote copies between two transports. When both are the
// same instance the copy stays on that machine via Copy; otherwise files are
// relayed through a local temporary sandbox. The final Put always
// dereferences so no link into the source machine lands on the destination.
func CopyFromRemoteToRemote(ctx context.Context, src, dst Transport, srcPath, dstPath string, opts TransferOptions) error {
	if src == dst {
		return src.Copy(ctx, srcPath, dstPath, CopyOptions{Recursive: true, Dereference: opts.Dereference})
	}

	sandbox, err := os.MkdirTemp("", "hpcxfer-relay-")
	if err != nil {
		return terrors.IO("copy_from_remote_to_remote", os.TempDir(), err)
	}
	defer os.RemoveAll(sandbox)

	if HasMagic(srcPath) {
		matches, err := src.Glob(ctx, srcPath)
		if err != nil {
			return err
		}
		if len(matches) == 0 && !opts.IgnoreNonexisting {
			return missingError("copy_from_remote_to_remote", srcPath)
		}
		for _, m := range matches {
			if err := src.Get(ctx, m, filepath.Join(sandbox, path.Base(m)), opts); err != nil {
				return err
			}
		}
	} else {
		if err := src.Get(ctx, srcPath, filepath.Join(sandbox, path.Base(srcPath)), opts); err != nil {
			return err
		}
	}

	entries, err := os.ReadDir(sandbox)
	if err != nil {
		return terrors.IO("copy_from_remote_to_remote", sandbox, err)
	}
	putOpts := opts
	putOpts.Dereference = true
	if err := requireDirForMany(ctx, dst, "copy_from_remote_to_remote", dstPath, len(entries)); err != nil {
		return err
	}
	for _, e := range entries {
		if err := dst.Put(ctx, filepath.Join(sandbox, e.Name()), dstPath, putOpts); err != nil {
			return err
		}
	}
	return nil
}

var archiveFlags = map[ArchiveFormat]string{
	FormatTar:   "",
	FormatTarGz: "z",
	FormatTarBz: "j",
	FormatTarXz: "J",
}

// compressWithTar implements Compress by running tar on the transport.
func compressWithTar(ctx context.Context, t Transport, format ArchiveFormat, sources []string, dest, root string, opts CompressOptions) error {
	const op = "compress"
	flag, ok := archiveFlags[format]
	if !ok {
		return terrors.Validation(op, dest, "unsupported archive format %q", format)
	}
	if len(sources) == 0 {
		return terrors.Validation(op, dest, "no sources given")
	}
	if err := requirePath(op, dest); err != nil {
		return err
	}
	if err := requirePath(op, root); err != nil {
		return err
	}
	if !path.IsAbs(root) {
		return terrors.Validation(op, root, "root must be absolute")
	}
	if HasMagic(dest) {
		return terrors.Validation(op, dest, "pathname patterns are not allowed in the destination")
	}
	if !opts.Overwrite {
		exists, err := t.PathExists(ctx, dest)
		if err != nil {
			return err
		}
		if exists {
			return existsError(op, dest)
		}
	}

	var members []string
	for _, src := range sources {
		full := src
		if !path.IsAbs(full) {
			full = path.Join(root, src)
		}
		var matches []string
		if HasMagic(full) {
			found, err := t.Glob(ctx, full)
			if err != nil {
				return err
			}
			matches = found
		} else {
			exists, err := t.PathExists(ctx, full)
			if err != nil {
				return err
			}
			if exists {
				matches = []string{full}
			}
		}
		if len(matches) == 0 {
			return missingError(op, full)
		}
		for _, m := range matches {
			rel, ok := relUnder(root, m)
			if !ok {
				return terrors.Validation(op, m, "source is not inside root %s", root)
			}
			members = append(members, rel)
		}
	}

	var b strings.Builder
	b.WriteString("tar -c" + flag + "f " + shellQuote(dest))
	if opts.Dereference {
		b.WriteString(" -h")
	}
	b.WriteString(" -C " + shellQuote(root))
	for _, m := range members {
		b.WriteString(" " + shellQuote(m))
	}
	return runChecked(ctx, t, op, dest, b.String())
}

// extractWithTar implements Extract by running tar on the transport.
func extractWithTar(ctx context.Context, t Transport, source, dest string, opts ExtractOptions) error {
	const op = "extract"
	if err := requirePath(op, source); err != nil {
		return err
	}
	if err := requirePath(op, dest); err != nil {
		return err
	}
	if opts.StripComponents < 0 {
		return terrors.Validation(op, source, "strip components must not be negative")
	}
	isFile, err := t.IsFile(ctx, source)
	if err != nil {
		return err
	}
	if !isFile {
		return missingError(op, source)
	}
	exists, err := t.PathExists(ctx, dest)
	if err != nil {
		return err
	}
	if exists && !opts.Overwrite {
		return existsError(op, dest)
	}
	if err := t.MakeDirs(ctx, dest, true); err != nil {
		return err
	}

	cmd := "tar -xf " + shellQuote(source) + " -C " + shellQuote(dest)
	if opts.StripComponents > 0 {
		cmd += " --strip-components=" + strconv.Itoa(opts.StripComponents)
	}
	return runChecked(ctx, t, op, source, cmd)
}

func runChecked(ctx context.Context, t Transport, op, p, cmd string) error {
	res, err := t.ExecCommandWait(ctx, cmd, ExecOptions{})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return terrors.IO(op, p, fmt.Errorf("%s exited %d: %s", strings.Fields(cmd)[0], res.ExitCode, strings.TrimSpace(res.Stderr)))
	}
	return nil
}

// relUnder returns p relative to root when p lies inside root.
func relUnder(root, p string) (string, bool) {
	root = path.Clean(root)
	p = path.Clean(p)
	if p == root {
		return ".", true
	}
	prefix := root
	if prefix != "/" {
		prefix += "/"
	}
	if !strings.HasPrefix(p, prefix) {
		return "", false
	}
	return strings.TrimPrefix(p, prefix), true
}

// shellQuote quotes s for a POSIX shell when it contains special characters.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !needsQuoting(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// needsQuoting returns true if the string needs shell quoting.
func needsQuoting(s string) bool {
	for _, c := range s {
		switch c {
		case ' ', '\t', '\n', '"', '\'', '\\', '$', '`', '!', '*', '?', '[', ']', '(', ')', '{', '}', '<', '>', '|', '&', ';', '~', '#':
			return true
		}
	}
	return false
}

// loginShellCommand wraps command in a login bash, optionally after a cd.
func loginShellCommand(workdir, command string) string {
	cmd := "bash -l -c " + shellQuote(command)
	if workdir != "" {
		cmd = "cd " + shellQuote(workdir) + " && " + cmd
	}
	return cmd
}

// gotoScript is the remote part of GotoComputerCommand.
func gotoScript(dir string) string {
	q := shellQuote(dir)
	return fmt.Sprintf("if [ -d %s ]; then cd %s && exec bash -l; else echo '  ** The directory'; echo '  ** %s'; echo '  ** seems to have been deleted, I logout...'; fi", q, q, strings.ReplaceAll(dir, "'", ""))
}
