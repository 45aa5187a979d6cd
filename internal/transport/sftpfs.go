package transport

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"

	terrors "github.com/tturner/hpcxfer/internal/errors"
)

// sftpFS implements the filesystem primitives over one SFTP session. Remote
// paths are POSIX paths. It is shared by the synchronous SSH transport and
// the library engine.
type sftpFS struct {
	c *sftp.Client
}

// fromSFTP converts an SFTP status to the matching fs sentinel.
func fromSFTP(op, p string, err error) error {
	if err == nil {
		return nil
	}
	var se *sftp.StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case uint32(sftp.ErrSSHFxNoSuchFile):
			err = &fs.PathError{Op: op, Path: p, Err: fs.ErrNotExist}
		case uint32(sftp.ErrSSHFxPermissionDenied):
			err = &fs.PathError{Op: op, Path: p, Err: fs.ErrPermission}
		case fxFileAlreadyExists:
			err = &fs.PathError{Op: op, Path: p, Err: fs.ErrExist}
		}
	}
	return terrors.IO(op, p, err)
}

// SSH_FX_FILE_ALREADY_EXISTS from draft-ietf-secsh-filexfer-13.
const fxFileAlreadyExists uint32 = 11

func (s sftpFS) IsDir(_ context.Context, p string) (bool, error) {
	fi, err := s.c.Stat(p)
	if err != nil {
		return false, ignoreNotExist("isdir", p, fromSFTP("isdir", p, err))
	}
	return fi.IsDir(), nil
}

func (s sftpFS) IsFile(_ context.Context, p string) (bool, error) {
	fi, err := s.c.Stat(p)
	if err != nil {
		return false, ignoreNotExist("isfile", p, fromSFTP("isfile", p, err))
	}
	return fi.Mode().IsRegular(), nil
}

func (s sftpFS) PathExists(_ context.Context, p string) (bool, error) {
	if _, err := s.c.Lstat(p); err != nil {
		return false, ignoreNotExist("path_exists", p, fromSFTP("path_exists", p, err))
	}
	return true, nil
}

func (s sftpFS) ListDir(_ context.Context, p, pattern string) ([]string, error) {
	infos, err := s.c.ReadDir(p)
	if err != nil {
		return nil, fromSFTP("listdir", p, err)
	}
	names := make([]string, 0, len(infos))
	for _, fi := range infos {
		names = append(names, fi.Name())
	}
	return filterNames(names, pattern)
}

func (s sftpFS) attribute(p string) (FileAttribute, error) {
	fi, err := s.c.Lstat(p)
	if err != nil {
		return FileAttribute{}, fromSFTP("get_attribute", p, err)
	}
	return attributeFromSFTP(fi), nil
}

func attributeFromSFTP(fi fs.FileInfo) FileAttribute {
	attr := FileAttribute{Size: fi.Size(), Mode: fi.Mode(), Mtime: fi.ModTime(), Atime: fi.ModTime()}
	if st, ok := fi.Sys().(*sftp.FileStat); ok {
		attr.UID = int(st.UID)
		attr.GID = int(st.GID)
		attr.Atime = time.Unix(int64(st.Atime), 0)
	}
	return attr
}

func (s sftpFS) mkdir(ctx context.Context, p string, ignoreExisting bool) error {
	err := s.c.Mkdir(p)
	if err == nil {
		return nil
	}
	if isDir, _ := s.IsDir(ctx, p); isDir {
		if ignoreExisting {
			return nil
		}
		return existsError("mkdir", p)
	}
	return fromSFTP("mkdir", p, err)
}

func (s sftpFS) makeDirs(p string) error {
	return fromSFTP("makedirs", p, s.c.MkdirAll(p))
}

func (s sftpFS) remove(p string) error {
	fi, err := s.c.Lstat(p)
	if err != nil {
		return fromSFTP("remove", p, err)
	}
	if fi.IsDir() {
		return terrors.IOf("remove", p, fs.ErrInvalid, "is a directory, use rmdir or rmtree")
	}
	return fromSFTP("remove", p, s.c.Remove(p))
}

func (s sftpFS) rmdir(p string) error {
	fi, err := s.c.Lstat(p)
	if err != nil {
		return fromSFTP("rmdir", p, err)
	}
	if !fi.IsDir() {
		return terrors.IOf("rmdir", p, fs.ErrInvalid, "not a directory")
	}
	return fromSFTP("rmdir", p, s.c.RemoveDirectory(p))
}

// rmtree removes p recursively without following links. A missing path is
// not an error.
func (s sftpFS) rmtree(ctx context.Context, p string) error {
	fi, err := s.c.Lstat(p)
	if err != nil {
		return ignoreNotExist("rmtree", p, fromSFTP("rmtree", p, err))
	}
	if !fi.IsDir() {
		return fromSFTP("rmtree", p, s.c.Remove(p))
	}
	infos, err := s.c.ReadDir(p)
	if err != nil {
		return fromSFTP("rmtree", p, err)
	}
	for _, child := range infos {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.rmtree(ctx, path.Join(p, child.Name())); err != nil {
			return err
		}
	}
	return fromSFTP("rmtree", p, s.c.RemoveDirectory(p))
}

func (s sftpFS) rename(oldPath, newPath string) error {
	if _, ok := s.c.HasExtension("posix-rename@openssh.com"); ok {
		return fromSFTP("rename", oldPath, s.c.PosixRename(oldPath, newPath))
	}
	return fromSFTP("rename", oldPath, s.c.Rename(oldPath, newPath))
}

func (s sftpFS) symlink(source, dest string) error {
	return fromSFTP("symlink", dest, s.c.Symlink(source, dest))
}

func (s sftpFS) chmod(p string, mode fs.FileMode) error {
	return fromSFTP("chmod", p, s.c.Chmod(p, mode))
}

func (s sftpFS) chown(p string, uid, gid int) error {
	return fromSFTP("chown", p, s.c.Chown(p, uid, gid))
}

// putFile uploads one file. With dereference false a local symbolic link is
// recreated remotely.
func (s sftpFS) putFile(ctx context.Context, localPath, remotePath string, dereference bool) error {
	const op = "putfile"
	if !dereference {
		fi, err := os.Lstat(localPath)
		if err != nil {
			return terrors.IO(op, localPath, err)
		}
		if fi.Mode()&fs.ModeSymlink != 0 {
			target, err := os.Readlink(localPath)
			if err != nil {
				return terrors.IO(op, localPath, err)
			}
			if exists, _ := s.PathExists(ctx, remotePath); exists {
				s.c.Remove(remotePath)
			}
			return s.symlink(target, remotePath)
		}
	}

	in, err := os.Open(localPath)
	if err != nil {
		return terrors.IO(op, localPath, err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return terrors.IO(op, localPath, err)
	}

	out, err := s.c.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fromSFTP(op, remotePath, err)
	}
	if _, err := io.Copy(out, ctxReader{ctx: ctx, r: in}); err != nil {
		out.Close()
		return fromSFTP(op, remotePath, err)
	}
	if err := out.Close(); err != nil {
		return fromSFTP(op, remotePath, err)
	}
	s.c.Chmod(remotePath, info.Mode().Perm())
	s.c.Chtimes(remotePath, info.ModTime(), info.ModTime())
	return nil
}

// getFile downloads one file. With dereference false a remote symbolic link
// is recreated locally.
func (s sftpFS) getFile(ctx context.Context, remotePath, localPath string, dereference bool) error {
	const op = "getfile"
	if !dereference {
		fi, err := s.c.Lstat(remotePath)
		if err != nil {
			return fromSFTP(op, remotePath, err)
		}
		if fi.Mode()&fs.ModeSymlink != 0 {
			target, err := s.c.ReadLink(remotePath)
			if err != nil {
				return fromSFTP(op, remotePath, err)
			}
			if _, err := os.Lstat(localPath); err == nil {
				os.Remove(localPath)
			}
			return terrors.IO(op, localPath, os.Symlink(target, localPath))
		}
	}

	in, err := s.c.Open(remotePath)
	if err != nil {
		return fromSFTP(op, remotePath, err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return fromSFTP(op, remotePath, err)
	}

	out, err := os.OpenFile(localPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return terrors.IO(op, localPath, err)
	}
	if _, err := io.Copy(out, ctxReader{ctx: ctx, r: in}); err != nil {
		out.Close()
		return terrors.IO(op, localPath, err)
	}
	if err := out.Close(); err != nil {
		return terrors.IO(op, localPath, err)
	}
	return terrors.IO(op, localPath, os.Chtimes(localPath, info.ModTime(), info.ModTime()))
}

// treeFile is one file scheduled by a tree transfer.
type treeFile struct {
	src, dst string
}

// planPutTree mirrors the directories of localRoot under remoteRoot and
// returns the files still to upload.
func (s sftpFS) planPutTree(ctx context.Context, localRoot, remoteRoot string, dereference bool) ([]treeFile, error) {
	const op = "puttree"
	var files []treeFile
	if err := s.mkdir(ctx, remoteRoot, true); err != nil {
		return nil, err
	}
	err := filepath.WalkDir(localRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(localRoot, p)
		if err != nil || rel == "." {
			return err
		}
		target := path.Join(remoteRoot, filepath.ToSlash(rel))

		if d.Type()&fs.ModeSymlink != 0 && dereference {
			fi, err := os.Stat(p)
			if err != nil {
				return err
			}
			if fi.IsDir() {
				more, err := s.planPutTree(ctx, p, target, dereference)
				files = append(files, more...)
				return err
			}
		}
		if d.IsDir() {
			return s.mkdir(ctx, target, true)
		}
		files = append(files, treeFile{src: p, dst: target})
		return nil
	})
	if err != nil {
		return nil, terrors.IO(op, localRoot, err)
	}
	return files, nil
}

func (s sftpFS) putTree(ctx context.Context, localRoot, remoteRoot string, dereference bool) error {
	files, err := s.planPutTree(ctx, localRoot, remoteRoot, dereference)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := s.putFile(ctx, f.src, f.dst, dereference); err != nil {
			return err
		}
	}
	return nil
}

// planGetTree mirrors the directories of remoteRoot under localRoot and
// returns the files still to download.
func (s sftpFS) planGetTree(ctx context.Context, remoteRoot, localRoot string, dereference bool) ([]treeFile, error) {
	const op = "gettree"
	if err := os.MkdirAll(localRoot, 0o755); err != nil {
		return nil, terrors.IO(op, localRoot, err)
	}
	var files []treeFile
	walkRoot := remoteRoot
	if fi, err := s.c.Lstat(remoteRoot); err == nil && fi.Mode()&fs.ModeSymlink != 0 {
		// A trailing slash makes the walker follow a linked root.
		walkRoot += "/"
	}
	walker := s.c.Walk(walkRoot)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return nil, fromSFTP(op, walker.Path(), err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rel, ok := relUnder(remoteRoot, walker.Path())
		if !ok || rel == "." {
			continue
		}
		target := filepath.Join(localRoot, filepath.FromSlash(rel))
		fi := walker.Stat()

		if fi.Mode()&fs.ModeSymlink != 0 && dereference {
			st, err := s.c.Stat(walker.Path())
			if err != nil {
				return nil, fromSFTP(op, walker.Path(), err)
			}
			if st.IsDir() {
				more, err := s.planGetTree(ctx, walker.Path(), target, dereference)
				if err != nil {
					return nil, err
				}
				files = append(files, more...)
				continue
			}
		}
		if fi.IsDir() {
			if err := os.MkdirAll(target, fi.Mode().Perm()|0o700); err != nil {
				return nil, terrors.IO(op, target, err)
			}
			continue
		}
		files = append(files, treeFile{src: walker.Path(), dst: target})
	}
	return files, nil
}

func (s sftpFS) getTree(ctx context.Context, remoteRoot, localRoot string, dereference bool) error {
	files, err := s.planGetTree(ctx, remoteRoot, localRoot, dereference)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := s.getFile(ctx, f.src, f.dst, dereference); err != nil {
			return err
		}
	}
	return nil
}
