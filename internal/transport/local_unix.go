//go:build unix

package transport

import (
	"io/fs"
	"os/exec"
	"syscall"
)

func setProcessGroup(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(c *exec.Cmd) {
	if c.Process == nil {
		return
	}
	if err := syscall.Kill(-c.Process.Pid, syscall.SIGKILL); err != nil {
		c.Process.Kill()
	}
}

func fillOwner(attr *FileAttribute, fi fs.FileInfo) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return
	}
	attr.UID = int(st.Uid)
	attr.GID = int(st.Gid)
	fillAtime(attr, st)
}
