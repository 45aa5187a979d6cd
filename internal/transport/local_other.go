//go:build !unix

package transport

import (
	"io/fs"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

func killProcessGroup(c *exec.Cmd) {
	if c.Process != nil {
		c.Process.Kill()
	}
}

func fillOwner(*FileAttribute, fs.FileInfo) {}
