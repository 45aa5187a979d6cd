//go:build unix && !linux

package transport

import "syscall"

// Access times are left at the modification time where Stat_t differs.
func fillAtime(*FileAttribute, *syscall.Stat_t) {}
