package transport

import (
	"syscall"
	"time"
)

func fillAtime(attr *FileAttribute, st *syscall.Stat_t) {
	attr.Atime = time.Unix(int64(st.Atim.Sec), int64(st.Atim.Nsec))
}
