package netlisten

import (
	"os"
	"syscall"
)

// statIno extracts the inode number backing a /proc/<pid>/ns/* entry,
// used to compare network-namespace identity.
func statIno(info os.FileInfo) (int, error) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, os.ErrInvalid
	}
	return int(stat.Ino), nil
}
