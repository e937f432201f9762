//go:build linux || darwin || freebsd || netbsd || openbsd

package transfer

import (
	"os"

	"golang.org/x/sys/unix"
)

// exclusivelyWritable opens path for writing and takes a non-blocking
// exclusive flock; success means no cooperating writer holds the file.
func exclusivelyWritable(path string) bool {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return false
	}
	defer f.Close()

	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return false
	}
	_ = unix.Flock(fd, unix.LOCK_UN)
	return true
}
