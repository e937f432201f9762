//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd

package transfer

import "os"

// exclusivelyWritable falls back to a plain open-for-write, which fails on
// platforms with mandatory sharing locks while a writer holds the file.
func exclusivelyWritable(path string) bool {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}
