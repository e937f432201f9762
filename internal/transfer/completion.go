package transfer

import (
	"os"
	"time"
)

// OutputReady reports whether the output at path is finished and was
// produced by the invocation whose descriptor was written at since.
func OutputReady(path string, since time.Time) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if info.Size() == 0 {
		return false
	}
	if !exclusivelyWritable(path) {
		return false
	}
	return !info.ModTime().Before(since)
}
