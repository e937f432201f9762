package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mattjoyce/farmdispatch/internal/log"
)

// Policy bounds how long a filesystem operation is retried.
type Policy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultPolicy retries for roughly two seconds.
var DefaultPolicy = Policy{Attempts: 200, Delay: 10 * time.Millisecond}

// RetryExhaustedError reports a filesystem operation that kept failing for
// the whole retry window. The dispatcher treats it as fatal.
type RetryExhaustedError struct {
	Op       string
	Path     string
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s %s: giving up after %d attempts: %v", e.Op, e.Path, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

func (p Policy) retry(op, path string, fn func() error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(p.Delay)
		}
		if err = fn(); err == nil {
			if i > 0 {
				log.Debug("filesystem operation succeeded after retry", "op", op, "path", path, "attempts", i+1)
			}
			return nil
		}
	}
	return &RetryExhaustedError{Op: op, Path: path, Attempts: attempts, Err: err}
}

// CreateFile opens path for writing, truncating it and creating parent
// directories as needed.
func (p Policy) CreateFile(path string) (*os.File, error) {
	var f *os.File
	err := p.retry("create", path, func() error {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		return err
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// WriteFile creates path and fills it through write.
func (p Policy) WriteFile(path string, write func(io.Writer) error) error {
	f, err := p.CreateFile(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// MoveFile renames from to to, creating the destination tree. A missing
// source is not an error.
func (p Policy) MoveFile(to, from string) error {
	if _, err := os.Stat(from); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return p.retry("move", from, func() error {
		if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
			return err
		}
		return os.Rename(from, to)
	})
}

// DeleteFile removes path. A missing file is not an error.
func (p Policy) DeleteFile(path string) error {
	if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return p.retry("delete", path, func() error {
		err := os.Remove(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	})
}

// RemoveTree recursively deletes dir.
func (p Policy) RemoveTree(dir string) error {
	return p.retry("remove", dir, func() error {
		return os.RemoveAll(dir)
	})
}
