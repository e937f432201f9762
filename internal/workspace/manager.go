// Package workspace owns the farm working root: the two generation
// directories holding batch artifacts and build descriptors.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/farmdispatch/internal/storage"
	"github.com/mattjoyce/farmdispatch/internal/transfer"
)

// generations is the number of alternating generation directories.
const generations = 2

// SweepReport summarizes a sweep run.
type SweepReport struct {
	DeletedDescriptors int
	DeletedDirs        int
}

// Manager prepares, sweeps and purges the working root.
type Manager struct {
	root string
	fs   transfer.Policy
	now  func() time.Time
}

// NewManager returns a manager for root. The path is made absolute so the
// build tool sees the same paths the dispatcher writes.
func NewManager(root string, fs transfer.Policy) (*Manager, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("working root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve working root: %w", err)
	}
	return &Manager{root: abs, fs: fs, now: time.Now}, nil
}

func (m *Manager) Root() string { return m.root }

// Prepare checks the root is on local disk, removes anything left by a
// previous run and creates the generation directories.
func (m *Manager) Prepare(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := storage.ValidateLocalFilesystem(m.root, storage.WorkingDirRequirement); err != nil {
		return err
	}
	if err := m.Purge(); err != nil {
		return fmt.Errorf("purge stale working root: %w", err)
	}
	for g := 0; g < generations; g++ {
		if err := os.MkdirAll(transfer.GenerationDir(m.root, g), 0o755); err != nil {
			return fmt.Errorf("create generation %d: %w", g, err)
		}
	}
	return nil
}

// Purge recursively deletes the working root.
func (m *Manager) Purge() error {
	if _, err := os.Lstat(m.root); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return m.fs.RemoveTree(m.root)
}

// Sweep deletes build descriptors and empty batch directories older than
// olderThan. Batch artifacts themselves are left to their batches.
func (m *Manager) Sweep(ctx context.Context, olderThan time.Duration) (SweepReport, error) {
	if olderThan <= 0 {
		return SweepReport{}, fmt.Errorf("olderThan must be positive")
	}
	cutoff := m.now().Add(-olderThan)
	report := SweepReport{}

	for g := 0; g < generations; g++ {
		dir := transfer.GenerationDir(m.root, g)
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return report, fmt.Errorf("read generation %d: %w", g, err)
		}

		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}

			path := filepath.Join(dir, entry.Name())
			switch {
			case entry.IsDir():
				// Fails harmlessly when the slot still holds artifacts.
				if os.Remove(path) == nil {
					report.DeletedDirs++
				}
			case filepath.Ext(entry.Name()) == filepath.Ext(transfer.ScriptFileName):
				if err := m.fs.DeleteFile(path); err != nil {
					return report, err
				}
				report.DeletedDescriptors++
			}
		}
	}
	return report, nil
}
