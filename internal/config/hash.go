package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

const (
	manifestName    = ".checksums"
	manifestVersion = 1
)

var (
	// ErrNotLocked means the config directory has no .checksums manifest.
	ErrNotLocked = errors.New("config is not locked (run 'farmdispatch config lock')")
	// ErrHashMismatch means a file no longer matches its recorded hash.
	ErrHashMismatch = errors.New("hash mismatch")

	errNotInManifest = errors.New("not in .checksums manifest")
)

// LockEntry is one file considered by Lock. Hash is empty when the file
// was missing and therefore left out of the manifest.
type LockEntry struct {
	Name string
	Hash string
}

// LockReport describes what Lock hashed and where the manifest went.
type LockReport struct {
	Dir          string
	ManifestPath string
	Written      bool
	Entries      []LockEntry
}

// HashFile returns the hex BLAKE3 digest of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", filepath.Base(path), err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Lock records the hash of the config file at configPath in a .checksums
// manifest beside it. With dryRun set the manifest is computed but not
// written.
func Lock(configPath string, dryRun bool) (*LockReport, error) {
	absPath, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(absPath)
	return lockFiles(dir, []string{filepath.Base(absPath)}, dryRun)
}

func lockFiles(dir string, names []string, dryRun bool) (*LockReport, error) {
	report := &LockReport{Dir: dir, ManifestPath: filepath.Join(dir, manifestName)}
	manifest := ChecksumManifest{
		Version:     manifestVersion,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string, len(names)),
	}

	for _, name := range names {
		sum, err := HashFile(filepath.Join(dir, name))
		switch {
		case errors.Is(err, os.ErrNotExist):
			report.Entries = append(report.Entries, LockEntry{Name: name})
			continue
		case err != nil:
			return nil, err
		}
		manifest.Hashes[name] = sum
		report.Entries = append(report.Entries, LockEntry{Name: name, Hash: sum})
	}
	if dryRun {
		return report, nil
	}

	data, err := yaml.Marshal(&manifest)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	// Readers never see a half-written manifest.
	tmp := report.ManifestPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, report.ManifestPath); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	report.Written = true
	return report, nil
}

// readManifest loads dir's .checksums, returning ErrNotLocked when absent.
func readManifest(dir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotLocked
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m ChecksumManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %d", m.Version)
	}
	return &m, nil
}

// verify checks absPath against its recorded hash.
func (m *ChecksumManifest) verify(absPath string) error {
	name := filepath.Base(absPath)
	want, ok := m.Hashes[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, errNotInManifest)
	}
	got, err := HashFile(absPath)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w for %s: recorded %s, found %s", ErrHashMismatch, name, want, got)
	}
	return nil
}
