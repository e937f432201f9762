package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

var errDetectUnsupported = errors.New("filesystem detection is unsupported on this platform")

// Requirement describes why a path must be local, for error messages.
type Requirement struct {
	Setting string
	Reason  string
}

var (
	// SQLiteRequirement applies to the state database.
	SQLiteRequirement = Requirement{
		Setting: "state.path",
		Reason:  "SQLite requires a local filesystem for reliable locking",
	}
	// WorkingDirRequirement applies to the farm working root, where output
	// completion is detected by taking an exclusive lock.
	WorkingDirRequirement = Requirement{
		Setting: "farm.working_dir",
		Reason:  "batch output detection requires local file locking",
	}
)

// ValidateLocalFilesystem ensures path, or its nearest existing parent, is
// on a local filesystem. Platforms without detection pass.
func ValidateLocalFilesystem(path string, req Requirement) error {
	return validateLocalFilesystemWithDetector(path, req, detectFilesystemType)
}

func validateLocalFilesystemWithDetector(path string, req Requirement, detector func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("%s is empty", req.Setting)
	}

	inspectPath, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve path %q: %w", path, err)
	}

	fsType, err := detector(inspectPath)
	if errors.Is(err, errDetectUnsupported) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", inspectPath, err)
	}

	if isNetworkFilesystem(fsType) {
		return fmt.Errorf(
			"path %q is on network filesystem %q; %s. Point %s at local disk",
			path,
			fsType,
			req.Reason,
			req.Setting,
		)
	}

	return nil
}

func nearestExistingPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	candidate := absPath
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}

		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", absPath)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	normalized := strings.TrimSpace(strings.ToLower(fsType))
	_, found := networkFilesystems[normalized]
	return found
}
