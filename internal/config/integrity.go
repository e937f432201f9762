package config

import (
	"errors"
	"fmt"
	"path/filepath"
)

// VerifyIntegrity checks the config file at configPath against its
// .checksums manifest. A missing manifest is only a warning unless the
// config carries an API key, which makes it security sensitive.
func VerifyIntegrity(configPath string) (*IntegrityResult, error) {
	absPath, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}
	result := &IntegrityResult{Passed: true}
	configDir := filepath.Dir(absPath)

	manifest, err := readManifest(configDir)
	if errors.Is(err, ErrNotLocked) {
		msg := fmt.Sprintf("no %s manifest in %s; run 'farmdispatch config lock' to enable integrity verification", manifestName, configDir)
		if hasSecrets(absPath) {
			result.Passed = false
			result.Errors = append(result.Errors, msg)
		} else {
			result.Warnings = append(result.Warnings, msg)
		}
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	if err := manifest.verify(absPath); err != nil {
		result.Passed = false
		result.Errors = append(result.Errors, err.Error())
	}
	return result, nil
}

// hasSecrets reports whether the raw config sets an API key. Parse errors
// count as no secrets; Load reports them separately.
func hasSecrets(absPath string) bool {
	var raw struct {
		API struct {
			APIKey string `yaml:"api_key"`
		} `yaml:"api"`
	}
	if err := readYAML(absPath, &raw); err != nil {
		return false
	}
	return raw.API.APIKey != ""
}
