package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/farmdispatch/internal/log"
)

const defaultConfigName = "config.yaml"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads configuration from a file, or from config.yaml inside a
// directory. Values not present in the file keep their Defaults. When a
// .checksums manifest sits next to the file the file must match it.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML %s: %w", absPath, err)
	}
	cfg.SourcePath = absPath

	if err := verifyIfLocked(absPath); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveConfigPath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, defaultConfigName)
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but %s not found: %s", defaultConfigName, absPath)
		}
	}
	return absPath, nil
}

// verifyIfLocked checks the file against .checksums when one exists.
func verifyIfLocked(absPath string) error {
	manifest, err := readManifest(filepath.Dir(absPath))
	if errors.Is(err, ErrNotLocked) {
		log.Debug("config is not locked", "path", absPath)
		return nil
	}
	if err != nil {
		return err
	}
	if err := manifest.verify(absPath); err != nil {
		return fmt.Errorf("config verification failed: %w\n"+
			"If you edited this file intentionally, run: farmdispatch config lock", err)
	}
	return nil
}

func readYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, v)
}

// DiscoverConfigPath finds the config file by checking standard locations.
// Priority order: $FARMDISPATCH_CONFIG, ~/.config/farmdispatch, /etc/farmdispatch, ./config.yaml
func DiscoverConfigPath() (string, error) {
	if path := os.Getenv("FARMDISPATCH_CONFIG"); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	var candidates []string
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "farmdispatch", defaultConfigName))
	}
	candidates = append(candidates,
		filepath.Join("/etc", "farmdispatch", defaultConfigName),
		defaultConfigName,
	)
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config found (checked: $FARMDISPATCH_CONFIG, ~/.config/farmdispatch, /etc/farmdispatch, ./config.yaml)")
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Unset variables are left in place.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}
