package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLogFormats = []string{"json", "text"}
)

// validate checks the whole configuration and reports every problem.
func validate(cfg *Config) error {
	var errs []error

	if cfg.Service.TickInterval <= 0 {
		errs = append(errs, errors.New("service.tick_interval must be positive"))
	}
	if !slices.Contains(validLogLevels, strings.ToLower(cfg.Service.LogLevel)) {
		errs = append(errs, fmt.Errorf("service.log_level must be one of: %s (got %q)",
			strings.Join(validLogLevels, ", "), cfg.Service.LogLevel))
	}
	if !slices.Contains(validLogFormats, strings.ToLower(cfg.Service.LogFormat)) {
		errs = append(errs, fmt.Errorf("service.log_format must be one of: %s (got %q)",
			strings.Join(validLogFormats, ", "), cfg.Service.LogFormat))
	}

	errs = append(errs, cfg.Farm.Validate())

	if cfg.State.Path == "" {
		errs = append(errs, errors.New("state.path is required"))
	}
	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			errs = append(errs, errors.New("api.listen is required when api is enabled"))
		}
		if cfg.API.APIKey == "" {
			errs = append(errs, errors.New("api.api_key is required when api is enabled"))
		}
		if envVarPattern.MatchString(cfg.API.APIKey) {
			errs = append(errs, fmt.Errorf("api.api_key references unset variable %s", cfg.API.APIKey))
		}
	}

	return errors.Join(errs...)
}

// Validate checks farm settings. It is also used when settings are
// replaced at runtime.
func (f FarmConfig) Validate() error {
	var errs []error
	if f.Enabled && strings.TrimSpace(f.Executable) == "" {
		errs = append(errs, errors.New("farm.executable is required when the farm is enabled"))
	}
	if f.WorkingDir == "" {
		errs = append(errs, errors.New("farm.working_dir is required"))
	}
	if f.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("farm.batch_size must be >= 1 (got %d)", f.BatchSize))
	}
	if f.BatchGroupSize < 1 {
		errs = append(errs, fmt.Errorf("farm.batch_group_size must be >= 1 (got %d)", f.BatchGroupSize))
	}
	if f.JobTimeout < 0 {
		errs = append(errs, fmt.Errorf("farm.job_timeout must not be negative (got %s)", f.JobTimeout))
	}
	for _, s := range []struct{ key, val string }{
		{"farm.executable", f.Executable},
		{"farm.worker_executable", f.WorkerExecutable},
		{"farm.cache_path", f.CachePath},
	} {
		if envVarPattern.MatchString(s.val) {
			errs = append(errs, fmt.Errorf("%s references unset variable: %s", s.key, s.val))
		}
	}
	return errors.Join(errs...)
}
