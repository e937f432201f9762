// Package doctor runs preflight checks against a farmdispatch configuration.
// It goes beyond Load's validation: it resolves the build tool, checks that
// the working root and state database sit on local filesystems, and folds
// in the config integrity result.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"slices"
	"strings"

	"github.com/mattjoyce/farmdispatch/internal/config"
	"github.com/mattjoyce/farmdispatch/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration against the host.
type Doctor struct {
	cfg        *config.Config
	lookPath   func(string) (string, error)
	checkLocal func(string, storage.Requirement) error
	integrity  func(string) (*config.IntegrityResult, error)
}

// New creates a Doctor for a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{
		cfg:        cfg,
		lookPath:   exec.LookPath,
		checkLocal: storage.ValidateLocalFilesystem,
		integrity:  config.VerifyIntegrity,
	}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateServiceConfig(r)
	d.validateFarmConfig(r)
	d.validateFilesystems(r)
	d.validateAPIConfig(r)
	d.validateIntegrity(r)
	d.warnCoalescing(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateServiceConfig checks required service fields.
func (d *Doctor) validateServiceConfig(r *Result) {
	if d.cfg.State.Path == "" {
		d.addError(r, "service", "state.path", "state.path is required")
	}
	if d.cfg.Service.TickInterval <= 0 {
		d.addError(r, "service", "service.tick_interval", "tick_interval must be positive")
	}
	switch strings.ToLower(d.cfg.Service.LogFormat) {
	case "", "json", "text":
	default:
		d.addWarning(r, "service", "service.log_format",
			fmt.Sprintf("unknown log_format %q; json will be used", d.cfg.Service.LogFormat))
	}
}

// validateFarmConfig checks that the build tool can actually be launched.
func (d *Doctor) validateFarmConfig(r *Result) {
	farm := d.cfg.Farm
	if !farm.Enabled {
		d.addWarning(r, "farm", "farm.enabled", "farm disabled; every item must be compiled locally")
		return
	}

	if _, err := d.lookPath(farm.Executable); err != nil {
		d.addError(r, "farm", "farm.executable",
			fmt.Sprintf("build tool %q not found: %v", farm.Executable, err))
	}
	if farm.WorkerExecutable != "" {
		if _, err := os.Stat(farm.WorkerExecutable); err != nil {
			d.addWarning(r, "farm", "farm.worker_executable",
				fmt.Sprintf("worker executable %q not found; remote workers may still have it", farm.WorkerExecutable))
		}
	}
	if farm.DisableRemote && farm.ForceRemote {
		d.addError(r, "farm", "farm.force_remote", "force_remote conflicts with disable_remote")
	}
	if !farm.DisableCache && farm.CachePath == "" {
		d.addWarning(r, "farm", "farm.cache_path", "cache enabled but cache_path is empty; the build tool default applies")
	}
}

// validateFilesystems rejects network mounts for paths that need atomic
// renames and reliable locking.
func (d *Doctor) validateFilesystems(r *Result) {
	if d.cfg.Farm.Enabled && d.cfg.Farm.WorkingDir != "" {
		if err := d.checkLocal(d.cfg.Farm.WorkingDir, storage.WorkingDirRequirement); err != nil {
			d.addError(r, "filesystem", "farm.working_dir", err.Error())
		}
	}
	if d.cfg.State.Path != "" {
		if err := d.checkLocal(d.cfg.State.Path, storage.SQLiteRequirement); err != nil {
			d.addError(r, "filesystem", "state.path", err.Error())
		}
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.API.APIKey == "" {
		d.addError(r, "api", "api.api_key", "api.api_key is required when API is enabled")
	}
	if slices.Contains(d.cfg.API.CORSOrigins, "*") {
		d.addWarning(r, "api", "api.cors_origins", "any browser origin may call the API")
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		if d.cfg.API.Listen != "" {
			d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
		}
		return
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		d.addWarning(r, "api", "api.listen", "API listens on all interfaces; item submission is reachable from the network")
	}
}

func (d *Doctor) validateIntegrity(r *Result) {
	if d.cfg.SourcePath == "" {
		return
	}
	res, err := d.integrity(d.cfg.SourcePath)
	if err != nil {
		d.addError(r, "integrity", "", err.Error())
		return
	}
	for _, msg := range res.Errors {
		d.addError(r, "integrity", "", msg)
	}
	for _, msg := range res.Warnings {
		d.addWarning(r, "integrity", "", msg)
	}
}

// warnCoalescing flags a zero coalescing delay, which launches the build
// tool for every trickle of items.
func (d *Doctor) warnCoalescing(r *Result) {
	if d.cfg.Farm.Enabled && d.cfg.Farm.JobTimeout == 0 {
		d.addWarning(r, "farm", "farm.job_timeout", "job_timeout is 0; partial batches launch without waiting for more items")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
