package config

import "time"

// Config represents the complete farmdispatch configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Farm    FarmConfig    `yaml:"farm"`
	State   StateConfig   `yaml:"state"`
	API     APIConfig     `yaml:"api,omitempty"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name         string        `yaml:"name"`
	TickInterval time.Duration `yaml:"tick_interval"`
	LogLevel     string        `yaml:"log_level"`
	LogFormat    string        `yaml:"log_format"`
	// WatchConfig reloads the farm section when the config file changes,
	// in addition to SIGHUP.
	WatchConfig bool `yaml:"watch_config"`
}

// FarmConfig controls batching and the build tool invocation.
type FarmConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Executable       string `yaml:"executable"`
	WorkerExecutable string `yaml:"worker_executable"`
	WorkerRoot       string `yaml:"worker_root,omitempty"`
	WorkerArgs       string `yaml:"worker_args,omitempty"`
	WorkingDir       string `yaml:"working_dir"`
	CachePath        string `yaml:"cache_path"`

	DisableRemote bool `yaml:"disable_remote"`
	ForceRemote   bool `yaml:"force_remote"`
	DisableCache  bool `yaml:"disable_cache"`

	BatchSize      int           `yaml:"batch_size"`
	BatchGroupSize int           `yaml:"batch_group_size"`
	JobTimeout     time.Duration `yaml:"job_timeout"` // coalescing delay before a launch

	ToolchainDirs     []string `yaml:"toolchain_dirs,omitempty"`
	ModuleDir         string   `yaml:"module_dir,omitempty"`
	ModulePrefix      string   `yaml:"module_prefix,omitempty"`
	ExcludeExtensions []string `yaml:"exclude_extensions,omitempty"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key"`
	// CORSOrigins lists browser origins allowed to call the API. Empty
	// disables CORS handling.
	CORSOrigins []string `yaml:"cors_origins,omitempty"`
}

// ChecksumManifest is the .checksums file written by `config lock`.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// IntegrityResult collects the outcome of VerifyIntegrity.
type IntegrityResult struct {
	Passed   bool
	Warnings []string
	Errors   []string
}

// Defaults returns a Config with the stock farm settings.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:         "farmdispatch",
			TickInterval: 10 * time.Millisecond,
			LogLevel:     "info",
			LogFormat:    "json",
		},
		Farm: FarmConfig{
			Enabled:           true,
			Executable:        "fbuild",
			WorkingDir:        "./data/farm",
			BatchSize:         128,
			BatchGroupSize:    128,
			JobTimeout:        500 * time.Millisecond,
			ModulePrefix:      "ShaderCompileWorker",
			ExcludeExtensions: []string{"pdb", "exe"},
		},
		State: StateConfig{
			Path: "./data/state.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}
