// Package config loads seedscan settings from YAML, environment variables
// and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/shizukutanaka/seedscan/internal/kernel"
)

// EnvPrefix prefixes environment overrides, e.g. SEEDSCAN_COORDINATOR_URL.
const EnvPrefix = "SEEDSCAN"

// Backends.
const (
	BackendOpenCL   = "opencl"
	BackendSoftware = "software"
)

// Config is the complete configuration.
type Config struct {
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator" yaml:"coordinator"`
	Kernel      KernelConfig      `mapstructure:"kernel" yaml:"kernel"`
	Devices     DevicesConfig     `mapstructure:"devices" yaml:"devices"`
	Journal     JournalConfig     `mapstructure:"journal" yaml:"journal"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
}

// LogConfig configures the zap logger. An empty File logs to stderr only.
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Encoding   string `mapstructure:"encoding" yaml:"encoding"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// CoordinatorConfig locates and authenticates against the coordinator.
type CoordinatorConfig struct {
	URL              string        `mapstructure:"url" yaml:"url"`
	Secret           string        `mapstructure:"secret" yaml:"secret"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Retry            RetryConfig   `mapstructure:"retry" yaml:"retry"`
	SolutionAttempts int           `mapstructure:"solution_attempts" yaml:"solution_attempts"`
}

// RetryConfig is the exponential backoff policy.
type RetryConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier" yaml:"multiplier"`
	Jitter       float64       `mapstructure:"jitter" yaml:"jitter"`
}

// KernelConfig describes the derivation program and what it searches for.
type KernelConfig struct {
	SourceDir      string   `mapstructure:"source_dir" yaml:"source_dir"`
	Fragments      []string `mapstructure:"fragments" yaml:"fragments"`
	Entry          string   `mapstructure:"entry" yaml:"entry"`
	AddressType    string   `mapstructure:"address_type" yaml:"address_type"`
	DerivationPath string   `mapstructure:"derivation_path" yaml:"derivation_path"`
	Passphrase     string   `mapstructure:"passphrase" yaml:"passphrase"`
	Targets        []string `mapstructure:"targets" yaml:"targets"`
	// EmbedTargets prepends the target table to the OpenCL program.
	EmbedTargets bool `mapstructure:"embed_targets" yaml:"embed_targets"`
}

// DevicesConfig selects the compute backend and devices.
type DevicesConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	// IDs restricts the run to these device indexes. Empty means all.
	IDs                 []int         `mapstructure:"ids" yaml:"ids"`
	SoftwareDevices     int           `mapstructure:"software_devices" yaml:"software_devices"`
	SoftwareParallelism int           `mapstructure:"software_parallelism" yaml:"software_parallelism"`
	DrainTimeout        time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
	// MaxLanes caps batch_size per dispatch. Zero keeps the device limit.
	MaxLanes uint64 `mapstructure:"max_lanes" yaml:"max_lanes"`
}

// JournalConfig locates the solution journal. An empty path disables it.
type JournalConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// MetricsConfig configures the Prometheus endpoint and throughput logging.
type MetricsConfig struct {
	Enabled            bool          `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr         string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	ThroughputInterval time.Duration `mapstructure:"throughput_interval" yaml:"throughput_interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:      "info",
			Encoding:   "console",
			MaxSizeMB:  100,
			MaxBackups: 7,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Coordinator: CoordinatorConfig{
			URL:     "http://localhost:3000",
			Secret:  "secret",
			Timeout: 30 * time.Second,
			Retry: RetryConfig{
				InitialDelay: time.Second,
				MaxDelay:     time.Minute,
				Multiplier:   2,
				Jitter:       0.1,
			},
			SolutionAttempts: 5,
		},
		Kernel: KernelConfig{
			SourceDir:      "./cl",
			Fragments:      append([]string(nil), kernel.DefaultFragments...),
			Entry:          kernel.DefaultEntry,
			AddressType:    string(kernel.AddressP2PKH),
			DerivationPath: "m/44'/0'/0'/0/0",
			Targets:        []string{},
		},
		Devices: DevicesConfig{
			Backend:         BackendOpenCL,
			IDs:             []int{},
			SoftwareDevices: 1,
			DrainTimeout:    30 * time.Second,
		},
		Journal: JournalConfig{
			Path: "./data/solutions.db",
		},
		Metrics: MetricsConfig{
			Enabled:            false,
			ListenAddr:         ":9100",
			ThroughputInterval: time.Minute,
		},
	}
}

// Load reads path, or seedscan.yaml from the working directory when path is
// empty, and applies SEEDSCAN_* environment overrides. A missing default
// file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("seedscan")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.encoding", d.Log.Encoding)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)

	v.SetDefault("coordinator.url", d.Coordinator.URL)
	v.SetDefault("coordinator.secret", d.Coordinator.Secret)
	v.SetDefault("coordinator.timeout", d.Coordinator.Timeout)
	v.SetDefault("coordinator.retry.initial_delay", d.Coordinator.Retry.InitialDelay)
	v.SetDefault("coordinator.retry.max_delay", d.Coordinator.Retry.MaxDelay)
	v.SetDefault("coordinator.retry.multiplier", d.Coordinator.Retry.Multiplier)
	v.SetDefault("coordinator.retry.jitter", d.Coordinator.Retry.Jitter)
	v.SetDefault("coordinator.solution_attempts", d.Coordinator.SolutionAttempts)

	v.SetDefault("kernel.source_dir", d.Kernel.SourceDir)
	v.SetDefault("kernel.fragments", d.Kernel.Fragments)
	v.SetDefault("kernel.entry", d.Kernel.Entry)
	v.SetDefault("kernel.address_type", d.Kernel.AddressType)
	v.SetDefault("kernel.derivation_path", d.Kernel.DerivationPath)
	v.SetDefault("kernel.passphrase", d.Kernel.Passphrase)
	v.SetDefault("kernel.targets", d.Kernel.Targets)
	v.SetDefault("kernel.embed_targets", d.Kernel.EmbedTargets)

	v.SetDefault("devices.backend", d.Devices.Backend)
	v.SetDefault("devices.ids", d.Devices.IDs)
	v.SetDefault("devices.software_devices", d.Devices.SoftwareDevices)
	v.SetDefault("devices.software_parallelism", d.Devices.SoftwareParallelism)
	v.SetDefault("devices.drain_timeout", d.Devices.DrainTimeout)
	v.SetDefault("devices.max_lanes", d.Devices.MaxLanes)

	v.SetDefault("journal.path", d.Journal.Path)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.listen_addr", d.Metrics.ListenAddr)
	v.SetDefault("metrics.throughput_interval", d.Metrics.ThroughputInterval)
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf(format, args...))
		}
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("log.level: %w", err))
	}
	check(c.Log.Encoding == "json" || c.Log.Encoding == "console",
		"log.encoding must be json or console, got %q", c.Log.Encoding)

	check(c.Coordinator.URL != "", "coordinator.url is required")
	check(c.Coordinator.Secret != "", "coordinator.secret is required")
	check(c.Coordinator.Timeout > 0, "coordinator.timeout must be positive")
	check(c.Coordinator.Retry.InitialDelay > 0, "coordinator.retry.initial_delay must be positive")
	check(c.Coordinator.Retry.MaxDelay >= c.Coordinator.Retry.InitialDelay,
		"coordinator.retry.max_delay must not be below initial_delay")
	check(c.Coordinator.Retry.Multiplier >= 1, "coordinator.retry.multiplier must be at least 1")
	check(c.Coordinator.Retry.Jitter >= 0 && c.Coordinator.Retry.Jitter <= 1,
		"coordinator.retry.jitter must be between 0 and 1")
	check(c.Coordinator.SolutionAttempts >= 1, "coordinator.solution_attempts must be at least 1")

	check(c.Kernel.Entry != "", "kernel.entry is required")
	kind := kernel.AddressType(c.Kernel.AddressType)
	check(kind.Valid(), "kernel.address_type %q is not supported", c.Kernel.AddressType)
	if _, err := kernel.ParsePath(c.Kernel.DerivationPath); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("kernel.derivation_path: %w", err))
	}
	if kind.Valid() {
		if _, err := kernel.ParseTargets(kind, c.Kernel.Targets); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("kernel.targets: %w", err))
		}
	}

	switch c.Devices.Backend {
	case BackendOpenCL:
		check(c.Kernel.SourceDir != "", "kernel.source_dir is required for the opencl backend")
		check(len(c.Kernel.Fragments) > 0, "kernel.fragments is required for the opencl backend")
	case BackendSoftware:
		check(c.Devices.SoftwareDevices >= 1, "devices.software_devices must be at least 1")
	default:
		check(false, "devices.backend must be %s or %s, got %q", BackendOpenCL, BackendSoftware, c.Devices.Backend)
	}
	check(c.Devices.SoftwareParallelism >= 0, "devices.software_parallelism cannot be negative")
	check(c.Devices.DrainTimeout > 0, "devices.drain_timeout must be positive")
	for _, id := range c.Devices.IDs {
		check(id >= 0, "devices.ids cannot contain negative index %d", id)
	}

	if c.Metrics.Enabled {
		check(c.Metrics.ListenAddr != "", "metrics.listen_addr is required when metrics are enabled")
	}
	check(c.Metrics.ThroughputInterval >= 0, "metrics.throughput_interval cannot be negative")

	return errs
}

// Save writes cfg to path as YAML, creating parent directories.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	// The file holds the coordinator secret.
	return os.WriteFile(path, data, 0o600)
}
