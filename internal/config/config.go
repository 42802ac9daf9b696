// Package config loads the scheduler's YAML configuration file, layers
// environment variables and flags over it with viper, and validates the
// result before the daemon starts any worker.
//
// Manager wraps a viper instance with mapstructure-tagged sub-configs
// and a Load/validate/WatchConfig lifecycle, shrunk to the fields the
// scheduler actually reads: the retry policy and the task-file/
// work-dir/candidate-GPU knobs alongside the ambient server/metrics/
// logging/tracing sections.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the complete scheduler configuration (spec §3/§6).
type Config struct {
	CheckTime                   time.Duration `mapstructure:"check_time"`
	MaximizeResourceUtilization bool          `mapstructure:"maximize_resource_utilization"`
	MemorySaveMode              bool          `mapstructure:"memory_save_mode"`
	UseAllGPUs                  bool          `mapstructure:"use_all_gpus"`
	CompeteGPUs                 []int         `mapstructure:"compete_gpus"`
	GPULeft                     int           `mapstructure:"gpu_left"`
	MinGPU                      int           `mapstructure:"min_gpu"`
	MaxGPU                      int           `mapstructure:"max_gpu"`
	WorkDir                     string        `mapstructure:"work_dir"`
	TaskFile                    string        `mapstructure:"task_file"`
	StatusDir                   string        `mapstructure:"status_dir"`

	RetryConfig RetryConfig    `mapstructure:"retry_config"`
	Server      ServerConfig   `mapstructure:"server"`
	Metrics     MetricsConfig  `mapstructure:"metrics"`
	Logging     LoggingConfig  `mapstructure:"logging"`
	Tracing     TracingConfig  `mapstructure:"tracing"`
}

// RetryConfig is the task retry/backoff policy (spec §4.5).
type RetryConfig struct {
	MaxRetryBeforeBackoff int           `mapstructure:"max_retry_before_backoff"`
	BackoffDuration       time.Duration `mapstructure:"backoff_duration"`
}

// ServerConfig is the control plane's HTTP listener (ambient, not a
// spec.md module — the daemon's read-only status surface).
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// MetricsConfig is the Prometheus metrics listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig controls the logrus root logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Manager owns the viper instance and the configuration file path.
type Manager struct {
	viper      *viper.Viper
	configPath string
}

// NewManager builds a Manager for the configuration file at configPath.
// An empty configPath makes Load search for "scheduler.yaml" in ".",
// "/etc/gpu-scheduler" and "$HOME/.gpu-scheduler".
func NewManager(configPath string) *Manager {
	return &Manager{viper: viper.New(), configPath: configPath}
}

// Load reads the configuration file, layers GPUSCHED_-prefixed
// environment variables over it, fills in defaults, unmarshals into a
// Config, and validates it.
func (m *Manager) Load() (*Config, error) {
	setDefaults(m.viper)

	if m.configPath != "" {
		m.viper.SetConfigFile(m.configPath)
	} else {
		m.viper.SetConfigName("scheduler")
		m.viper.SetConfigType("yaml")
		m.viper.AddConfigPath(".")
		m.viper.AddConfigPath("/etc/gpu-scheduler")
		m.viper.AddConfigPath("$HOME/.gpu-scheduler")
	}

	m.viper.AutomaticEnv()
	m.viper.SetEnvPrefix("GPUSCHED")
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil, fmt.Errorf("configuration file not found: %s", m.configPath)
		}
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// WatchConfig registers callback to run whenever the configuration file
// changes on disk (spec §9's open question on hot-reload is resolved in
// favor of exposing the mechanism; cmd/gpu-scheduler decides whether to
// apply it to a running Coordinator).
func (m *Manager) WatchConfig(callback func()) {
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if callback != nil {
			callback()
		}
	})
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("check_time", 10*time.Second)
	v.SetDefault("maximize_resource_utilization", false)
	v.SetDefault("memory_save_mode", false)
	v.SetDefault("use_all_gpus", true)
	v.SetDefault("gpu_left", 0)
	v.SetDefault("min_gpu", 1)
	v.SetDefault("max_gpu", 8)
	v.SetDefault("work_dir", ".")
	v.SetDefault("status_dir", "/tmp/gpu-scheduler-status")
	v.SetDefault("retry_config.max_retry_before_backoff", 3)
	v.SetDefault("retry_config.backoff_duration", 5*time.Minute)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.host", "127.0.0.1")
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "gpu-scheduler")
}

func validate(cfg *Config) error {
	if cfg.MinGPU < 0 {
		return fmt.Errorf("min_gpu must not be negative: %d", cfg.MinGPU)
	}
	if cfg.MaxGPU < cfg.MinGPU {
		return fmt.Errorf("max_gpu (%d) must not be less than min_gpu (%d)", cfg.MaxGPU, cfg.MinGPU)
	}
	if cfg.CheckTime <= 0 {
		return fmt.Errorf("check_time must be positive")
	}
	if !cfg.UseAllGPUs && len(cfg.CompeteGPUs) == 0 {
		return fmt.Errorf("compete_gpus must be non-empty when use_all_gpus is false")
	}
	if cfg.RetryConfig.MaxRetryBeforeBackoff <= 0 {
		return fmt.Errorf("retry_config.max_retry_before_backoff must be positive")
	}
	if cfg.TaskFile == "" {
		return fmt.Errorf("task_file is required")
	}
	return nil
}

// ServerAddress returns the control plane's listen address.
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// MetricsAddress returns the Prometheus listener's listen address.
func (c *Config) MetricsAddress() string {
	return fmt.Sprintf("%s:%d", c.Metrics.Host, c.Metrics.Port)
}
