// Package config loads perfwatch settings from defaults, an optional file,
// PERFWATCH_ environment variables and bound command-line flags.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/yairfalse/perfwatch/pkg/metricstore"
	"github.com/yairfalse/perfwatch/pkg/monitoring"
	"github.com/yairfalse/perfwatch/pkg/optimizer"
)

// EnvPrefix is prepended to every environment override,
// e.g. PERFWATCH_MONITOR_METRICS_INTERVAL=5s
const EnvPrefix = "PERFWATCH"

// Config is the full process configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	LogLevel  string          `mapstructure:"log_level"`
	Store     StoreConfig     `mapstructure:"store"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Optimizer OptimizerConfig `mapstructure:"optimizer"`
	NATS      NATSConfig      `mapstructure:"nats"`
}

// ServerConfig holds the HTTP listener settings
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig bounds the sample window and snapshot history
type StoreConfig struct {
	MaxSamples       int           `mapstructure:"max_samples"`
	MaxAge           time.Duration `mapstructure:"max_age"`
	HistorySize      int           `mapstructure:"history_size"`
	HistoryRetention time.Duration `mapstructure:"history_retention"`
}

// MonitorConfig configures snapshot refresh and alerting
type MonitorConfig struct {
	MetricsInterval   time.Duration                   `mapstructure:"metrics_interval"`
	SnapshotEvery     int                             `mapstructure:"snapshot_every"`
	AlertingEnabled   bool                            `mapstructure:"alerting_enabled"`
	Thresholds        map[string]monitoring.Threshold `mapstructure:"thresholds"`
	AlertRetention    time.Duration                   `mapstructure:"alert_retention"`
	AlertHistoryLimit int                             `mapstructure:"alert_history_limit"`
	// HeapLimitBytes overrides the limit read from GOMEMLIMIT when non-zero
	HeapLimitBytes uint64 `mapstructure:"heap_limit_bytes"`
}

// OptimizerConfig configures trend analysis and maintenance
type OptimizerConfig struct {
	AnalysisInterval            time.Duration `mapstructure:"analysis_interval"`
	TrendWindow                 int           `mapstructure:"trend_window"`
	ConsecutiveBreaches         int           `mapstructure:"consecutive_breaches"`
	MemoryGrowthBytesPerMin     float64       `mapstructure:"memory_growth_bytes_per_min"`
	LatencyGrowthMsPerMin       float64       `mapstructure:"latency_growth_ms_per_min"`
	RemediationMargin           float64       `mapstructure:"remediation_margin"`
	LeakDetectionEnabled        bool          `mapstructure:"leak_detection_enabled"`
	DegradationDetectionEnabled bool          `mapstructure:"degradation_detection_enabled"`
	MaintenanceEnabled          bool          `mapstructure:"maintenance_enabled"`
	SweepInterval               time.Duration `mapstructure:"sweep_interval"`
	MemoryReclamationInterval   time.Duration `mapstructure:"memory_reclamation_interval"`
	BufferCompactionInterval    time.Duration `mapstructure:"buffer_compaction_interval"`
}

// NATSConfig configures alert fan-out
type NATSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	Name          string        `mapstructure:"name"`
	Subject       string        `mapstructure:"subject"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// SetDefaults registers every key with its default so environment
// overrides are picked up by Unmarshal.
func SetDefaults(v *viper.Viper) {
	store := metricstore.DefaultOptions()
	mon := monitoring.DefaultConfig()
	opt := optimizer.DefaultConfig()

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("log_level", "info")

	v.SetDefault("store.max_samples", store.MaxSamples)
	v.SetDefault("store.max_age", store.MaxAge)
	v.SetDefault("store.history_size", store.HistorySize)
	v.SetDefault("store.history_retention", store.HistoryRetention)

	v.SetDefault("monitor.metrics_interval", mon.MetricsInterval)
	v.SetDefault("monitor.snapshot_every", mon.SnapshotEvery)
	v.SetDefault("monitor.alerting_enabled", mon.AlertingEnabled)
	v.SetDefault("monitor.alert_retention", mon.AlertRetention)
	v.SetDefault("monitor.alert_history_limit", mon.AlertHistoryLimit)
	v.SetDefault("monitor.heap_limit_bytes", 0)
	for kind, th := range mon.Thresholds {
		v.SetDefault("monitor.thresholds."+string(kind)+".warning", th.Warning)
		v.SetDefault("monitor.thresholds."+string(kind)+".critical", th.Critical)
	}

	v.SetDefault("optimizer.analysis_interval", opt.AnalysisInterval)
	v.SetDefault("optimizer.trend_window", opt.TrendWindow)
	v.SetDefault("optimizer.consecutive_breaches", opt.ConsecutiveBreaches)
	v.SetDefault("optimizer.memory_growth_bytes_per_min", opt.MemoryGrowthThreshold)
	v.SetDefault("optimizer.latency_growth_ms_per_min", opt.LatencyGrowthThreshold)
	v.SetDefault("optimizer.remediation_margin", opt.RemediationMargin)
	v.SetDefault("optimizer.leak_detection_enabled", opt.LeakDetectionEnabled)
	v.SetDefault("optimizer.degradation_detection_enabled", opt.DegradationDetectionEnabled)
	v.SetDefault("optimizer.maintenance_enabled", opt.MaintenanceEnabled)
	v.SetDefault("optimizer.sweep_interval", opt.SweepInterval)
	v.SetDefault("optimizer.memory_reclamation_interval", opt.MemoryReclamationInterval)
	v.SetDefault("optimizer.buffer_compaction_interval", opt.BufferCompactionInterval)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.name", "perfwatch")
	v.SetDefault("nats.subject", "perfwatch.alerts")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", time.Second)
	v.SetDefault("nats.timeout", 5*time.Second)
}

// Load reads configuration into a Config. An empty path skips the file;
// a named file that cannot be read is an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, &LoadError{File: path, Message: "cannot read file", Cause: err}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &LoadError{File: v.ConfigFileUsed(), Message: "cannot decode settings", Cause: err}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every field and returns ValidationErrors listing all
// problems found
func (c *Config) Validate() error {
	var errs []ValidationError
	add := func(field string, current interface{}, message, suggestion string) {
		errs = append(errs, newValidationError(field, current, message, suggestion))
	}

	if c.Server.Address == "" {
		add("server.address", c.Server.Address, "address is required", "use ':8080' to listen on all interfaces")
	}
	if c.Server.ShutdownTimeout <= 0 {
		add("server.shutdown_timeout", c.Server.ShutdownTimeout, "must be positive", "try 30s")
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		add("log_level", c.LogLevel, "unknown level", "one of debug, info, warn, error")
	}

	if c.Store.MaxSamples <= 0 {
		add("store.max_samples", c.Store.MaxSamples, "must be positive", "")
	}
	if c.Store.MaxAge <= 0 {
		add("store.max_age", c.Store.MaxAge, "must be positive", "")
	}

	for name := range c.Monitor.Thresholds {
		if _, ok := monitoring.ParseKind(name); !ok {
			add("monitor.thresholds."+name, name, "unknown alert kind", "one of latency, error-rate, memory, connection-saturation")
		}
	}
	if err := c.MonitorConfig().Validate(); err != nil {
		add("monitor", nil, err.Error(), "")
	}
	if err := c.OptimizerConfig().Validate(); err != nil {
		add("optimizer", nil, err.Error(), "")
	}

	if c.NATS.Enabled {
		if c.NATS.URL == "" {
			add("nats.url", c.NATS.URL, "url is required when nats is enabled", "nats://localhost:4222")
		}
		if c.NATS.Subject == "" {
			add("nats.subject", c.NATS.Subject, "subject is required when nats is enabled", "perfwatch.alerts")
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return ValidationErrors{Errors: errs}
}

// StoreOptions converts to metric store options
func (c *Config) StoreOptions(runtime metricstore.RuntimeReader) metricstore.Options {
	return metricstore.Options{
		MaxSamples:       c.Store.MaxSamples,
		MaxAge:           c.Store.MaxAge,
		HistorySize:      c.Store.HistorySize,
		HistoryRetention: c.Store.HistoryRetention,
		Runtime:          runtime,
	}
}

// MonitorConfig converts to the monitor configuration. Unknown threshold
// names are skipped; Validate reports them.
func (c *Config) MonitorConfig() monitoring.Config {
	out := monitoring.DefaultConfig()
	out.MetricsInterval = c.Monitor.MetricsInterval
	out.SnapshotEvery = c.Monitor.SnapshotEvery
	out.AlertingEnabled = c.Monitor.AlertingEnabled
	out.AlertRetention = c.Monitor.AlertRetention
	out.AlertHistoryLimit = c.Monitor.AlertHistoryLimit
	for name, th := range c.Monitor.Thresholds {
		if kind, ok := monitoring.ParseKind(name); ok {
			out.Thresholds[kind] = th
		}
	}
	return out
}

// OptimizerConfig converts to the optimizer configuration
func (c *Config) OptimizerConfig() optimizer.Config {
	return optimizer.Config{
		AnalysisInterval:            c.Optimizer.AnalysisInterval,
		TrendWindow:                 c.Optimizer.TrendWindow,
		ConsecutiveBreaches:         c.Optimizer.ConsecutiveBreaches,
		MemoryGrowthThreshold:       c.Optimizer.MemoryGrowthBytesPerMin,
		LatencyGrowthThreshold:      c.Optimizer.LatencyGrowthMsPerMin,
		RemediationMargin:           c.Optimizer.RemediationMargin,
		LeakDetectionEnabled:        c.Optimizer.LeakDetectionEnabled,
		DegradationDetectionEnabled: c.Optimizer.DegradationDetectionEnabled,
		MaintenanceEnabled:          c.Optimizer.MaintenanceEnabled,
		SweepInterval:               c.Optimizer.SweepInterval,
		MemoryReclamationInterval:   c.Optimizer.MemoryReclamationInterval,
		BufferCompactionInterval:    c.Optimizer.BufferCompactionInterval,
	}
}

// Logger builds a production zap logger at the configured level
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// Describe returns the effective settings as sorted "key = value" lines
func Describe(v *viper.Viper) []string {
	keys := v.AllKeys()
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s = %v", k, v.Get(k)))
	}
	return lines
}

// IsValidationError reports whether err carries field validation errors
func IsValidationError(err error) bool {
	var ve ValidationErrors
	return errors.As(err, &ve)
}
