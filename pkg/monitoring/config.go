package monitoring

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Threshold defines alert thresholds for a metric
type Threshold struct {
	Warning  float64 `json:"warning" mapstructure:"warning"`
	Critical float64 `json:"critical" mapstructure:"critical"`
}

// Evaluate returns the severity for value and whether it breaches at all
func (t Threshold) Evaluate(value float64) (Severity, bool) {
	switch {
	case value >= t.Critical:
		return SeverityCritical, true
	case value >= t.Warning:
		return SeverityWarning, true
	default:
		return "", false
	}
}

// Limit returns the bound that was crossed for a severity
func (t Threshold) Limit(s Severity) float64 {
	if s == SeverityCritical {
		return t.Critical
	}
	return t.Warning
}

func (t Threshold) validate() error {
	if t.Warning <= 0 {
		return fmt.Errorf("warning threshold must be positive, got %v", t.Warning)
	}
	if t.Critical < t.Warning {
		return fmt.Errorf("critical threshold %v is below warning threshold %v", t.Critical, t.Warning)
	}
	return nil
}

// Config configures the performance monitor
type Config struct {
	// MetricsInterval is the snapshot refresh period
	MetricsInterval time.Duration
	// SnapshotEvery forces a refresh after this many requests; zero disables it
	SnapshotEvery int
	// AlertingEnabled gates raising new alerts. Thresholds are still evaluated.
	AlertingEnabled bool
	Thresholds      map[AlertKind]Threshold

	AlertRetention    time.Duration
	AlertHistoryLimit int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		MetricsInterval: 10 * time.Second,
		SnapshotEvery:   100,
		AlertingEnabled: true,
		Thresholds: map[AlertKind]Threshold{
			KindLatency:     {Warning: 1000, Critical: 2500},
			KindErrorRate:   {Warning: 0.05, Critical: 0.15},
			KindMemory:      {Warning: 0.85, Critical: 0.95},
			KindConnections: {Warning: 1000, Critical: 5000},
		},
		AlertRetention:    24 * time.Hour,
		AlertHistoryLimit: 200,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	var errs []error
	if c.MetricsInterval <= 0 {
		errs = append(errs, fmt.Errorf("metrics interval must be positive, got %s", c.MetricsInterval))
	}
	if c.SnapshotEvery < 0 {
		errs = append(errs, fmt.Errorf("snapshot every must not be negative, got %d", c.SnapshotEvery))
	}
	kinds := make([]string, 0, len(c.Thresholds))
	for k := range c.Thresholds {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		if err := c.Thresholds[AlertKind(k)].validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}

func (c Config) clone() Config {
	out := c
	out.Thresholds = make(map[AlertKind]Threshold, len(c.Thresholds))
	for k, v := range c.Thresholds {
		out.Thresholds[k] = v
	}
	return out
}

// ThresholdUpdate is a partial threshold; nil fields keep their value
type ThresholdUpdate struct {
	Warning  *float64 `json:"warning,omitempty"`
	Critical *float64 `json:"critical,omitempty"`
}

// ConfigUpdate is a partial configuration. Unset fields keep their value.
type ConfigUpdate struct {
	// MetricsIntervalMs is the refresh period in milliseconds
	MetricsIntervalMs *int64                     `json:"metricsInterval,omitempty"`
	AlertingEnabled   *bool                      `json:"alertingEnabled,omitempty"`
	Thresholds        map[string]ThresholdUpdate `json:"thresholds,omitempty"`
}

// Merge applies u on top of c. Unknown threshold kinds are returned as
// ignored rather than failing the whole update; the merged config is
// validated before being returned.
func (c Config) Merge(u ConfigUpdate) (Config, []string, error) {
	out := c.clone()
	var ignored []string

	if u.MetricsIntervalMs != nil {
		out.MetricsInterval = time.Duration(*u.MetricsIntervalMs) * time.Millisecond
	}
	if u.AlertingEnabled != nil {
		out.AlertingEnabled = *u.AlertingEnabled
	}
	for name, tu := range u.Thresholds {
		kind, ok := ParseKind(name)
		if !ok {
			ignored = append(ignored, name)
			continue
		}
		th := out.Thresholds[kind]
		if tu.Warning != nil {
			th.Warning = *tu.Warning
		}
		if tu.Critical != nil {
			th.Critical = *tu.Critical
		}
		out.Thresholds[kind] = th
	}
	sort.Strings(ignored)

	if err := out.Validate(); err != nil {
		return c, ignored, err
	}
	return out, ignored, nil
}
