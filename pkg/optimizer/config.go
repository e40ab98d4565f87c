package optimizer

import (
	"errors"
	"fmt"
	"time"
)

// Config configures trend analysis and maintenance
type Config struct {
	AnalysisInterval time.Duration
	// TrendWindow is K, the number of points a slope is fitted over
	TrendWindow int
	// ConsecutiveBreaches is M, the ticks a slope must stay above threshold
	ConsecutiveBreaches int

	// MemoryGrowthThreshold is in bytes per minute
	MemoryGrowthThreshold float64
	// LatencyGrowthThreshold is in milliseconds of p95 per minute
	LatencyGrowthThreshold float64
	// RemediationMargin is the fraction heap must drop by for a
	// reclamation to count as successful
	RemediationMargin float64

	LeakDetectionEnabled        bool
	DegradationDetectionEnabled bool
	MaintenanceEnabled          bool

	SweepInterval             time.Duration
	MemoryReclamationInterval time.Duration
	BufferCompactionInterval  time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		AnalysisInterval:            30 * time.Second,
		TrendWindow:                 12,
		ConsecutiveBreaches:         3,
		MemoryGrowthThreshold:       1 << 20,
		LatencyGrowthThreshold:      50,
		RemediationMargin:           0.05,
		LeakDetectionEnabled:        true,
		DegradationDetectionEnabled: true,
		MaintenanceEnabled:          true,
		SweepInterval:               15 * time.Second,
		MemoryReclamationInterval:   5 * time.Minute,
		BufferCompactionInterval:    10 * time.Minute,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	var errs []error
	if c.AnalysisInterval <= 0 {
		errs = append(errs, fmt.Errorf("analysis interval must be positive, got %s", c.AnalysisInterval))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval))
	}
	if c.TrendWindow < minTrendPoints {
		errs = append(errs, fmt.Errorf("trend window must be at least %d, got %d", minTrendPoints, c.TrendWindow))
	}
	if c.ConsecutiveBreaches < 1 {
		errs = append(errs, fmt.Errorf("consecutive breaches must be at least 1, got %d", c.ConsecutiveBreaches))
	}
	if c.MemoryGrowthThreshold <= 0 {
		errs = append(errs, fmt.Errorf("memory growth threshold must be positive, got %v", c.MemoryGrowthThreshold))
	}
	if c.LatencyGrowthThreshold <= 0 {
		errs = append(errs, fmt.Errorf("latency growth threshold must be positive, got %v", c.LatencyGrowthThreshold))
	}
	if c.RemediationMargin < 0 || c.RemediationMargin >= 1 {
		errs = append(errs, fmt.Errorf("remediation margin must be in [0, 1), got %v", c.RemediationMargin))
	}
	if c.MemoryReclamationInterval <= 0 || c.BufferCompactionInterval <= 0 {
		errs = append(errs, errors.New("maintenance task intervals must be positive"))
	}
	return errors.Join(errs...)
}

// ConfigUpdate is a partial configuration. Unset fields keep their value.
type ConfigUpdate struct {
	AnalysisIntervalMs     *int64   `json:"analysisInterval,omitempty"`
	TrendWindow            *int     `json:"trendWindow,omitempty"`
	ConsecutiveBreaches    *int     `json:"consecutiveBreaches,omitempty"`
	MemoryGrowthThreshold  *float64 `json:"memoryGrowthBytesPerMin,omitempty"`
	LatencyGrowthThreshold *float64 `json:"latencyGrowthMsPerMin,omitempty"`
	LeakDetection          *bool    `json:"memoryLeakDetection,omitempty"`
	DegradationDetection   *bool    `json:"performanceDegradation,omitempty"`
	Maintenance            *bool    `json:"maintenanceTasks,omitempty"`
}

// Merge applies u on top of c and validates the result
func (c Config) Merge(u ConfigUpdate) (Config, error) {
	out := c
	if u.AnalysisIntervalMs != nil {
		out.AnalysisInterval = time.Duration(*u.AnalysisIntervalMs) * time.Millisecond
	}
	if u.TrendWindow != nil {
		out.TrendWindow = *u.TrendWindow
	}
	if u.ConsecutiveBreaches != nil {
		out.ConsecutiveBreaches = *u.ConsecutiveBreaches
	}
	if u.MemoryGrowthThreshold != nil {
		out.MemoryGrowthThreshold = *u.MemoryGrowthThreshold
	}
	if u.LatencyGrowthThreshold != nil {
		out.LatencyGrowthThreshold = *u.LatencyGrowthThreshold
	}
	if u.LeakDetection != nil {
		out.LeakDetectionEnabled = *u.LeakDetection
	}
	if u.DegradationDetection != nil {
		out.DegradationDetectionEnabled = *u.DegradationDetection
	}
	if u.Maintenance != nil {
		out.MaintenanceEnabled = *u.Maintenance
	}
	if err := out.Validate(); err != nil {
		return c, err
	}
	return out, nil
}
