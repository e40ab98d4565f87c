package metricstore

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	// UnknownPath is recorded when a request arrives without a path
	UnknownPath = "unknown"
	// UnknownMethod is recorded when a request arrives without a method
	UnknownMethod = "UNKNOWN"
)

// ErrMalformedSample marks a sample that needed defaults substituted before recording
var ErrMalformedSample = errors.New("malformed request sample")

// RequestSample is one completed request. Samples are immutable once recorded.
type RequestSample struct {
	Path       string    `json:"path"`
	Method     string    `json:"method"`
	StatusCode int       `json:"statusCode"`
	DurationMs float64   `json:"durationMs"`
	SessionID  string    `json:"sessionId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// IsError reports whether the sample counts toward the error rate.
// Only server-side failures count; a zero (unknown) status never does.
func (s RequestSample) IsError() bool {
	return s.StatusCode >= 500
}

// Normalize substitutes defaults for missing or invalid fields.
// The returned sample is always recordable; the error, if any, wraps
// ErrMalformedSample and names every field that was replaced.
func Normalize(s RequestSample, now time.Time) (RequestSample, error) {
	var fixed []string

	if strings.TrimSpace(s.Path) == "" {
		s.Path = UnknownPath
		fixed = append(fixed, "path")
	}

	method := strings.ToUpper(strings.TrimSpace(s.Method))
	if method == "" {
		method = UnknownMethod
		fixed = append(fixed, "method")
	}
	s.Method = method

	if s.StatusCode != 0 && (s.StatusCode < 100 || s.StatusCode > 599) {
		s.StatusCode = 0
		fixed = append(fixed, "statusCode")
	}

	if math.IsNaN(s.DurationMs) || math.IsInf(s.DurationMs, 0) || s.DurationMs < 0 {
		s.DurationMs = 0
		fixed = append(fixed, "durationMs")
	}

	if s.Timestamp.IsZero() {
		s.Timestamp = now
	}

	if len(fixed) > 0 {
		return s, fmt.Errorf("%w: defaulted %s", ErrMalformedSample, strings.Join(fixed, ", "))
	}
	return s, nil
}
