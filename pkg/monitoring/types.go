package monitoring

import (
	"time"

	"github.com/yairfalse/perfwatch/pkg/metricstore"
)

// AlertKind names the monitored metric an alert is about
type AlertKind string

const (
	KindLatency     AlertKind = "latency"
	KindErrorRate   AlertKind = "error-rate"
	KindMemory      AlertKind = "memory"
	KindConnections AlertKind = "connection-saturation"
)

// AllKinds lists every alert kind in evaluation order
var AllKinds = []AlertKind{KindLatency, KindErrorRate, KindMemory, KindConnections}

// ParseKind returns the kind for s and whether it is known
func ParseKind(s string) (AlertKind, bool) {
	for _, k := range AllKinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// Value extracts the metric this kind watches from a snapshot.
// Latency uses p95, memory the heap usage fraction.
func (k AlertKind) Value(s metricstore.MetricSnapshot) float64 {
	switch k {
	case KindLatency:
		return s.P95LatencyMs
	case KindErrorRate:
		return s.ErrorRate()
	case KindMemory:
		return s.HeapUsageFraction()
	case KindConnections:
		return float64(s.OpenConnections)
	default:
		return 0
	}
}

// Severity of an alert
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertSource tells which analysis owns an alert
type AlertSource string

const (
	// SourceThreshold alerts come from snapshot threshold evaluation
	SourceThreshold AlertSource = "threshold"
	// SourceTrend alerts come from trend analysis
	SourceTrend AlertSource = "trend"
)

// Alert is a threshold or trend breach. There is at most one active alert
// per kind; Sources lists every analysis currently holding it and Source is
// the one whose reading sets Severity. An alert is active while ClearedAt is nil.
type Alert struct {
	ID        string        `json:"id"`
	Kind      AlertKind     `json:"kind"`
	Severity  Severity      `json:"severity"`
	Source    AlertSource   `json:"source"`
	Sources   []AlertSource `json:"sources"`
	Message   string        `json:"message"`
	Value     float64       `json:"value"`
	Threshold float64       `json:"threshold"`
	RaisedAt  time.Time     `json:"raisedAt"`
	ClearedAt *time.Time    `json:"clearedAt,omitempty"`
}

// Active reports whether the alert is unresolved
func (a Alert) Active() bool {
	return a.ClearedAt == nil
}

// Transition describes what happened to an alert
type Transition string

const (
	TransitionRaised      Transition = "raised"
	TransitionEscalated   Transition = "escalated"
	TransitionDeescalated Transition = "deescalated"
	TransitionCleared     Transition = "cleared"
)

// AlertEvent is delivered to alert listeners
type AlertEvent struct {
	Transition Transition `json:"transition"`
	Alert      Alert      `json:"alert"`
}

// Health is the overall state derived from active alerts
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthCritical Health = "critical"
)

// HealthOf derives health from a set of active alerts
func HealthOf(alerts []Alert) Health {
	health := HealthHealthy
	for _, a := range alerts {
		if !a.Active() {
			continue
		}
		if a.Severity == SeverityCritical {
			return HealthCritical
		}
		health = HealthDegraded
	}
	return health
}

// Summary is the monitor's health summary
type Summary struct {
	Health          Health      `json:"health"`
	ActiveAlerts    int         `json:"activeAlerts"`
	UptimeMs        int64       `json:"uptime"`
	StartedAt       time.Time   `json:"startedAt"`
	AlertingEnabled bool        `json:"alertingEnabled"`
	Alerts          []Alert     `json:"alerts"`
	Breaches        []AlertKind `json:"breaches,omitempty"`
}

// RequestMeta is the request half of a completed request
type RequestMeta struct {
	Path      string
	Method    string
	SessionID string
}

// ResponseMeta is the response half of a completed request
type ResponseMeta struct {
	StatusCode int
}
