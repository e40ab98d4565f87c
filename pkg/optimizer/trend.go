package optimizer

import (
	"time"
)

// minTrendPoints is the fewest points a slope is estimated from
const minTrendPoints = 3

// TrendPoint is one observation of a tracked metric
type TrendPoint struct {
	At    time.Time `json:"at"`
	Value float64   `json:"value"`
}

// TrendState is the per-metric history used to detect a sustained rise.
// Slope is expressed in metric units per minute.
type TrendState struct {
	Metric              string       `json:"metricKind"`
	Points              []TrendPoint `json:"recentValues"`
	Slope               float64      `json:"slopeEstimate"`
	ConsecutiveBreaches int          `json:"consecutiveBreaches"`
	InEpisode           bool         `json:"inEpisode"`
	AlertRaised         bool         `json:"alertRaised"`
	Episodes            int          `json:"episodes"`
}

func newTrend(metric string) *TrendState {
	return &TrendState{Metric: metric}
}

// add appends a point, keeping at most window points
func (t *TrendState) add(at time.Time, value float64, window int) {
	if n := len(t.Points); n > 0 && !at.After(t.Points[n-1].At) {
		return
	}
	t.Points = append(t.Points, TrendPoint{At: at, Value: value})
	if window > 0 && len(t.Points) > window {
		t.Points = append(t.Points[:0:0], t.Points[len(t.Points)-window:]...)
	}
}

// estimate fits a least-squares line through the points and stores its
// slope. It reports false when there are too few points or no time span.
func (t *TrendState) estimate() bool {
	n := len(t.Points)
	if n < minTrendPoints {
		return false
	}

	origin := t.Points[0].At
	var sumX, sumY, sumXY, sumXX float64
	for _, p := range t.Points {
		x := p.At.Sub(origin).Minutes()
		sumX += x
		sumY += p.Value
		sumXY += x * p.Value
		sumXX += x * x
	}

	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return false
	}
	t.Slope = (fn*sumXY - sumX*sumY) / denom
	return true
}

// reset forgets the history after a successful remediation
func (t *TrendState) reset() {
	t.Points = nil
	t.Slope = 0
	t.ConsecutiveBreaches = 0
	t.InEpisode = false
}

func (t *TrendState) clone() TrendState {
	out := *t
	out.Points = append([]TrendPoint(nil), t.Points...)
	return out
}
