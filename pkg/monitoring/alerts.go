package monitoring

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yairfalse/perfwatch/pkg/metricstore"
)

const listenerQueueSize = 256

// claim is one analysis' reading behind an open alert
type claim struct {
	severity  Severity
	value     float64
	threshold float64
	message   string
}

type openAlert struct {
	alert  Alert
	claims map[AlertSource]claim
}

// apply copies the strongest claim onto the alert. On a tie the current
// source keeps the alert.
func (o *openAlert) apply() {
	var (
		best   AlertSource
		bestC  claim
		chosen bool
	)
	sources := make([]AlertSource, 0, len(o.claims))
	for src, c := range o.claims {
		sources = append(sources, src)
		switch {
		case !chosen,
			c.severity == SeverityCritical && bestC.severity != SeverityCritical,
			c.severity == bestC.severity && src == o.alert.Source:
			best, bestC, chosen = src, c, true
		}
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })

	o.alert.Source = best
	o.alert.Sources = sources
	o.alert.Severity = bestC.severity
	o.alert.Value = bestC.value
	o.alert.Threshold = bestC.threshold
	o.alert.Message = bestC.message
}

func (o *openAlert) snapshot() Alert {
	a := o.alert
	a.Sources = append([]AlertSource(nil), o.alert.Sources...)
	return a
}

// alertListener receives events in order from its own goroutine
type alertListener struct {
	fn    func(AlertEvent)
	queue chan AlertEvent
}

// alertBook holds at most one active alert per kind plus the recently
// cleared ones. Threshold evaluation and trend analysis each hold a claim
// on an open alert and only withdraw their own.
type alertBook struct {
	logger *zap.Logger

	mu        sync.RWMutex
	open      map[AlertKind]*openAlert
	history   []Alert
	breaches  []AlertKind
	listeners []*alertListener
	closed    bool
	wg        sync.WaitGroup
}

func (b *alertBook) init(logger *zap.Logger) {
	b.logger = logger
	b.open = make(map[AlertKind]*openAlert)
}

func (b *alertBook) addListener(fn func(AlertEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	l := &alertListener{fn: fn, queue: make(chan AlertEvent, listenerQueueSize)}
	b.listeners = append(b.listeners, l)
	b.wg.Add(1)
	go b.run(l)
}

func (b *alertBook) run(l *alertListener) {
	defer b.wg.Done()
	for ev := range l.queue {
		b.deliver(l.fn, ev)
	}
}

func (b *alertBook) deliver(fn func(AlertEvent), ev AlertEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Alert listener panicked",
				zap.Any("panic", r),
				zap.String("transition", string(ev.Transition)),
				zap.String("kind", string(ev.Alert.Kind)))
		}
	}()
	fn(ev)
}

// publishLocked queues events for every listener. It runs under the write
// lock so listeners see transitions in the order they were applied. A full
// queue drops the event rather than stall the caller.
func (b *alertBook) publishLocked(events []AlertEvent) {
	if b.closed {
		return
	}
	for _, l := range b.listeners {
		for _, ev := range events {
			select {
			case l.queue <- ev:
			default:
				b.logger.Warn("Alert listener queue full, dropping event",
					zap.String("transition", string(ev.Transition)),
					zap.String("kind", string(ev.Alert.Kind)),
					zap.String("id", ev.Alert.ID))
			}
		}
	}
}

// close stops every listener after it drains its queue
func (b *alertBook) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, l := range b.listeners {
		close(l.queue)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// evaluate compares snap against every configured threshold and moves the
// threshold claims accordingly
func (b *alertBook) evaluate(snap metricstore.MetricSnapshot, cfg Config) {
	now := snap.WindowEnd

	b.mu.Lock()
	defer b.mu.Unlock()

	var events []AlertEvent
	breaches := make([]AlertKind, 0, len(AllKinds))

	for _, kind := range AllKinds {
		th, ok := cfg.Thresholds[kind]
		if !ok {
			continue
		}
		value := kind.Value(snap)
		severity, breached := th.Evaluate(value)

		var ev *AlertEvent
		if breached {
			breaches = append(breaches, kind)
			limit := th.Limit(severity)
			_, ev = b.assertLocked(kind, SourceThreshold, claim{
				severity:  severity,
				value:     value,
				threshold: limit,
				message:   thresholdMessage(kind, severity, value, limit),
			}, cfg.AlertingEnabled, now)
		} else {
			ev = b.withdrawLocked(kind, SourceThreshold, now)
		}
		if ev != nil {
			events = append(events, *ev)
		}
	}

	b.breaches = breaches
	b.trimLocked(now.Add(-cfg.AlertRetention), cfg.AlertHistoryLimit)
	b.publishLocked(events)
}

// assertLocked records source's claim on kind. A new alert is only opened
// when allowRaise is set; joining an open alert is always allowed. It
// reports whether source now holds the alert.
func (b *alertBook) assertLocked(kind AlertKind, source AlertSource, c claim, allowRaise bool, now time.Time) (bool, *AlertEvent) {
	o := b.open[kind]
	if o == nil {
		if !allowRaise {
			return false, nil
		}
		o = &openAlert{
			alert: Alert{
				ID:       uuid.NewString(),
				Kind:     kind,
				Source:   source,
				RaisedAt: now,
			},
			claims: map[AlertSource]claim{source: c},
		}
		o.apply()
		b.open[kind] = o

		b.logger.Info("Alert raised",
			zap.String("id", o.alert.ID),
			zap.String("kind", string(kind)),
			zap.String("source", string(source)),
			zap.String("severity", string(c.severity)),
			zap.Float64("value", c.value),
			zap.Float64("threshold", c.threshold))
		return true, &AlertEvent{Transition: TransitionRaised, Alert: o.snapshot()}
	}

	prev := o.alert.Severity
	o.claims[source] = c
	o.apply()
	return true, b.severityChangeLocked(o, prev)
}

// withdrawLocked drops source's claim on kind. The alert clears once no
// claim is left.
func (b *alertBook) withdrawLocked(kind AlertKind, source AlertSource, now time.Time) *AlertEvent {
	o := b.open[kind]
	if o == nil {
		return nil
	}
	if _, held := o.claims[source]; !held {
		return nil
	}
	delete(o.claims, source)

	if len(o.claims) > 0 {
		prev := o.alert.Severity
		o.apply()
		return b.severityChangeLocked(o, prev)
	}

	delete(b.open, kind)
	cleared := now
	o.alert.ClearedAt = &cleared
	a := o.snapshot()
	b.history = append(b.history, a)

	b.logger.Info("Alert cleared",
		zap.String("id", a.ID),
		zap.String("kind", string(a.Kind)),
		zap.String("source", string(source)),
		zap.Duration("open_for", now.Sub(a.RaisedAt)))
	return &AlertEvent{Transition: TransitionCleared, Alert: a}
}

func (b *alertBook) severityChangeLocked(o *openAlert, prev Severity) *AlertEvent {
	if o.alert.Severity == prev {
		return nil
	}
	transition := TransitionEscalated
	if o.alert.Severity == SeverityWarning {
		transition = TransitionDeescalated
	}
	b.logger.Info("Alert severity changed",
		zap.String("id", o.alert.ID),
		zap.String("kind", string(o.alert.Kind)),
		zap.String("source", string(o.alert.Source)),
		zap.String("severity", string(o.alert.Severity)),
		zap.Float64("value", o.alert.Value))
	return &AlertEvent{Transition: transition, Alert: o.snapshot()}
}

// claim asserts source's reading on kind and publishes the transition, if any
func (b *alertBook) claim(kind AlertKind, source AlertSource, c claim, allowRaise bool, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	held, ev := b.assertLocked(kind, source, c, allowRaise, now)
	if ev != nil {
		b.publishLocked([]AlertEvent{*ev})
	}
	return held
}

// withdraw drops source's claim on kind, reporting whether it held one
func (b *alertBook) withdraw(kind AlertKind, source AlertSource, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	o := b.open[kind]
	if o == nil {
		return false
	}
	if _, held := o.claims[source]; !held {
		return false
	}
	if ev := b.withdrawLocked(kind, source, now); ev != nil {
		b.publishLocked([]AlertEvent{*ev})
	}
	return true
}

func (b *alertBook) active() []Alert {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Alert, 0, len(b.open))
	for _, o := range b.open {
		out = append(out, o.snapshot())
	}
	sortAlerts(out)
	return out
}

func (b *alertBook) since(since time.Time) []Alert {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Alert, 0, len(b.open))
	for _, a := range b.history {
		if !a.ClearedAt.Before(since) {
			out = append(out, a)
		}
	}
	for _, o := range b.open {
		out = append(out, o.snapshot())
	}
	sortAlerts(out)
	return out
}

func (b *alertBook) currentBreaches() []AlertKind {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]AlertKind(nil), b.breaches...)
}

func (b *alertBook) trim(cutoff time.Time, limit int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trimLocked(cutoff, limit)
}

// trimLocked drops cleared alerts older than cutoff and keeps at most limit
func (b *alertBook) trimLocked(cutoff time.Time, limit int) int {
	drop := 0
	for drop < len(b.history) && b.history[drop].ClearedAt.Before(cutoff) {
		drop++
	}
	if limit > 0 {
		if over := len(b.history) - drop - limit; over > 0 {
			drop += over
		}
	}
	if drop == 0 {
		return 0
	}
	b.history = append(b.history[:0:0], b.history[drop:]...)
	return drop
}

func sortAlerts(alerts []Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].RaisedAt.Equal(alerts[j].RaisedAt) {
			return alerts[i].Kind < alerts[j].Kind
		}
		return alerts[i].RaisedAt.Before(alerts[j].RaisedAt)
	})
}

func thresholdMessage(kind AlertKind, severity Severity, value, limit float64) string {
	switch kind {
	case KindLatency:
		return fmt.Sprintf("p95 latency %.1fms at or above %s threshold %.1fms", value, severity, limit)
	case KindErrorRate:
		return fmt.Sprintf("error rate %.2f%% at or above %s threshold %.2f%%", value*100, severity, limit*100)
	case KindMemory:
		return fmt.Sprintf("heap usage %.1f%% at or above %s threshold %.1f%%", value*100, severity, limit*100)
	case KindConnections:
		return fmt.Sprintf("%.0f open connections at or above %s threshold %.0f", value, severity, limit)
	default:
		return fmt.Sprintf("%s %.2f at or above %s threshold %.2f", kind, value, severity, limit)
	}
}
