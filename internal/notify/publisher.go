// Package notify forwards alert transitions to NATS.
package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/yairfalse/perfwatch/internal/config"
	"github.com/yairfalse/perfwatch/pkg/monitoring"
)

// Conn is the subset of *nats.Conn the publisher needs
type Conn interface {
	Publish(subject string, data []byte) error
	Flush() error
	Close()
}

// Message is the payload published for each alert transition
type Message struct {
	Transition  monitoring.Transition `json:"transition"`
	Alert       monitoring.Alert      `json:"alert"`
	PublishedAt time.Time             `json:"publishedAt"`
	Host        string                `json:"host,omitempty"`
}

// Stats counts publish outcomes
type Stats struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
}

// Publisher publishes alert events to <subject>.<kind>
type Publisher struct {
	conn    Conn
	subject string
	host    string
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool

	published atomic.Uint64
	failed    atomic.Uint64
}

// NewPublisher wraps an existing connection
func NewPublisher(conn Conn, subject, host string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		conn:    conn,
		subject: subject,
		host:    host,
		logger:  logger.Named("notify"),
	}
}

// Connect dials NATS with the configured reconnect policy
func Connect(cfg config.NATSConfig, host string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := logger.Named("notify")

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				l.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			l.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	l.Info("Connected to NATS",
		zap.String("url", cfg.URL),
		zap.String("subject", cfg.Subject))
	return NewPublisher(nc, cfg.Subject, host, logger), nil
}

// SubjectFor returns the subject an alert of kind is published on
func (p *Publisher) SubjectFor(kind monitoring.AlertKind) string {
	return p.subject + "." + string(kind)
}

// Publish sends one alert event
func (p *Publisher) Publish(ev monitoring.AlertEvent) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nats.ErrConnectionClosed
	}

	data, err := json.Marshal(Message{
		Transition:  ev.Transition,
		Alert:       ev.Alert,
		PublishedAt: time.Now().UTC(),
		Host:        p.host,
	})
	if err != nil {
		p.failed.Add(1)
		return fmt.Errorf("failed to encode alert %s: %w", ev.Alert.ID, err)
	}

	subject := p.SubjectFor(ev.Alert.Kind)
	if err := p.conn.Publish(subject, data); err != nil {
		p.failed.Add(1)
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	p.published.Add(1)
	return nil
}

// HandleAlert is a monitor alert listener. Failures are logged, not returned.
func (p *Publisher) HandleAlert(ev monitoring.AlertEvent) {
	if err := p.Publish(ev); err != nil {
		p.logger.Warn("Failed to publish alert event",
			zap.String("alert_id", ev.Alert.ID),
			zap.String("transition", string(ev.Transition)),
			zap.Error(err))
		return
	}
	p.logger.Debug("Published alert event",
		zap.String("alert_id", ev.Alert.ID),
		zap.String("transition", string(ev.Transition)))
}

// Stats returns publish counters
func (p *Publisher) Stats() Stats {
	return Stats{
		Published: p.published.Load(),
		Failed:    p.failed.Load(),
	}
}

// Close flushes pending messages and closes the connection. It is safe to
// call more than once.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.conn.Flush()
	p.conn.Close()
	if err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("failed to flush NATS connection: %w", err)
	}
	return nil
}
