package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/yairfalse/perfwatch/pkg/monitoring"
)

const (
	writeWait      = 5 * time.Second
	maxMessageSize = 1024
)

// ConnectionTracker is told about every live connection opening and closing
type ConnectionTracker interface {
	OnConnectionOpen()
	OnConnectionClose()
}

type presenceClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *presenceClient) send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Presence is the websocket endpoint for live clients. Each open socket
// counts as one open connection and receives alert transitions.
type Presence struct {
	upgrader websocket.Upgrader
	tracker  ConnectionTracker
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[*presenceClient]struct{}
	closed  bool
}

// NewPresence creates the presence hub
func NewPresence(tracker ConnectionTracker, logger *zap.Logger) *Presence {
	return &Presence{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		tracker: tracker,
		logger:  logger.Named("presence"),
		clients: make(map[*presenceClient]struct{}),
	}
}

// ServeHTTP upgrades the request and holds the socket until the peer leaves
func (p *Presence) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}

	c := &presenceClient{conn: conn}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	p.clients[c] = struct{}{}
	p.mu.Unlock()

	p.tracker.OnConnectionOpen()
	defer func() {
		p.mu.Lock()
		delete(p.clients, c)
		p.mu.Unlock()
		_ = conn.Close()
		p.tracker.OnConnectionClose()
	}()

	conn.SetReadLimit(maxMessageSize)
	for {
		// clients only listen; anything they send is discarded
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Count returns the number of connected clients
func (p *Presence) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Broadcast sends an alert transition to every client. It is registered
// as a monitor alert listener.
func (p *Presence) Broadcast(ev monitoring.AlertEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("Failed to encode alert event", zap.Error(err))
		return
	}

	p.mu.Lock()
	clients := make([]*presenceClient, 0, len(p.clients))
	for c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.Unlock()

	for _, c := range clients {
		if err := c.send(payload); err != nil {
			p.logger.Debug("Websocket send failed", zap.Error(err))
			// the read loop sees the closed socket and unregisters it
			_ = c.conn.Close()
		}
	}
}

// Close disconnects every client and rejects new ones
func (p *Presence) Close() {
	p.mu.Lock()
	p.closed = true
	clients := make([]*presenceClient, 0, len(p.clients))
	for c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.Unlock()

	for _, c := range clients {
		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		c.mu.Unlock()
		_ = c.conn.Close()
	}
}
