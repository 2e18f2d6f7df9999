package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"antares/internal/pipeline"
)

const writeWait = 10 * time.Second

// MetricsSource is the part of the pipeline registry the hub reads.
type MetricsSource interface {
	Sources() []pipeline.SourceConfig
	AllMetrics() []pipeline.PerformanceSnapshot
}

type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// PerformanceHub pushes the metrics of every source to connected dashboard
// clients at a fixed interval.
type PerformanceHub struct {
	source   MetricsSource
	interval time.Duration
	logger   *zap.Logger

	mu      sync.RWMutex
	clients map[string]*client
}

// NewPerformanceHub creates a hub. Nothing is sent until Run is called.
func NewPerformanceHub(source MetricsSource, interval time.Duration, logger *zap.Logger) *PerformanceHub {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PerformanceHub{
		source:   source,
		interval: interval,
		logger:   logger.Named("ws"),
		clients:  make(map[string]*client),
	}
}

// Register adds a connection and returns its client id.
func (h *PerformanceHub) Register(conn *websocket.Conn) string {
	id := uuid.NewString()
	h.mu.Lock()
	h.clients[id] = &client{conn: conn}
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("client registered", zap.String("client_id", id), zap.Int("total", total))
	return id
}

// Unregister removes a connection. Unknown ids are ignored.
func (h *PerformanceHub) Unregister(id string) {
	h.mu.Lock()
	_, ok := h.clients[id]
	delete(h.clients, id)
	h.mu.Unlock()

	if ok {
		h.logger.Debug("client unregistered", zap.String("client_id", id))
	}
}

// ClientCount returns the number of connected clients.
func (h *PerformanceHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run broadcasts a performance message every interval until ctx is done.
// Ticks with no connected client are skipped.
func (h *PerformanceHub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			if h.ClientCount() == 0 {
				continue
			}
			data, err := h.message()
			if err != nil {
				h.logger.Error("failed to marshal performance message", zap.Error(err))
				continue
			}
			h.Broadcast(data)
		}
	}
}

func (h *PerformanceHub) message() ([]byte, error) {
	return json.Marshal(NewPerformanceMessage(h.source.Sources(), h.source.AllMetrics()))
}

// Send writes the current metrics to a single client.
func (h *PerformanceHub) Send(id string) error {
	h.mu.RLock()
	c := h.clients[id]
	h.mu.RUnlock()
	if c == nil {
		return nil
	}
	data, err := h.message()
	if err != nil {
		return err
	}
	return c.write(data)
}

// Broadcast sends data to all clients. A client whose write fails is
// dropped and closed.
func (h *PerformanceHub) Broadcast(data []byte) {
	h.mu.RLock()
	targets := make(map[string]*client, len(h.clients))
	for id, c := range h.clients {
		targets[id] = c
	}
	h.mu.RUnlock()

	for id, c := range targets {
		if err := c.write(data); err != nil {
			h.logger.Debug("dropping client after write error", zap.String("client_id", id), zap.Error(err))
			h.Unregister(id)
			c.conn.Close()
		}
	}
}

func (h *PerformanceHub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.conn.Close()
	}
}
