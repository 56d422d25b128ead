package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const writeTimeout = 5 * time.Second

// Hub is a Publisher that broadcasts to every registered websocket. Events
// are delivered in publish order by a single broadcast loop.
type Hub struct {
	queue  chan Event
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[*websocket.Conn]struct{}
}

// Ensure Hub implements Publisher.
var _ Publisher = (*Hub)(nil)

// NewHub creates a Hub with a queue of the given size.
func NewHub(queueSize int, logger *slog.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		queue:  make(chan Event, queueSize),
		logger: logger,
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

// Publish enqueues evt, dropping it if the queue is full.
func (h *Hub) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	select {
	case h.queue <- evt:
	default:
		h.logger.Warn("[BUS] Queue full, dropping event", "type", evt.Type, "agent_id", evt.AgentID, "group_id", evt.GroupID)
	}
}

// Register adds a connection to the broadcast set.
func (h *Hub) Register(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = struct{}{}
	h.logger.Info("[BUS] Client registered", "clients", len(h.conns))
}

// Unregister removes a connection from the broadcast set.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[conn]; ok {
		delete(h.conns, conn)
		h.logger.Info("[BUS] Client unregistered", "clients", len(h.conns))
	}
}

// Clients returns the number of registered connections.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Run is the broadcast loop. It returns when ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	h.logger.Info("[BUS] Broadcast loop started")
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("[BUS] Broadcast loop shutting down")
			h.closeAll()
			return nil
		case evt := <-h.queue:
			h.broadcast(ctx, evt)
		}
	}
}

func (h *Hub) broadcast(ctx context.Context, evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("[BUS] Failed to encode event", "type", evt.Type, "error", err)
		return
	}

	// Snapshot connections to avoid holding the lock during writes.
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := c.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.logger.Debug("[BUS] Write failed, dropping client", "error", err)
			h.Unregister(c)
			_ = c.Close(websocket.StatusPolicyViolation, "write failed")
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		_ = c.Close(websocket.StatusGoingAway, "server shutting down")
		delete(h.conns, c)
	}
}
