package ws

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"vendpoint/internal/models"
)

// Hub tracks connected device displays and fans out snapshots.
type Hub struct {
	mu     sync.RWMutex
	conns  map[*Connection]struct{}
	logger *zap.Logger
}

// NewHub builds connection hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		conns:  make(map[*Connection]struct{}),
		logger: logger,
	}
}

// Add registers new connection.
func (h *Hub) Add(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = struct{}{}
}

// Remove removes connection.
func (h *Hub) Remove(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn)
}

// Broadcast pushes the snapshot to every connected display. Slow consumers
// drop frames rather than block the state machine.
func (h *Hub) Broadcast(snapshot models.DisplaySnapshot) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		h.logger.Warn("failed to encode snapshot", zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.conns {
		conn.Send(data)
	}
}
