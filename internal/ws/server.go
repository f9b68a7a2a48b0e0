package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"vendpoint/internal/devicetoken"
	"vendpoint/internal/models"
)

// SnapshotFunc reads the current display projection from the durable store.
type SnapshotFunc func(ctx context.Context) (models.DisplaySnapshot, error)

// Server upgrades authenticated device connections to the display stream.
type Server struct {
	hub          *Hub
	auth         *devicetoken.Authenticator
	snapshot     SnapshotFunc
	logger       *zap.Logger
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
}

// NewServer builds ws server.
func NewServer(hub *Hub, auth *devicetoken.Authenticator, snapshot SnapshotFunc, logger *zap.Logger) *Server {
	return &Server{
		hub:          hub,
		auth:         auth,
		snapshot:     snapshot,
		logger:       logger,
		writeTimeout: 10 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleStream is the HTTP handler for GET /device/stream.
func (s *Server) HandleStream(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("deviceId")
	token := r.URL.Query().Get("token")
	if !s.auth.Verify(deviceID, token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	connection := NewConnection(deviceID, conn, s.writeTimeout, s.logger, func(c *Connection) {
		s.hub.Remove(c)
		cancel()
	})
	s.hub.Add(connection)

	// seed the display with the current state before the first transition
	if snap, err := s.snapshot(r.Context()); err == nil {
		if data, err := json.Marshal(snap); err == nil {
			connection.Send(data)
		}
	}

	go connection.Start(ctx)
	s.logger.Info("display connected", zap.String("device_id", deviceID))
}
