// Package ws implements the WebSocket live log tail. Clients connect,
// receive every new log entry as a JSON frame, and may narrow the tail to
// one module via a query parameter. A slow client drops frames rather than
// stalling the log store's fan-out.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/walkingzzzy/office-mcp-sub009/internal/logstore"
)

// sendBuffer is the per-client frame queue. Entries beyond it are dropped.
const sendBuffer = 256

// Server streams log entries to WebSocket clients.
type Server struct {
	store  *logstore.Store
	logger *slog.Logger

	mu      sync.Mutex
	clients int
}

// NewServer creates a log tail server over the store.
func NewServer(store *logstore.Store, logger *slog.Logger) *Server {
	return &Server{store: store, logger: logger}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"bridge-logs-v1"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	module := r.URL.Query().Get("module")
	s.handleConnection(r.Context(), conn, module)
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, module string) {
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	s.mu.Lock()
	s.clients++
	n := s.clients
	s.mu.Unlock()
	s.logger.Info("log tail client connected",
		slog.String("module", module),
		slog.Int("clients", n),
	)
	defer func() {
		s.mu.Lock()
		s.clients--
		s.mu.Unlock()
	}()

	entries := make(chan logstore.Entry, sendBuffer)
	listenerID := s.store.AddListener(func(e logstore.Entry) {
		if module != "" && e.Module != module {
			return
		}
		select {
		case entries <- e:
		default:
			// Client too slow; drop the frame.
		}
	})
	defer s.store.RemoveListener(listenerID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Reads only serve to detect disconnects; clients do not send data.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e := <-entries:
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					s.logger.Debug("log tail write failed", slog.String("error", err.Error()))
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
