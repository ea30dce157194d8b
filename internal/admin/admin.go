// Package admin serves an observability endpoint on the address it is
// given (nothing restricts it to loopback): current
// supervisor state plus a live feed of state transitions pushed to
// connected WebSocket clients as JSON lines.
//
// Unlike internal/wsmux (which hand-rolls RFC 6455 framing for visitor
// traffic riding inside tunnel frames, where there is no real net.Conn
// to hijack), this server listens on a genuine TCP socket, so it
// upgrades with gorilla/websocket exactly the way
// github.com/reverseproxy's internal/relay/server.go upgrades agent
// connections.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pagekite/upk-go/internal/supervisor"
)

// StateEvent is one JSON line pushed to subscribers on a state change.
type StateEvent struct {
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// Server is the admin HTTP+WebSocket endpoint.
type Server struct {
	httpServer *http.Server
	upgrader   websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	current StateEvent

	logger *slog.Logger
}

// New builds an admin Server bound to addr. Call Attach to wire it to a
// supervisor's state transitions.
func New(addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		upgrader: websocket.Upgrader{
			// Admin endpoint is loopback-only by convention; any Origin is
			// accepted since there is no cross-site risk on 127.0.0.1.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/ws", s.handleWS)
	s.httpServer = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// Attach subscribes to sup's state changes and fans them out to
// connected WebSocket clients.
func (s *Server) Attach(sup *supervisor.Supervisor) {
	sup.OnStateChange(func(st supervisor.State) {
		s.broadcastState(st.String())
	})
}

func (s *Server) broadcastState(state string) {
	evt := StateEvent{State: state, Timestamp: time.Now()}
	s.mu.Lock()
	s.current = evt
	clients := make([]*websocket.Conn, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	for _, c := range clients {
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			s.logger.Debug("admin client write failed", "err", err)
			s.removeClient(c)
		}
	}
}

func (s *Server) removeClient(c *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.Close()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	evt := s.current
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(evt)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("admin websocket upgrade failed", "err", err)
		return
	}

	s.mu.Lock()
	s.clients[conn] = struct{}{}
	initial := s.current
	s.mu.Unlock()

	if data, err := json.Marshal(initial); err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}

	go s.drainClient(conn)
}

// drainClient reads (and discards) incoming frames so the underlying
// connection's read deadline and control-frame handling stay serviced,
// until the client disconnects.
func (s *Server) drainClient(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Serve runs the admin HTTP server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
