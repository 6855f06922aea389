// Package ws handles WebSocket connection management, including
// authenticating and upgrading HTTP connections, tracking every user's live
// connections, and dispatching incoming frames to the appropriate handlers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/whisper/dmchat/internal/chat"
	"github.com/whisper/dmchat/internal/metrics"
	"github.com/whisper/dmchat/internal/protocol"
	"github.com/whisper/dmchat/internal/ratelimit"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr      string        // address to listen on, e.g. ":8080"
	Path            string        // upgrade endpoint
	WorkerPoolSize  int           // max concurrent read-worker goroutines
	MaxConnections  int           // hard cap on total connections
	MaxMessageBytes int64         // largest accepted client frame
	ReadTimeout     time.Duration // timeout for WebSocket read operations
	WriteTimeout    time.Duration // timeout for WebSocket write operations
	Heartbeat       HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:      ":8080",
		Path:            "/ws",
		WorkerPoolSize:  256,
		MaxConnections:  100000,
		MaxMessageBytes: 64 << 10,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		Heartbeat:       DefaultHeartbeatConfig(),
	}
}

// SessionStore authenticates upgrade requests and records live connections.
type SessionStore interface {
	Authenticate(ctx context.Context, token string) (string, error)
	Create(ctx context.Context, connID, userID string) error
	RefreshTTL(ctx context.Context, connID, userID string) error
	Delete(ctx context.Context, connID string) error
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// authenticates and upgrades HTTP connections, registers them with an epoll
// instance for I/O readiness notifications, and dispatches ready connections
// to a bounded worker pool for frame reading.
type Server struct {
	config       ServerConfig
	epoll        *poller
	conns        *ConnectionManager
	sessions     SessionStore
	limiter      ratelimit.Checker
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onConnect    func(conn *Connection)
	onDisconnect func(conn *Connection)
	onHeartbeat  func(conn *Connection)
	mux          *http.ServeMux
	httpServer   *http.Server
	done         chan struct{}
	stopOnce     sync.Once
	startedAt    time.Time
}

// NewServer creates a Server with the given configuration, session store and
// message callback. The onMessage function is called from a worker goroutine
// whenever a complete WebSocket text frame is received from a client.
func NewServer(config ServerConfig, sessions SessionStore, onMessage func(conn *Connection, data []byte)) (*Server, error) {
	ep, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	if config.Path == "" {
		config.Path = "/ws"
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}

	s := &Server{
		config:     config,
		epoll:      ep,
		conns:      NewConnectionManager(),
		sessions:   sessions,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		mux:        http.NewServeMux(),
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}
	s.mux.HandleFunc(config.Path, s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// SetOnConnect registers a callback run once a connection is registered and
// has received its connected frame.
func (s *Server) SetOnConnect(fn func(conn *Connection)) { s.onConnect = fn }

// SetOnDisconnect registers a callback invoked when a connection is removed
// (due to read error, heartbeat timeout, or graceful close). It is called
// before the session record is deleted.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) { s.onDisconnect = fn }

// SetOnHeartbeat registers a callback run for every connection that passes a
// heartbeat check.
func (s *Server) SetOnHeartbeat(fn func(conn *Connection)) { s.onHeartbeat = fn }

// SetConnectLimiter throttles upgrades per user.
func (s *Server) SetConnectLimiter(l ratelimit.Checker) { s.limiter = l }

// Handle mounts an additional HTTP handler next to the upgrade endpoint.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve starts the epoll event loop and the heartbeat monitor in the
// background and blocks serving HTTP on ln.
func (s *Server) Serve(ln net.Listener) error {
	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	log.Info().
		Str("addr", ln.Addr().String()).
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("ws: server listening")

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// BearerToken extracts the credential from the Authorization header, falling
// back to the token query parameter browsers must use for WebSocket upgrades.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return r.URL.Query().Get("token")
}

// handleUpgrade authenticates the request, upgrades it with the gobwas/ws
// zero-copy upgrader, and registers the connection with the manager and the
// epoll instance. Unauthenticated requests never reach the upgrade.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	userID, err := s.sessions.Authenticate(ctx, BearerToken(r))
	cancel()
	if errors.Is(err, chat.ErrUnauthenticated) {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("ws: authenticate failed")
		http.Error(w, "authentication unavailable", http.StatusServiceUnavailable)
		return
	}

	if s.limiter != nil {
		if ok, _ := s.limiter.Allow(r.Context(), userID, ratelimit.RuleConnect); !ok {
			metrics.RateLimited.WithLabelValues("connect").Inc()
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("ws: upgrade failed")
		return
	}

	c := NewConnection(uuid.NewString(), userID, conn, s.config.WriteTimeout)

	// connected is always the first frame a client sees.
	hello, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{
		ConnectionID: c.ID,
		UserID:       userID,
	})
	if err == nil {
		err = c.WriteMessage(hello)
	}
	if err != nil {
		log.Warn().Err(err).Str("conn", c.ID).Msg("ws: failed to send connected")
		conn.Close()
		return
	}

	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	sctx, scancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := s.sessions.Create(sctx, c.ID, userID); err != nil {
		log.Warn().Err(err).Str("conn", c.ID).Msg("ws: failed to create session record")
	}
	scancel()

	if s.onConnect != nil {
		s.onConnect(c)
	}

	if err := s.epoll.Add(conn); err != nil {
		log.Error().Err(err).Str("conn", c.ID).Msg("ws: epoll add failed")
		s.RemoveConnection(c)
		return
	}

	log.Info().Str("conn", c.ID).Str("user", userID).Int("fd", c.Fd).Int("total", s.conns.Count()).Msg("ws: new connection")
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Users       int    `json:"users"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Users:       len(s.conns.Users()),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if !isEINTR(err) {
				log.Error().Err(err).Msg("ws: epoll wait error")
			}
			continue
		}

		for _, conn := range conns {
			select {
			case s.workerPool <- struct{}{}:
			case <-s.done:
				return
			}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
				s.epoll.Resume(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails the
// connection is removed from epoll and the connection manager.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale dispatch).
		// The heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			s.RemoveConnection(c)
			return
		}
		switch header.OpCode {
		case ws.OpClose:
			s.RemoveConnection(c)
		case ws.OpPing:
			if err := c.WritePong(payload); err != nil {
				s.RemoveConnection(c)
			}
		}
		return
	}

	if s.config.MaxMessageBytes > 0 && header.Length > s.config.MaxMessageBytes {
		log.Warn().Str("conn", c.ID).Int64("len", header.Length).Msg("ws: frame too large")
		SendError(c, protocol.CodeInvalidMessage, "frame too large")
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from both epoll and the connection
// manager, and closes the underlying network connection. Every exit path
// (client close, read error, heartbeat timeout, shutdown) goes through here,
// so the disconnect callback runs exactly once per connection.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.sessions.Delete(ctx, c.ID); err != nil {
		log.Warn().Err(err).Str("conn", c.ID).Msg("ws: failed to delete session record")
	}

	log.Info().Str("conn", c.ID).Str("user", c.UserID).Int("total", s.conns.Count()).Msg("ws: connection closed")
}

// SendToUser writes data to every local connection of userID and returns the
// number of successful writes.
func (s *Server) SendToUser(userID string, data []byte) int {
	return s.conns.SendToUser(userID, data)
}

// Broadcast writes data to every local connection.
func (s *Server) Broadcast(data []byte) {
	s.conns.Broadcast(data)
}

// Connections returns the ConnectionManager for external access to
// connection state.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, signals the event loop to exit, removes
// every active connection, and closes the epoll instance.
func (s *Server) Shutdown() error {
	log.Info().Msg("ws: shutting down server...")

	s.stopOnce.Do(func() { close(s.done) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("ws: http shutdown error")
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if err := s.epoll.Close(); err != nil {
		log.Warn().Err(err).Msg("ws: epoll close error")
	}

	log.Info().Msg("ws: server stopped, all connections closed")
	return nil
}
