package ws

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat begins a background goroutine that periodically sends
// WebSocket ping frames to all connections and removes those that have gone
// stale (no frame read within Interval + Timeout). It returns immediately;
// the goroutine exits when the server's done channel is closed.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config, time.Now())
			}
		}
	}()
}

// checkConnections removes connections idle past the deadline through the
// same path as a client close, and pings the rest. Browsers answer the ping
// frame with a pong automatically.
func checkConnections(server *Server, config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout

	for _, c := range server.Connections().All() {
		idle := now.Sub(c.LastActive())
		if idle > deadline {
			log.Info().Str("conn", c.ID).Str("user", c.UserID).Dur("idle", idle.Round(time.Second)).Msg("ws: heartbeat timeout")
			server.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			log.Debug().Err(err).Str("conn", c.ID).Msg("ws: heartbeat ping failed")
			server.RemoveConnection(c)
			continue
		}

		server.refreshSession(c)
		if server.onHeartbeat != nil {
			server.onHeartbeat(c)
		}
	}
}

// refreshSession keeps the connection record alive for as long as the
// connection passes heartbeats.
func (s *Server) refreshSession(c *Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.sessions.RefreshTTL(ctx, c.ID, c.UserID); err != nil {
		log.Warn().Err(err).Str("conn", c.ID).Msg("ws: failed to refresh session record")
	}
}
