package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog/log"

	"github.com/whisper/dmchat/internal/protocol"
)

// ErrNotConnected is returned by Send while the channel is down.
var ErrNotConnected = errors.New("client: not connected")

// ChannelConfig holds the transport settings of a Channel.
type ChannelConfig struct {
	URL          string // ws:// or wss:// endpoint
	Token        string // bearer credential
	UserID       string // announced with join and userOnline
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// DefaultChannelConfig returns the reconnect and keepalive defaults.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		BaseDelay:    1 * time.Second,
		MaxDelay:     5 * time.Second,
		PingInterval: 25 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// Listener receives channel lifecycle events and server frames. Calls are
// made from the channel's goroutine, one at a time.
type Listener interface {
	OnConnect()
	OnDisconnect(err error)
	OnFrame(msgType string, payload any)
}

// Channel is a WebSocket connection that reconnects forever with capped,
// jittered exponential backoff. After every successful dial it announces
// join and userOnline before handing control to the listener.
type Channel struct {
	config   ChannelConfig
	listener Listener

	mu   sync.Mutex // guards conn and serialises frame writes
	conn net.Conn
}

// NewChannel creates a Channel. Call Run to start connecting.
func NewChannel(config ChannelConfig, listener Listener) *Channel {
	def := DefaultChannelConfig()
	if config.BaseDelay <= 0 {
		config.BaseDelay = def.BaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	return &Channel{config: config, listener: listener}
}

// Run connects, reads until the connection drops, and reconnects until ctx
// is cancelled.
func (c *Channel) Run(ctx context.Context) error {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.config.BaseDelay,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         c.config.MaxDelay,
	}
	b.Reset()

	for {
		conn, err := c.dial(ctx)
		if err == nil {
			b.Reset()
			err = c.serve(ctx, conn)
			c.listener.OnDisconnect(err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := min(b.NextBackOff(), c.config.MaxDelay)
		log.Debug().Err(err).Dur("retry_in", wait).Msg("[client] connection down")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Channel) dial(ctx context.Context) (net.Conn, error) {
	dialer := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(http.Header{
			"Authorization": []string{"Bearer " + c.config.Token},
		}),
		Timeout: 10 * time.Second,
	}
	conn, br, _, err := dialer.Dial(ctx, c.config.URL)
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}
	if br != nil {
		// The server may have written its first frame together with the
		// handshake response.
		conn = &bufferedConn{Conn: conn, r: io.MultiReader(br, conn)}
	}
	return conn, nil
}

// bufferedConn replays bytes the dialer read past the handshake. The
// buffer is not returned to the gobwas pool since the read loop may still
// hold it when the connection is closed.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// serve runs one connection: announce, notify the listener, keep it alive,
// and read frames until it fails.
func (c *Channel) serve(ctx context.Context, conn net.Conn) error {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	connCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	join := protocol.JoinMsg{UserID: c.config.UserID}
	if err := c.Send(protocol.TypeJoin, join); err != nil {
		return err
	}
	if err := c.Send(protocol.TypeUserOnline, protocol.PresenceMsg{UserID: c.config.UserID}); err != nil {
		return err
	}
	c.listener.OnConnect()

	if c.config.PingInterval > 0 {
		go c.keepalive(connCtx)
	}
	return c.readLoop(conn)
}

func (c *Channel) keepalive(ctx context.Context) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Send(protocol.TypePing, protocol.PingMsg{}); err != nil {
				return
			}
		}
	}
}

func (c *Channel) readLoop(conn net.Conn) error {
	rd := &wsutil.Reader{Source: conn, State: ws.StateClientSide, CheckUTF8: true}
	for {
		h, err := rd.NextFrame()
		if err != nil {
			return err
		}
		if h.OpCode.IsControl() {
			if err := c.control(conn, h, rd); err != nil {
				return err
			}
			continue
		}
		if h.OpCode != ws.OpText {
			if err := rd.Discard(); err != nil {
				return err
			}
			continue
		}
		data, err := io.ReadAll(rd)
		if err != nil {
			return err
		}

		msgType, payload, err := protocol.ParseServerMessage(data)
		if err != nil {
			log.Debug().Err(err).Msg("[client] dropping unparseable frame")
			continue
		}
		c.listener.OnFrame(msgType, payload)
	}
}

// control answers pings and ends the connection on close. Pongs are
// written under the same lock as data frames.
func (c *Channel) control(conn net.Conn, h ws.Header, rd io.Reader) error {
	payload, err := io.ReadAll(rd)
	if err != nil {
		return err
	}
	switch h.OpCode {
	case ws.OpClose:
		return io.EOF
	case ws.OpPing:
		c.mu.Lock()
		defer c.mu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
		return ws.WriteFrame(conn, ws.MaskFrameInPlace(ws.NewPongFrame(payload)))
	}
	return nil
}

// Connected reports whether a connection is currently open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send writes one client event. It returns ErrNotConnected when there is
// no open connection.
func (c *Channel) Send(msgType string, payload any) error {
	data, err := protocol.NewClientMessage(msgType, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		return fmt.Errorf("client: send %s: %w", msgType, err)
	}
	return nil
}
