// Package gateway binds client WebSocket events to the delivery and presence
// services. Each event type has exactly one handler, registered once on the
// dispatcher for the lifetime of the process.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whisper/dmchat/internal/chat"
	"github.com/whisper/dmchat/internal/delivery"
	"github.com/whisper/dmchat/internal/metrics"
	"github.com/whisper/dmchat/internal/presence"
	"github.com/whisper/dmchat/internal/protocol"
	"github.com/whisper/dmchat/internal/ratelimit"
	"github.com/whisper/dmchat/internal/ws"
)

// handlerTimeout bounds the store and presence calls of one event.
const handlerTimeout = 5 * time.Second

// Gateway holds the services every handler needs.
type Gateway struct {
	delivery *delivery.Service
	presence *presence.Service
	push     delivery.Pusher
	limiter  ratelimit.Checker
}

// New creates a Gateway. limiter may be nil to disable throttling.
func New(d *delivery.Service, p *presence.Service, push delivery.Pusher, limiter ratelimit.Checker) *Gateway {
	return &Gateway{delivery: d, presence: p, push: push, limiter: limiter}
}

// Register installs every event handler on the dispatcher.
func (g *Gateway) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeJoin, g.handleJoin)
	d.Register(protocol.TypeUserOnline, g.handleUserOnline)
	d.Register(protocol.TypeUserOffline, g.handleUserOffline)
	d.Register(protocol.TypeSendMessage, g.handleSendMessage)
	d.Register(protocol.TypeMarkAsRead, g.handleMarkAsRead)
	d.Register(protocol.TypeTyping, g.handleTyping)
	d.Register(protocol.TypeStopTyping, g.handleTyping)
	d.Register(protocol.TypeMessageDeleted, g.handleMessageDeleted)
	d.Register(protocol.TypeEditMessage, g.handleEditMessage)
	d.Register(protocol.TypeAddReaction, g.handleReaction)
	d.Register(protocol.TypeRemoveReaction, g.handleReaction)
}

// OnConnect registers a freshly authenticated connection with presence.
func (g *Gateway) OnConnect(conn *ws.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	if err := g.presence.Connect(ctx, conn.UserID, conn.ID); err != nil {
		log.Error().Err(err).Str("conn", conn.ID).Msg("[gateway] presence connect failed")
	}
}

// OnDisconnect releases the connection's presence handle.
func (g *Gateway) OnDisconnect(conn *ws.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	if err := g.presence.Disconnect(ctx, conn.ID); err != nil {
		log.Error().Err(err).Str("conn", conn.ID).Msg("[gateway] presence disconnect failed")
	}
}

// OnHeartbeat keeps the connection's presence handle alive.
func (g *Gateway) OnHeartbeat(conn *ws.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	g.presence.Touch(ctx, conn.UserID, conn.ID)
}

func (g *Gateway) handleJoin(conn *ws.Connection, msg any) {
	m, ok := msg.(protocol.JoinMsg)
	if !ok {
		return
	}
	g.announce(conn, m.UserID)
}

func (g *Gateway) handleUserOnline(conn *ws.Connection, msg any) {
	m, ok := msg.(protocol.PresenceMsg)
	if !ok {
		return
	}
	g.announce(conn, m.UserID)
}

// announce re-registers the connection's presence handle. A connection can
// only speak for the user it authenticated as.
func (g *Gateway) announce(conn *ws.Connection, userID string) {
	if userID != "" && userID != conn.UserID {
		ws.SendError(conn, protocol.CodeForbidden, "cannot announce presence for another user")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	if err := g.presence.Connect(ctx, conn.UserID, conn.ID); err != nil {
		log.Error().Err(err).Str("conn", conn.ID).Msg("[gateway] presence connect failed")
		ws.SendError(conn, protocol.CodeInternal, "presence unavailable")
	}
}

// handleUserOffline drops this connection's presence handle while leaving
// the socket open; the client can come back with userOnline.
func (g *Gateway) handleUserOffline(conn *ws.Connection, msg any) {
	m, ok := msg.(protocol.PresenceMsg)
	if !ok {
		return
	}
	if m.UserID != "" && m.UserID != conn.UserID {
		ws.SendError(conn, protocol.CodeForbidden, "cannot announce presence for another user")
		return
	}
	g.OnDisconnect(conn)
}

func (g *Gateway) handleSendMessage(conn *ws.Connection, msg any) {
	m, ok := msg.(protocol.SendMessageMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if !g.allow(ctx, conn, ratelimit.RuleSendMessage, protocol.TypeSendMessage) {
		g.messageError(conn, m.ClientTempID, protocol.CodeRateLimited, "sending too fast", int(ratelimit.RuleSendMessage.Window.Seconds()))
		return
	}

	_, err := g.delivery.Send(ctx, chat.SendRequest{
		SenderID:     conn.UserID,
		ReceiverID:   m.ReceiverID,
		Content:      m.Content,
		Attachment:   m.Attachment,
		ReplyTo:      m.ReplyTo,
		ClientTempID: m.ClientTempID,
	})
	if err == nil {
		return
	}
	if errors.Is(err, chat.ErrInvalidMessage) {
		g.messageError(conn, m.ClientTempID, protocol.CodeInvalidMessage, err.Error(), 0)
		return
	}
	g.messageError(conn, m.ClientTempID, protocol.CodePersistFailed, "message could not be saved", 0)
}

// messageError tells the originating connection its send failed, so the
// client can flip the optimistic placeholder to failed.
func (g *Gateway) messageError(conn *ws.Connection, tempID, code, text string, retryAfter int) {
	data, err := protocol.NewServerMessage(protocol.TypeMessageError, protocol.MessageErrorMsg{
		ClientTempID: tempID,
		Code:         code,
		Message:      text,
		Status:       chat.StatusFailed,
		RetryAfter:   retryAfter,
	})
	if err != nil {
		log.Error().Err(err).Msg("[gateway] build messageError failed")
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Debug().Err(err).Str("conn", conn.ID).Msg("[gateway] send messageError failed")
	}
}

func (g *Gateway) handleMarkAsRead(conn *ws.Connection, msg any) {
	m, ok := msg.(protocol.MarkAsReadMsg)
	if !ok || m.SenderID == "" {
		ws.SendError(conn, protocol.CodeInvalidMessage, "senderId is required")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	if _, err := g.delivery.MarkRead(ctx, m.SenderID, conn.UserID); err != nil {
		log.Error().Err(err).Str("user", conn.UserID).Msg("[gateway] mark read failed")
		ws.SendError(conn, protocol.CodeInternal, "could not mark messages read")
	}
}

// handleTyping relays typing and stopTyping to the receiver. Nothing is
// persisted.
func (g *Gateway) handleTyping(conn *ws.Connection, msg any) {
	m, ok := msg.(protocol.TypingMsg)
	if !ok || m.ReceiverID == "" || m.ReceiverID == conn.UserID {
		return
	}
	msgType := protocol.TypeStopTyping
	if m.Type == protocol.TypeTyping {
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		allowed := g.allow(ctx, conn, ratelimit.RuleTyping, protocol.TypeTyping)
		cancel()
		if !allowed {
			return
		}
		msgType = protocol.TypeTyping
	}
	data, err := protocol.NewServerMessage(msgType, protocol.ServerTypingMsg{SenderID: conn.UserID})
	if err != nil {
		log.Error().Err(err).Msg("[gateway] build typing failed")
		return
	}
	g.push.PushToUser(m.ReceiverID, data)
}

func (g *Gateway) handleMessageDeleted(conn *ws.Connection, msg any) {
	m, ok := msg.(protocol.MessageRefMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	if _, err := g.delivery.Delete(ctx, conn.UserID, m.MessageID); err != nil {
		g.replyError(conn, "delete", err)
	}
}

func (g *Gateway) handleEditMessage(conn *ws.Connection, msg any) {
	m, ok := msg.(protocol.EditMessageMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	if _, err := g.delivery.Edit(ctx, conn.UserID, m.MessageID, m.Content); err != nil {
		g.replyError(conn, "edit", err)
	}
}

func (g *Gateway) handleReaction(conn *ws.Connection, msg any) {
	m, ok := msg.(protocol.ReactionMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	var err error
	if m.Type == protocol.TypeRemoveReaction {
		_, err = g.delivery.RemoveReaction(ctx, conn.UserID, m.MessageID, m.Emoji)
	} else {
		_, err = g.delivery.AddReaction(ctx, conn.UserID, m.MessageID, m.Emoji)
	}
	if err != nil {
		g.replyError(conn, m.Type, err)
	}
}

// allow applies a rate rule to the connection's user and tells the client
// when it tripped.
func (g *Gateway) allow(ctx context.Context, conn *ws.Connection, rule ratelimit.Rule, event string) bool {
	if g.limiter == nil {
		return true
	}
	ok, _ := g.limiter.Allow(ctx, conn.UserID, rule)
	if ok {
		return true
	}
	metrics.RateLimited.WithLabelValues(event).Inc()
	data, err := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
		Event:      event,
		RetryAfter: int(rule.Window.Seconds()),
	})
	if err == nil {
		_ = conn.WriteMessage(data)
	}
	return false
}

func (g *Gateway) replyError(conn *ws.Connection, op string, err error) {
	code := CodeFor(err)
	if code == protocol.CodeInternal {
		log.Error().Err(err).Str("conn", conn.ID).Str("op", op).Msg("[gateway] request failed")
		ws.SendError(conn, code, op+" failed")
		return
	}
	ws.SendError(conn, code, err.Error())
}

// CodeFor maps a service error to the wire error code.
func CodeFor(err error) string {
	switch {
	case errors.Is(err, chat.ErrInvalidMessage):
		return protocol.CodeInvalidMessage
	case errors.Is(err, chat.ErrForbidden):
		return protocol.CodeForbidden
	case errors.Is(err, chat.ErrNotFound):
		return protocol.CodeNotFound
	}
	return protocol.CodeInternal
}
