package ws

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/whisper/dmchat/internal/metrics"
	"github.com/whisper/dmchat/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.SendMessageMsg, protocol.TypingMsg, etc.).
type MessageHandler func(conn *Connection, msg any)

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It answers the application-level ping itself and
// sends structured error responses for malformed or unsupported messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{handlers: make(map[string]MessageHandler)}
}

// Register associates a MessageHandler with a message type. Registering the
// same type twice is a wiring bug and panics.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	if _, dup := d.handlers[msgType]; dup {
		panic(fmt.Sprintf("ws: duplicate handler for %q", msgType))
	}
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message, handles ping internally, and routes all other types to
// the registered handler.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		var unknown *protocol.UnknownTypeError
		if errors.As(err, &unknown) {
			log.Debug().Str("conn", conn.ID).Str("type", unknown.Type).Msg("ws: unsupported message type")
			SendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
			return
		}
		log.Debug().Err(err).Str("conn", conn.ID).Msg("ws: dispatch parse error")
		SendError(conn, protocol.CodeParseError, "invalid message format")
		return
	}
	metrics.EventsTotal.WithLabelValues(msgType).Inc()

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Debug().Str("conn", conn.ID).Str("type", msgType).Msg("ws: no handler registered")
		SendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
		return
	}

	handler(conn, msg)
}

// SendError sends a structured error message back to the client. Errors
// during message construction or transmission are logged but not propagated.
func SendError(conn *Connection, code string, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Error().Err(err).Str("conn", conn.ID).Msg("ws: failed to build error message")
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Debug().Err(err).Str("conn", conn.ID).Msg("ws: failed to send error message")
	}
}

// sendPong responds to a client ping with a pong message.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.Touch()

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Error().Err(err).Str("conn", conn.ID).Msg("ws: failed to build pong message")
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Debug().Err(err).Str("conn", conn.ID).Msg("ws: failed to send pong message")
	}
}
