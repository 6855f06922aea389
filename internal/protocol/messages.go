// Package protocol defines the WebSocket events exchanged between chat
// clients and the server. Every frame is a JSON object whose "type" field
// names the event; the remaining fields depend on the type.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/whisper/dmchat/internal/chat"
)

// ---------------------------------------------------------------------------
// Event names
// ---------------------------------------------------------------------------

// Client -> Server events.
const (
	TypeJoin           = "join"
	TypeUserOnline     = "userOnline"
	TypeUserOffline    = "userOffline"
	TypeSendMessage    = "sendMessage"
	TypeMarkAsRead     = "markAsRead"
	TypeTyping         = "typing"
	TypeStopTyping     = "stopTyping"
	TypeMessageDeleted = "messageDeleted"
	TypeEditMessage    = "editMessage"
	TypeAddReaction    = "addReaction"
	TypeRemoveReaction = "removeReaction"
	TypePing           = "ping"
)

// Server -> Client events. typing and stopTyping are relayed under the same
// names they arrive with.
const (
	TypeConnected         = "connected"
	TypeUserStatusChanged = "userStatusChanged"
	TypeReceiveMessage    = "receiveMessage"
	TypeMessageSent       = "messageSent"
	TypeMessageDelivered  = "messageDelivered"
	TypeMessagesSeen      = "messagesSeen"
	TypeMessageError      = "messageError"
	TypeMessageRemoved    = "messageRemoved"
	TypeMessageEdited     = "messageEdited"
	TypeUpdateReactions   = "updateReactions"
	TypeRateLimited       = "rateLimited"
	TypeError             = "error"
	TypePong              = "pong"
)

// Error codes carried by messageError and error events.
const (
	CodeInvalidMessage  = "invalid_message"
	CodePersistFailed   = "persist_failed"
	CodeForbidden       = "forbidden"
	CodeNotFound        = "not_found"
	CodeUnsupportedType = "unsupported_type"
	CodeParseError      = "parse_error"
	CodeRateLimited     = "rate_limited"
	CodeInternal        = "internal_error"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// JoinMsg binds the connection to the user's addressable group. UserID must
// match the authenticated identity.
type JoinMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// PresenceMsg is the payload of userOnline and userOffline.
type PresenceMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// SendMessageMsg is a send intent. ClientTempID is the sender's local
// placeholder id and is echoed back on messageSent or messageError.
type SendMessageMsg struct {
	Type         string           `json:"type"`
	ReceiverID   string           `json:"receiverId"`
	Content      string           `json:"content"`
	Attachment   *chat.Attachment `json:"attachment,omitempty"`
	ReplyTo      string           `json:"replyTo,omitempty"`
	ClientTempID string           `json:"clientTempId,omitempty"`
}

// MarkAsReadMsg acknowledges every message SenderID sent to the
// connection's user.
type MarkAsReadMsg struct {
	Type     string `json:"type"`
	SenderID string `json:"senderId"`
}

// TypingMsg is the payload of typing and stopTyping.
type TypingMsg struct {
	Type       string `json:"type"`
	ReceiverID string `json:"receiverId"`
}

// MessageRefMsg names a single message. Used by messageDeleted.
type MessageRefMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
}

type EditMessageMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

// ReactionMsg is the payload of addReaction and removeReaction.
type ReactionMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

// PingMsg is a client-initiated keepalive.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// ConnectedMsg is the first frame on every authenticated connection.
type ConnectedMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

// UserStatusChangedMsg announces a presence transition.
type UserStatusChangedMsg struct {
	Type     string    `json:"type"`
	UserID   string    `json:"userId"`
	IsOnline bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen"`
}

// MessageMsg carries an authoritative message record. It is the payload of
// receiveMessage, messageSent and messageEdited; ClientTempID is only set on
// messageSent.
type MessageMsg struct {
	Type         string       `json:"type"`
	Message      chat.Message `json:"message"`
	ClientTempID string       `json:"clientTempId,omitempty"`
}

// MessageDeliveredMsg tells the sender that a message reached a live
// connection of its receiver.
type MessageDeliveredMsg struct {
	Type       string `json:"type"`
	MessageID  string `json:"messageId"`
	ReceiverID string `json:"receiverId"`
}

// MessagesSeenMsg tells the sender that ReaderID has read MessageIDs.
type MessagesSeenMsg struct {
	Type       string   `json:"type"`
	ReaderID   string   `json:"readerId"`
	MessageIDs []string `json:"messageIds"`
}

// MessageErrorMsg reports a failed send to the originating connection.
type MessageErrorMsg struct {
	Type         string      `json:"type"`
	ClientTempID string      `json:"clientTempId,omitempty"`
	Code         string      `json:"code"`
	Message      string      `json:"message"`
	Status       chat.Status `json:"status"`
	RetryAfter   int         `json:"retryAfter,omitempty"` // seconds, set for rate_limited
}

// ServerTypingMsg relays a typing or stopTyping signal to the receiver.
type ServerTypingMsg struct {
	Type     string `json:"type"`
	SenderID string `json:"senderId"`
}

// MessageRemovedMsg tells both participants that a message was deleted.
type MessageRemovedMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
}

// UpdateReactionsMsg carries the full reaction set of a message.
type UpdateReactionsMsg struct {
	Type      string          `json:"type"`
	MessageID string          `json:"messageId"`
	Reactions []chat.Reaction `json:"reactions"`
}

// RateLimitedMsg is sent when the client exceeded an event rate.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	Event      string `json:"event"`
	RetryAfter int    `json:"retryAfter"`
}

// ErrorMsg communicates a non-send error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Parsing and encoding
// ---------------------------------------------------------------------------

// UnknownTypeError is returned by the parse functions for events that are
// not valid in that direction.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("protocol: unknown message type: %q", e.Type)
}

// decode unmarshals env.Raw into a fresh T and returns it by value.
func decode[T any](env Envelope) (any, error) {
	var m T
	if err := json.Unmarshal(env.Raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

var clientDecoders = map[string]func(Envelope) (any, error){
	TypeJoin:           decode[JoinMsg],
	TypeUserOnline:     decode[PresenceMsg],
	TypeUserOffline:    decode[PresenceMsg],
	TypeSendMessage:    decode[SendMessageMsg],
	TypeMarkAsRead:     decode[MarkAsReadMsg],
	TypeTyping:         decode[TypingMsg],
	TypeStopTyping:     decode[TypingMsg],
	TypeMessageDeleted: decode[MessageRefMsg],
	TypeEditMessage:    decode[EditMessageMsg],
	TypeAddReaction:    decode[ReactionMsg],
	TypeRemoveReaction: decode[ReactionMsg],
	TypePing:           decode[PingMsg],
}

var serverDecoders = map[string]func(Envelope) (any, error){
	TypeConnected:         decode[ConnectedMsg],
	TypeUserStatusChanged: decode[UserStatusChangedMsg],
	TypeReceiveMessage:    decode[MessageMsg],
	TypeMessageSent:       decode[MessageMsg],
	TypeMessageEdited:     decode[MessageMsg],
	TypeMessageDelivered:  decode[MessageDeliveredMsg],
	TypeMessagesSeen:      decode[MessagesSeenMsg],
	TypeMessageError:      decode[MessageErrorMsg],
	TypeTyping:            decode[ServerTypingMsg],
	TypeStopTyping:        decode[ServerTypingMsg],
	TypeMessageRemoved:    decode[MessageRemovedMsg],
	TypeUpdateReactions:   decode[UpdateReactionsMsg],
	TypeRateLimited:       decode[RateLimitedMsg],
	TypeError:             decode[ErrorMsg],
	TypePong:              decode[PongMsg],
}

func parse(data []byte, decoders map[string]func(Envelope) (any, error)) (string, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}
	dec, ok := decoders[env.Type]
	if !ok {
		return env.Type, nil, &UnknownTypeError{Type: env.Type}
	}
	msg, err := dec(env)
	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// ParseClientMessage parses raw WebSocket bytes into a typed client event.
// It returns the event type, the decoded struct, and any error encountered
// during parsing. Unknown and server-only types yield *UnknownTypeError.
func ParseClientMessage(data []byte) (string, any, error) {
	return parse(data, clientDecoders)
}

// ParseServerMessage is the client-side counterpart of ParseClientMessage.
func ParseServerMessage(data []byte) (string, any, error) {
	return parse(data, serverDecoders)
}

// NewServerMessage marshals payload and injects msgType under the "type"
// key, so callers never have to fill the Type field themselves.
func NewServerMessage(msgType string, payload any) ([]byte, error) {
	return encode(msgType, payload)
}

// NewClientMessage is NewServerMessage for client events.
func NewClientMessage(msgType string, payload any) ([]byte, error) {
	return encode(msgType, payload)
}

func encode(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]json.RawMessage, 1)
	}

	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	return out, nil
}
