// Package chat holds the direct-messaging domain: users, messages, the
// message status lifecycle, validation rules and the storage contracts that
// the delivery core consumes.
package chat

import (
	"strings"
	"time"
)

// Status is the delivery state of a message.
type Status string

// Message statuses. A message moves forward along sent -> delivered -> read;
// failed is terminal and only reachable from sent.
const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// rank orders the non-failed statuses. Unknown statuses rank 0.
func (s Status) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s.rank() > 0 || s == StatusFailed
}

// CanTransition reports whether moving from s to next is a legal forward
// step. Repeating the current status, moving backwards, leaving failed, and
// failing anything other than a sent message are all rejected.
func (s Status) CanTransition(next Status) bool {
	if !s.Valid() || !next.Valid() || s == next {
		return false
	}
	if s == StatusFailed {
		return false
	}
	if next == StatusFailed {
		return s == StatusSent
	}
	return next.rank() > s.rank()
}

// Advance returns the status that results from applying next to s. Illegal
// transitions leave s unchanged, which makes replays and out-of-order
// notifications no-ops.
func (s Status) Advance(next Status) Status {
	if s.CanTransition(next) {
		return next
	}
	return s
}

// AttachmentKind classifies an uploaded file.
type AttachmentKind string

const (
	KindImage    AttachmentKind = "image"
	KindVideo    AttachmentKind = "video"
	KindAudio    AttachmentKind = "audio"
	KindDocument AttachmentKind = "document"
	KindOther    AttachmentKind = "other"
)

// KindFromMIME maps a MIME type reported by the object store to an
// attachment kind.
func KindFromMIME(mime string) AttachmentKind {
	mime = strings.ToLower(mime)
	switch {
	case strings.HasPrefix(mime, "image/"):
		return KindImage
	case strings.HasPrefix(mime, "video/"):
		return KindVideo
	case strings.HasPrefix(mime, "audio/"):
		return KindAudio
	case strings.Contains(mime, "pdf"),
		strings.Contains(mime, "document"),
		strings.Contains(mime, "text"),
		strings.Contains(mime, "sheet"),
		strings.Contains(mime, "presentation"):
		return KindDocument
	}
	return KindOther
}

// Attachment describes a file already uploaded to the object store. The
// core never touches the blob itself.
type Attachment struct {
	URL  string         `json:"url"`
	Kind AttachmentKind `json:"kind"`
	Name string         `json:"name"`
	Size int64          `json:"size"`
}

// Reaction is the set of users that reacted to a message with one emoji.
type Reaction struct {
	Emoji string   `json:"emoji"`
	Users []string `json:"users"`
}

// Message is a single direct message between exactly two users.
type Message struct {
	ID         string      `json:"id"`
	SenderID   string      `json:"senderId"`
	ReceiverID string      `json:"receiverId"`
	Content    string      `json:"content"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Status     Status      `json:"status"`
	ReplyTo    string      `json:"replyTo,omitempty"`
	Reactions  []Reaction  `json:"reactions,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
	EditedAt   *time.Time  `json:"editedAt,omitempty"`
	DeletedAt  *time.Time  `json:"deletedAt,omitempty"`
}

// Counterpart returns the other participant from userID's point of view, or
// an empty string when userID is not a participant.
func (m *Message) Counterpart(userID string) string {
	switch userID {
	case m.SenderID:
		return m.ReceiverID
	case m.ReceiverID:
		return m.SenderID
	}
	return ""
}

// IsParticipant reports whether userID is the sender or the receiver.
func (m *Message) IsParticipant(userID string) bool {
	return userID == m.SenderID || userID == m.ReceiverID
}

// Deleted reports whether the message has been tombstoned.
func (m *Message) Deleted() bool {
	return m.DeletedAt != nil
}

// SameConversation reports whether both messages are between the same pair
// of users, in either direction.
func SameConversation(a, b *Message) bool {
	return (a.SenderID == b.SenderID && a.ReceiverID == b.ReceiverID) ||
		(a.SenderID == b.ReceiverID && a.ReceiverID == b.SenderID)
}

// User is an account that can send and receive messages.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Online      bool      `json:"isOnline"`
	LastSeen    time.Time `json:"lastSeen"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ConversationSummary is one entry of a user's conversation list.
type ConversationSummary struct {
	User        User     `json:"user"`
	LastMessage *Message `json:"lastMessage,omitempty"`
	UnreadCount int      `json:"unreadCount"`
}
