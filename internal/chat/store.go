package chat

import (
	"context"
	"time"
)

// MessageStore persists messages. Every status mutation is a conditional
// update evaluated by the backend, never a read-modify-write, so concurrent
// handlers on different processes cannot regress a message's status.
type MessageStore interface {
	// Create assigns the permanent id, the creation timestamp and the initial
	// sent status, then persists m.
	Create(ctx context.Context, m *Message) error

	// Get returns a message by id, including tombstoned ones.
	Get(ctx context.Context, id string) (*Message, error)

	// MarkDelivered flips a sent message to delivered. It reports false when
	// the message was not in the sent state.
	MarkDelivered(ctx context.Context, id string) (bool, error)

	// MarkRead flips every non-read, non-deleted message from senderID to
	// receiverID to read and returns the ids that changed.
	MarkRead(ctx context.Context, senderID, receiverID string) ([]string, error)

	// Undelivered returns the non-deleted messages addressed to receiverID
	// that are still in the sent state, oldest first.
	Undelivered(ctx context.Context, receiverID string) ([]Message, error)

	// History returns up to limit non-deleted messages exchanged between
	// userID and counterpartID that were created strictly before the message
	// identified by before (or the newest ones when before is empty),
	// ordered oldest first.
	History(ctx context.Context, userID, counterpartID, before string, limit int) ([]Message, error)

	// Edit replaces the body of a message owned by senderID.
	Edit(ctx context.Context, id, senderID, content string) (*Message, error)

	// Delete tombstones a message owned by senderID.
	Delete(ctx context.Context, id, senderID string) (*Message, error)

	// AddReaction adds userID to the emoji's reaction set. Adding twice is a
	// no-op.
	AddReaction(ctx context.Context, id, userID, emoji string) (*Message, error)

	// RemoveReaction removes userID from the emoji's reaction set.
	RemoveReaction(ctx context.Context, id, userID, emoji string) (*Message, error)
}

// UserStore persists user records.
type UserStore interface {
	CreateUser(ctx context.Context, displayName string) (*User, error)
	GetUser(ctx context.Context, id string) (*User, error)
	FindUserByName(ctx context.Context, displayName string) (*User, error)

	// SetPresence records the online flag. lastSeen is stored only when the
	// user goes offline.
	SetPresence(ctx context.Context, id string, online bool, lastSeen time.Time) error

	// Conversations lists every other user with the last message exchanged
	// with userID and the number of unread messages they sent to userID.
	Conversations(ctx context.Context, userID string) ([]ConversationSummary, error)
}
