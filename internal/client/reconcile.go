// Package client is the client side of the direct-messaging channel: a
// reconnecting WebSocket transport, a durable outbox of unsent messages,
// and a Session that keeps a local view consistent with server pushes.
package client

import (
	"time"

	"github.com/whisper/dmchat/internal/chat"
)

// MatchWindow bounds how far apart an optimistic placeholder and a server
// record may be created and still be matched by content.
const MatchWindow = 30 * time.Second

// Kind tells an optimistic placeholder from a server-confirmed record.
type Kind int

const (
	KindOptimistic Kind = iota + 1
	KindConfirmed
)

func (k Kind) String() string {
	switch k {
	case KindOptimistic:
		return "optimistic"
	case KindConfirmed:
		return "confirmed"
	}
	return "unknown"
}

// LocalMessage is one entry of a client's local view. An optimistic entry
// is identified by TempID and has no Message.ID; a confirmed entry carries
// the server record and keeps the TempID it replaced, if any.
type LocalMessage struct {
	Kind    Kind
	TempID  string
	Message chat.Message
}

// Optimistic builds a placeholder for a message that has not been
// confirmed yet.
func Optimistic(tempID string, m chat.Message) LocalMessage {
	m.ID = ""
	if m.Status == "" {
		m.Status = chat.StatusSent
	}
	return LocalMessage{Kind: KindOptimistic, TempID: tempID, Message: m}
}

// Confirmed wraps a server record.
func Confirmed(m chat.Message) LocalMessage {
	return LocalMessage{Kind: KindConfirmed, Message: m}
}

// Key identifies the entry within a view.
func (l LocalMessage) Key() string {
	if l.Kind == KindConfirmed {
		return l.Message.ID
	}
	return "tmp:" + l.TempID
}

// Reconcile merges a server-confirmed message into view and returns the new
// view; view itself is not modified. A record whose id is already present
// is updated in place, so replaying the same echo is a no-op. Otherwise the
// record replaces the placeholder with the same temp id, or failing that
// the oldest placeholder with the same participants and body created
// within MatchWindow. Unmatched records are appended.
func Reconcile(view []LocalMessage, confirmed chat.Message, tempID string) []LocalMessage {
	out := make([]LocalMessage, len(view))
	copy(out, view)

	for i := range out {
		if out[i].Kind == KindConfirmed && out[i].Message.ID == confirmed.ID {
			out[i].Message = merge(out[i].Message, confirmed)
			return dropPlaceholder(out, tempID)
		}
	}

	if i := placeholderFor(out, confirmed, tempID); i >= 0 {
		out[i] = LocalMessage{Kind: KindConfirmed, TempID: out[i].TempID, Message: confirmed}
		return out
	}
	return append(out, LocalMessage{Kind: KindConfirmed, TempID: tempID, Message: confirmed})
}

func placeholderFor(view []LocalMessage, m chat.Message, tempID string) int {
	if tempID != "" {
		for i, l := range view {
			if l.Kind == KindOptimistic && l.TempID == tempID {
				return i
			}
		}
	}
	for i, l := range view {
		if l.Kind != KindOptimistic {
			continue
		}
		p := l.Message
		if p.SenderID != m.SenderID || p.ReceiverID != m.ReceiverID || p.Content != m.Content {
			continue
		}
		if d := m.CreatedAt.Sub(p.CreatedAt); d > MatchWindow || d < -MatchWindow {
			continue
		}
		return i
	}
	return -1
}

// dropPlaceholder removes a leftover placeholder for tempID.
func dropPlaceholder(view []LocalMessage, tempID string) []LocalMessage {
	if tempID == "" {
		return view
	}
	for i, l := range view {
		if l.Kind == KindOptimistic && l.TempID == tempID {
			return append(view[:i:i], view[i+1:]...)
		}
	}
	return view
}

// merge takes the newer record but never lets the status move backwards.
func merge(have, incoming chat.Message) chat.Message {
	status := have.Status.Advance(incoming.Status)
	incoming.Status = status
	return incoming
}

// ApplyStatus advances the status of a confirmed message. Stale or
// repeated updates leave the view unchanged.
func ApplyStatus(view []LocalMessage, messageID string, status chat.Status) []LocalMessage {
	out := make([]LocalMessage, len(view))
	copy(out, view)
	for i := range out {
		if out[i].Kind == KindConfirmed && out[i].Message.ID == messageID {
			out[i].Message.Status = out[i].Message.Status.Advance(status)
			break
		}
	}
	return out
}

// MarkFailed flips the placeholder for tempID to failed.
func MarkFailed(view []LocalMessage, tempID string) []LocalMessage {
	out := make([]LocalMessage, len(view))
	copy(out, view)
	for i := range out {
		if out[i].Kind == KindOptimistic && out[i].TempID == tempID {
			out[i].Message.Status = chat.StatusFailed
			break
		}
	}
	return out
}

// Remove drops a confirmed message from the view.
func Remove(view []LocalMessage, messageID string) []LocalMessage {
	out := make([]LocalMessage, 0, len(view))
	for _, l := range view {
		if l.Kind == KindConfirmed && l.Message.ID == messageID {
			continue
		}
		out = append(out, l)
	}
	return out
}
