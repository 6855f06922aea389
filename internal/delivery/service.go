// Package delivery implements the message lifecycle: creation, the sent to
// delivered to read transitions, edits, reactions and deletion, and the
// fan-out event each step produces for the participants.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whisper/dmchat/internal/chat"
	"github.com/whisper/dmchat/internal/metrics"
	"github.com/whisper/dmchat/internal/protocol"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
)

// Pusher writes a frame to every live connection of a user, wherever that
// connection lives. It reports whether the frame reached at least one
// connection or was handed to the cross-process relay.
type Pusher interface {
	PushToUser(userID string, data []byte) bool
}

// Presence answers reachability questions.
type Presence interface {
	IsOnline(ctx context.Context, userID string) bool
}

// Service is the delivery state machine. It is safe for concurrent use; all
// status changes are conditional updates evaluated by the store.
type Service struct {
	messages chat.MessageStore
	users    chat.UserStore
	presence Presence
	push     Pusher
	now      func() time.Time
}

// NewService wires the state machine to its stores, presence and pusher.
func NewService(messages chat.MessageStore, users chat.UserStore, presence Presence, push Pusher) *Service {
	return &Service{
		messages: messages,
		users:    users,
		presence: presence,
		push:     push,
		now:      time.Now,
	}
}

// Send validates and persists a send intent, then fans it out. The sender's
// connections receive messageSent. When the receiver is online the message
// is marked delivered first, so receiveMessage carries the stored status,
// and the sender gets exactly one messageDelivered.
//
// Errors wrapping chat.ErrInvalidMessage are validation failures; any other
// error means the message could not be persisted.
func (s *Service) Send(ctx context.Context, req chat.SendRequest) (*chat.Message, error) {
	start := s.now()

	if err := s.validateSend(ctx, req); err != nil {
		metrics.MessagesTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	m := &chat.Message{
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		Content:    req.Content,
		Attachment: req.Attachment,
		ReplyTo:    req.ReplyTo,
	}
	if err := s.messages.Create(ctx, m); err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		log.Error().Err(err).Str("user", req.SenderID).Str("temp", req.ClientTempID).Msg("[delivery] persist failed")
		return nil, fmt.Errorf("delivery: send: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues("created").Inc()
	metrics.StatusTransitions.WithLabelValues(string(chat.StatusSent)).Inc()

	s.pushEvent(req.SenderID, protocol.TypeMessageSent, protocol.MessageMsg{
		Message:      *m,
		ClientTempID: req.ClientTempID,
	})

	// The receiver only sees delivered once the store says so; if the
	// update fails the push carries sent and DeliverPending retries later.
	delivered := false
	if s.presence.IsOnline(ctx, m.ReceiverID) {
		delivered = s.persistDelivered(ctx, m)
	}
	pushed := s.pushEvent(m.ReceiverID, protocol.TypeReceiveMessage, protocol.MessageMsg{Message: *m})

	if delivered {
		if pushed {
			metrics.DeliveryLatency.Observe(s.now().Sub(start).Seconds())
		}
		s.notifyDelivered(m)
	}
	return m, nil
}

func (s *Service) validateSend(ctx context.Context, req chat.SendRequest) error {
	if err := chat.ValidateSend(req); err != nil {
		return err
	}
	if _, err := s.users.GetUser(ctx, req.SenderID); err != nil {
		return userError("sender", err)
	}
	if _, err := s.users.GetUser(ctx, req.ReceiverID); err != nil {
		return userError("receiver", err)
	}
	if req.ReplyTo == "" {
		return nil
	}

	parent, err := s.messages.Get(ctx, req.ReplyTo)
	if errors.Is(err, chat.ErrNotFound) {
		return fmt.Errorf("%w: reply-to message does not exist", chat.ErrInvalidMessage)
	}
	if err != nil {
		return fmt.Errorf("delivery: reply-to lookup: %w", err)
	}
	probe := chat.Message{SenderID: req.SenderID, ReceiverID: req.ReceiverID}
	if parent.Deleted() || !chat.SameConversation(parent, &probe) {
		return fmt.Errorf("%w: reply-to message is not in this conversation", chat.ErrInvalidMessage)
	}
	return nil
}

func userError(role string, err error) error {
	if errors.Is(err, chat.ErrNotFound) {
		return fmt.Errorf("%w: unknown %s", chat.ErrInvalidMessage, role)
	}
	return fmt.Errorf("delivery: %s lookup: %w", role, err)
}

// markDelivered persists the delivered status and, only when the row
// changed, notifies the sender.
func (s *Service) markDelivered(ctx context.Context, m *chat.Message) bool {
	if !s.persistDelivered(ctx, m) {
		return false
	}
	s.notifyDelivered(m)
	return true
}

// persistDelivered conditionally moves m from sent to delivered and
// reports whether the row changed.
func (s *Service) persistDelivered(ctx context.Context, m *chat.Message) bool {
	changed, err := s.messages.MarkDelivered(ctx, m.ID)
	if err != nil {
		log.Warn().Err(err).Str("message", m.ID).Msg("[delivery] mark delivered failed")
		return false
	}
	if !changed {
		return false
	}
	m.Status = chat.StatusDelivered
	metrics.StatusTransitions.WithLabelValues(string(chat.StatusDelivered)).Inc()
	return true
}

func (s *Service) notifyDelivered(m *chat.Message) {
	s.pushEvent(m.SenderID, protocol.TypeMessageDelivered, protocol.MessageDeliveredMsg{
		MessageID:  m.ID,
		ReceiverID: m.ReceiverID,
	})
}

// DeliverPending flips every message still waiting for userID to delivered.
// It runs when the user comes online.
func (s *Service) DeliverPending(ctx context.Context, userID string) (int, error) {
	pending, err := s.messages.Undelivered(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("delivery: pending: %w", err)
	}
	n := 0
	for i := range pending {
		if s.markDelivered(ctx, &pending[i]) {
			n++
		}
	}
	if n > 0 {
		log.Debug().Str("user", userID).Int("count", n).Msg("[delivery] pending messages delivered")
	}
	return n, nil
}

// MarkRead marks every unread message senderID sent to readerID as read and
// sends the sender one messagesSeen listing them. Replays change nothing
// and send nothing.
func (s *Service) MarkRead(ctx context.Context, senderID, readerID string) ([]string, error) {
	ids, err := s.messages.MarkRead(ctx, senderID, readerID)
	if err != nil {
		return nil, fmt.Errorf("delivery: mark read: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	metrics.StatusTransitions.WithLabelValues(string(chat.StatusRead)).Add(float64(len(ids)))
	s.pushEvent(senderID, protocol.TypeMessagesSeen, protocol.MessagesSeenMsg{
		ReaderID:   readerID,
		MessageIDs: ids,
	})
	return ids, nil
}

// History returns a page of the conversation between userID and
// counterpartID, oldest first, and marks the counterpart's messages read.
func (s *Service) History(ctx context.Context, userID, counterpartID, before string, limit int) ([]chat.Message, error) {
	if _, err := s.users.GetUser(ctx, counterpartID); err != nil {
		return nil, fmt.Errorf("delivery: history: %w", err)
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	limit = min(limit, MaxHistoryLimit)

	msgs, err := s.messages.History(ctx, userID, counterpartID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("delivery: history: %w", err)
	}

	read, err := s.MarkRead(ctx, counterpartID, userID)
	if err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("[delivery] mark read after history failed")
		return msgs, nil
	}
	if len(read) > 0 {
		changed := make(map[string]struct{}, len(read))
		for _, id := range read {
			changed[id] = struct{}{}
		}
		for i := range msgs {
			if _, ok := changed[msgs[i].ID]; ok {
				msgs[i].Status = chat.StatusRead
			}
		}
	}
	return msgs, nil
}

// Conversations lists every other user with the last message exchanged and
// the unread count. Online flags come from the live tracker.
func (s *Service) Conversations(ctx context.Context, userID string) ([]chat.ConversationSummary, error) {
	list, err := s.users.Conversations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("delivery: conversations: %w", err)
	}
	for i := range list {
		list[i].User.Online = s.presence.IsOnline(ctx, list[i].User.ID)
	}
	return list, nil
}

// Edit replaces the body of a message owned by userID and notifies both
// participants.
func (s *Service) Edit(ctx context.Context, userID, messageID, content string) (*chat.Message, error) {
	if err := chat.ValidateContent(content); err != nil {
		return nil, err
	}
	m, err := s.messages.Edit(ctx, messageID, userID, content)
	if err != nil {
		return nil, fmt.Errorf("delivery: edit: %w", err)
	}
	s.pushBoth(m, protocol.TypeMessageEdited, protocol.MessageMsg{Message: *m})
	return m, nil
}

// Delete tombstones a message owned by userID and notifies both
// participants.
func (s *Service) Delete(ctx context.Context, userID, messageID string) (*chat.Message, error) {
	m, err := s.messages.Delete(ctx, messageID, userID)
	if err != nil {
		return nil, fmt.Errorf("delivery: delete: %w", err)
	}
	s.pushBoth(m, protocol.TypeMessageRemoved, protocol.MessageRemovedMsg{MessageID: m.ID})
	return m, nil
}

// AddReaction adds userID's emoji reaction and sends the updated set to
// both participants.
func (s *Service) AddReaction(ctx context.Context, userID, messageID, emoji string) (*chat.Message, error) {
	if err := chat.ValidateEmoji(emoji); err != nil {
		return nil, err
	}
	m, err := s.messages.AddReaction(ctx, messageID, userID, emoji)
	if err != nil {
		return nil, fmt.Errorf("delivery: add reaction: %w", err)
	}
	s.pushReactions(m)
	return m, nil
}

// RemoveReaction is the inverse of AddReaction.
func (s *Service) RemoveReaction(ctx context.Context, userID, messageID, emoji string) (*chat.Message, error) {
	m, err := s.messages.RemoveReaction(ctx, messageID, userID, emoji)
	if err != nil {
		return nil, fmt.Errorf("delivery: remove reaction: %w", err)
	}
	s.pushReactions(m)
	return m, nil
}

func (s *Service) pushReactions(m *chat.Message) {
	reactions := m.Reactions
	if reactions == nil {
		reactions = []chat.Reaction{}
	}
	s.pushBoth(m, protocol.TypeUpdateReactions, protocol.UpdateReactionsMsg{
		MessageID: m.ID,
		Reactions: reactions,
	})
}

func (s *Service) pushBoth(m *chat.Message, msgType string, payload any) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Error().Err(err).Str("type", msgType).Msg("[delivery] encode failed")
		return
	}
	s.push.PushToUser(m.SenderID, data)
	s.push.PushToUser(m.ReceiverID, data)
}

func (s *Service) pushEvent(userID, msgType string, payload any) bool {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Error().Err(err).Str("type", msgType).Msg("[delivery] encode failed")
		return false
	}
	return s.push.PushToUser(userID, data)
}
