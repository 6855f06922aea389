// Package store implements the user and message stores consumed by the
// delivery core: a PostgreSQL backend for deployments and an in-memory
// backend for single-process development and tests. Both honour the same
// conditional-update semantics.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/dmchat/internal/chat"
)

// Memory is a goroutine-safe in-memory implementation of chat.MessageStore
// and chat.UserStore. Each method holds the lock for its whole duration, so
// conditional updates are atomic exactly like their SQL counterparts.
type Memory struct {
	mu       sync.Mutex
	users    map[string]*chat.User
	names    map[string]string // lower-cased display name -> user id
	messages map[string]*chat.Message
	order    []string // message ids in creation order
	last     time.Time
	now      func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]*chat.User),
		names:    make(map[string]string),
		messages: make(map[string]*chat.Message),
		now:      time.Now,
	}
}

// clock returns a strictly increasing timestamp so that creation order is
// total even when the wall clock does not advance between two calls.
func (s *Memory) clock() time.Time {
	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

func (s *Memory) CreateUser(ctx context.Context, displayName string) (*chat.User, error) {
	if err := chat.ValidateDisplayName(displayName); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(displayName)

	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(name)
	if _, taken := s.names[key]; taken {
		return nil, fmt.Errorf("store: create user %q: %w", name, chat.ErrConflict)
	}
	now := s.clock()
	u := &chat.User{ID: uuid.NewString(), DisplayName: name, LastSeen: now, CreatedAt: now}
	s.users[u.ID] = u
	s.names[key] = u.ID

	out := *u
	return &out, nil
}

func (s *Memory) GetUser(ctx context.Context, id string) (*chat.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("store: user %s: %w", id, chat.ErrNotFound)
	}
	out := *u
	return &out, nil
}

func (s *Memory) FindUserByName(ctx context.Context, displayName string) (*chat.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.names[strings.ToLower(strings.TrimSpace(displayName))]
	if !ok {
		return nil, fmt.Errorf("store: user %q: %w", displayName, chat.ErrNotFound)
	}
	out := *s.users[id]
	return &out, nil
}

func (s *Memory) SetPresence(ctx context.Context, id string, online bool, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return fmt.Errorf("store: user %s: %w", id, chat.ErrNotFound)
	}
	u.Online = online
	if !online {
		u.LastSeen = lastSeen.UTC()
	}
	return nil
}

func (s *Memory) Conversations(ctx context.Context, userID string) ([]chat.ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return nil, fmt.Errorf("store: user %s: %w", userID, chat.ErrNotFound)
	}

	byUser := make(map[string]*chat.ConversationSummary)
	for id, u := range s.users {
		if id == userID {
			continue
		}
		byUser[id] = &chat.ConversationSummary{User: *u}
	}

	for _, id := range s.order {
		m := s.messages[id]
		if m.Deleted() || !m.IsParticipant(userID) {
			continue
		}
		sum, ok := byUser[m.Counterpart(userID)]
		if !ok {
			continue
		}
		sum.LastMessage = copyMessage(m)
		if m.ReceiverID == userID && m.Status != chat.StatusRead {
			sum.UnreadCount++
		}
	}

	out := make([]chat.ConversationSummary, 0, len(byUser))
	for _, sum := range byUser {
		out = append(out, *sum)
	}
	sortSummaries(out)
	return out, nil
}

// sortSummaries orders conversations by most recent activity, then by name.
func sortSummaries(out []chat.ConversationSummary) {
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastMessage, out[j].LastMessage
		switch {
		case a != nil && b != nil && !a.CreatedAt.Equal(b.CreatedAt):
			return a.CreatedAt.After(b.CreatedAt)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return out[i].User.DisplayName < out[j].User.DisplayName
	})
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

func (s *Memory) Create(ctx context.Context, m *chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[m.SenderID]; !ok {
		return fmt.Errorf("store: sender %s: %w", m.SenderID, chat.ErrNotFound)
	}
	if _, ok := s.users[m.ReceiverID]; !ok {
		return fmt.Errorf("store: receiver %s: %w", m.ReceiverID, chat.ErrNotFound)
	}

	m.ID = uuid.NewString()
	m.Status = chat.StatusSent
	m.CreatedAt = s.clock()
	m.EditedAt = nil
	m.DeletedAt = nil
	m.Reactions = nil

	s.messages[m.ID] = copyMessage(m)
	s.order = append(s.order, m.ID)
	return nil
}

func (s *Memory) Get(ctx context.Context, id string) (*chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("store: message %s: %w", id, chat.ErrNotFound)
	}
	return copyMessage(m), nil
}

func (s *Memory) MarkDelivered(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return false, fmt.Errorf("store: message %s: %w", id, chat.ErrNotFound)
	}
	if m.Status != chat.StatusSent || m.Deleted() {
		return false, nil
	}
	m.Status = chat.StatusDelivered
	return true, nil
}

func (s *Memory) MarkRead(ctx context.Context, senderID, receiverID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []string
	for _, id := range s.order {
		m := s.messages[id]
		if m.SenderID != senderID || m.ReceiverID != receiverID || m.Deleted() {
			continue
		}
		if m.Status.CanTransition(chat.StatusRead) {
			m.Status = chat.StatusRead
			changed = append(changed, id)
		}
	}
	return changed, nil
}

func (s *Memory) Undelivered(ctx context.Context, receiverID string) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []chat.Message
	for _, id := range s.order {
		m := s.messages[id]
		if m.ReceiverID == receiverID && m.Status == chat.StatusSent && !m.Deleted() {
			out = append(out, *copyMessage(m))
		}
	}
	return out, nil
}

func (s *Memory) History(ctx context.Context, userID, counterpartID, before string, limit int) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := len(s.order)
	if before != "" {
		cursor, ok := s.messages[before]
		if !ok {
			return nil, fmt.Errorf("store: cursor %s: %w", before, chat.ErrNotFound)
		}
		end = sort.Search(len(s.order), func(i int) bool {
			return !s.messages[s.order[i]].CreatedAt.Before(cursor.CreatedAt)
		})
	}

	var out []chat.Message
	for i := end - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		m := s.messages[s.order[i]]
		if m.Deleted() {
			continue
		}
		if (m.SenderID == userID && m.ReceiverID == counterpartID) ||
			(m.SenderID == counterpartID && m.ReceiverID == userID) {
			out = append(out, *copyMessage(m))
		}
	}

	// Collected newest first; callers expect oldest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// owned returns the live message id owned by senderID, or the error that
// explains why it cannot be mutated. Callers must hold s.mu.
func (s *Memory) owned(id, senderID string) (*chat.Message, error) {
	m, ok := s.messages[id]
	if !ok || m.Deleted() {
		return nil, fmt.Errorf("store: message %s: %w", id, chat.ErrNotFound)
	}
	if m.SenderID != senderID {
		return nil, fmt.Errorf("store: message %s: %w", id, chat.ErrForbidden)
	}
	return m, nil
}

func (s *Memory) Edit(ctx context.Context, id, senderID, content string) (*chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.owned(id, senderID)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	m.Content = content
	m.EditedAt = &now
	return copyMessage(m), nil
}

func (s *Memory) Delete(ctx context.Context, id, senderID string) (*chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.owned(id, senderID)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	m.DeletedAt = &now
	return copyMessage(m), nil
}

func (s *Memory) AddReaction(ctx context.Context, id, userID, emoji string) (*chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.reactable(id, userID)
	if err != nil {
		return nil, err
	}
	for i := range m.Reactions {
		if m.Reactions[i].Emoji != emoji {
			continue
		}
		for _, u := range m.Reactions[i].Users {
			if u == userID {
				return copyMessage(m), nil
			}
		}
		m.Reactions[i].Users = append(m.Reactions[i].Users, userID)
		return copyMessage(m), nil
	}
	m.Reactions = append(m.Reactions, chat.Reaction{Emoji: emoji, Users: []string{userID}})
	return copyMessage(m), nil
}

func (s *Memory) RemoveReaction(ctx context.Context, id, userID, emoji string) (*chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.reactable(id, userID)
	if err != nil {
		return nil, err
	}
	kept := m.Reactions[:0]
	for _, r := range m.Reactions {
		if r.Emoji == emoji {
			users := make([]string, 0, len(r.Users))
			for _, u := range r.Users {
				if u != userID {
					users = append(users, u)
				}
			}
			r.Users = users
		}
		if len(r.Users) > 0 {
			kept = append(kept, r)
		}
	}
	m.Reactions = kept
	return copyMessage(m), nil
}

// reactable returns a live message userID participates in. Callers must hold
// s.mu.
func (s *Memory) reactable(id, userID string) (*chat.Message, error) {
	m, ok := s.messages[id]
	if !ok || m.Deleted() {
		return nil, fmt.Errorf("store: message %s: %w", id, chat.ErrNotFound)
	}
	if !m.IsParticipant(userID) {
		return nil, fmt.Errorf("store: message %s: %w", id, chat.ErrForbidden)
	}
	return m, nil
}

// copyMessage deep-copies m so callers never share mutable state with the
// store.
func copyMessage(m *chat.Message) *chat.Message {
	out := *m
	if m.Attachment != nil {
		a := *m.Attachment
		out.Attachment = &a
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		out.EditedAt = &t
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		out.DeletedAt = &t
	}
	if m.Reactions != nil {
		out.Reactions = make([]chat.Reaction, len(m.Reactions))
		for i, r := range m.Reactions {
			out.Reactions[i] = chat.Reaction{Emoji: r.Emoji, Users: append([]string(nil), r.Users...)}
		}
	}
	return &out
}
