package presence

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whisper/dmchat/internal/chat"
	"github.com/whisper/dmchat/internal/metrics"
	"github.com/whisper/dmchat/internal/protocol"
)

// Broadcaster fans a frame out to every connected client.
type Broadcaster interface {
	Broadcast(data []byte)
}

// toucher is implemented by trackers whose handles expire.
type toucher interface {
	Touch(ctx context.Context, userID, connID string) error
}

// Service turns tracker transitions into persisted presence and exactly one
// userStatusChanged broadcast per transition.
type Service struct {
	tracker  Tracker
	users    chat.UserStore
	out      Broadcaster
	onOnline func(ctx context.Context, userID string)
	now      func() time.Time
}

// NewService wires a tracker to the user store and a broadcaster.
func NewService(tracker Tracker, users chat.UserStore, out Broadcaster) *Service {
	return &Service{tracker: tracker, users: users, out: out, now: time.Now}
}

// OnOnline registers a hook run after a user's offline to online transition.
// It must be set before the first Connect.
func (s *Service) OnOnline(fn func(ctx context.Context, userID string)) {
	s.onOnline = fn
}

// Connect registers connID for userID. Repeating it for the same handle is
// a no-op, which makes join and userOnline safe to re-announce.
func (s *Service) Connect(ctx context.Context, userID, connID string) error {
	cameOnline, err := s.tracker.Register(ctx, userID, connID)
	if err != nil {
		return err
	}
	if !cameOnline {
		return nil
	}

	metrics.OnlineUsers.Inc()
	if err := s.users.SetPresence(ctx, userID, true, s.now()); err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("[presence] persist online flag failed")
	}
	s.BroadcastStatusChange(userID, true, time.Time{})
	log.Debug().Str("user", userID).Str("conn", connID).Msg("[presence] online")

	if s.onOnline != nil {
		s.onOnline(ctx, userID)
	}
	return nil
}

// Disconnect unregisters connID. The last handle of a user stamps last-seen
// and broadcasts the offline transition.
func (s *Service) Disconnect(ctx context.Context, connID string) error {
	userID, wentOffline, err := s.tracker.Unregister(ctx, connID)
	if err != nil {
		return err
	}
	if !wentOffline {
		return nil
	}

	metrics.OnlineUsers.Dec()
	lastSeen := s.now().UTC()
	if err := s.users.SetPresence(ctx, userID, false, lastSeen); err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("[presence] persist last-seen failed")
	}
	s.BroadcastStatusChange(userID, false, lastSeen)
	log.Debug().Str("user", userID).Str("conn", connID).Msg("[presence] offline")
	return nil
}

// IsOnline reports whether userID holds at least one live handle. Tracker
// errors read as offline, which leaves messages in the sent state for the
// next reconnect to deliver.
func (s *Service) IsOnline(ctx context.Context, userID string) bool {
	ok, err := s.tracker.IsOnline(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("[presence] lookup failed")
		return false
	}
	return ok
}

// Touch keeps a live handle from expiring. It is a no-op for trackers
// without expiry.
func (s *Service) Touch(ctx context.Context, userID, connID string) {
	t, ok := s.tracker.(toucher)
	if !ok {
		return
	}
	if err := t.Touch(ctx, userID, connID); err != nil {
		log.Warn().Err(err).Str("conn", connID).Msg("[presence] touch failed")
	}
}

// BroadcastStatusChange sends userStatusChanged to every connected client.
func (s *Service) BroadcastStatusChange(userID string, online bool, lastSeen time.Time) {
	data, err := protocol.NewServerMessage(protocol.TypeUserStatusChanged, protocol.UserStatusChangedMsg{
		UserID:   userID,
		IsOnline: online,
		LastSeen: lastSeen,
	})
	if err != nil {
		log.Error().Err(err).Msg("[presence] build status change failed")
		return
	}
	s.out.Broadcast(data)
}
