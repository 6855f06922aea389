package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/dmchat/internal/chat"
)

type backend interface {
	chat.MessageStore
	chat.UserStore
}

// backends returns every store implementation available in this
// environment. Postgres is included when TEST_POSTGRES_DSN is set and
// reachable.
func backends(t *testing.T) map[string]func(t *testing.T) backend {
	t.Helper()
	out := map[string]func(t *testing.T) backend{
		"memory": func(t *testing.T) backend { return NewMemory() },
	}
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		return out
	}
	out["postgres"] = func(t *testing.T) backend {
		t.Helper()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		db, err := OpenPostgres(ctx, dsn)
		if err != nil {
			t.Skipf("postgres not available: %v", err)
		}
		t.Cleanup(func() { db.Close() })
		if err := Migrate(db); err != nil {
			t.Fatalf("Migrate() error: %v", err)
		}
		return NewPostgres(db)
	}
	return out
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s backend)) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

// newUser creates a user with a unique display name so tests can share a
// database.
func newUser(t *testing.T, s backend, prefix string) *chat.User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), prefix+"-"+uuid.NewString()[:8])
	if err != nil {
		t.Fatalf("CreateUser() error: %v", err)
	}
	return u
}

func send(t *testing.T, s backend, from, to *chat.User, content string) *chat.Message {
	t.Helper()
	m := &chat.Message{SenderID: from.ID, ReceiverID: to.ID, Content: content}
	if err := s.Create(context.Background(), m); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	return m
}

func TestCreateAssignsIdentity(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		a, b := newUser(t, s, "alice"), newUser(t, s, "bob")
		m := send(t, s, a, b, "hi")

		if m.ID == "" || m.CreatedAt.IsZero() {
			t.Fatalf("expected server-assigned id and timestamp, got %+v", m)
		}
		if m.Status != chat.StatusSent {
			t.Errorf("expected status sent, got %s", m.Status)
		}

		got, err := s.Get(context.Background(), m.ID)
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if got.Content != "hi" || got.SenderID != a.ID || got.ReceiverID != b.ID {
			t.Errorf("unexpected stored message: %+v", got)
		}
	})
}

func TestCreateUnknownReceiver(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		a := newUser(t, s, "alice")
		err := s.Create(context.Background(), &chat.Message{SenderID: a.ID, ReceiverID: uuid.NewString(), Content: "x"})
		if !errors.Is(err, chat.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestDuplicateDisplayName(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		u := newUser(t, s, "carol")
		if _, err := s.CreateUser(ctx, u.DisplayName); !errors.Is(err, chat.ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
		found, err := s.FindUserByName(ctx, u.DisplayName)
		if err != nil || found.ID != u.ID {
			t.Fatalf("FindUserByName() = %+v, %v", found, err)
		}
	})
}

func TestMarkDeliveredIsConditional(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		a, b := newUser(t, s, "alice"), newUser(t, s, "bob")
		m := send(t, s, a, b, "hello")

		changed, err := s.MarkDelivered(ctx, m.ID)
		if err != nil || !changed {
			t.Fatalf("first MarkDelivered() = %v, %v", changed, err)
		}
		changed, err = s.MarkDelivered(ctx, m.ID)
		if err != nil || changed {
			t.Fatalf("replayed MarkDelivered() = %v, %v; expected no change", changed, err)
		}

		if _, err := s.MarkRead(ctx, a.ID, b.ID); err != nil {
			t.Fatalf("MarkRead() error: %v", err)
		}
		// A late delivered acknowledgement must not regress read.
		if changed, _ := s.MarkDelivered(ctx, m.ID); changed {
			t.Fatal("MarkDelivered() regressed a read message")
		}
		got, _ := s.Get(ctx, m.ID)
		if got.Status != chat.StatusRead {
			t.Errorf("expected read, got %s", got.Status)
		}
	})
}

func TestMarkReadReturnsChangedOnce(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		a, b := newUser(t, s, "alice"), newUser(t, s, "bob")
		m1 := send(t, s, a, b, "one")
		m2 := send(t, s, a, b, "two")
		send(t, s, b, a, "other direction")

		ids, err := s.MarkRead(ctx, a.ID, b.ID)
		if err != nil {
			t.Fatalf("MarkRead() error: %v", err)
		}
		if len(ids) != 2 || ids[0] != m1.ID || ids[1] != m2.ID {
			t.Fatalf("expected [%s %s], got %v", m1.ID, m2.ID, ids)
		}
		ids, err = s.MarkRead(ctx, a.ID, b.ID)
		if err != nil || len(ids) != 0 {
			t.Fatalf("replayed MarkRead() = %v, %v; expected no change", ids, err)
		}
	})
}

func TestUndelivered(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		a, b := newUser(t, s, "alice"), newUser(t, s, "bob")
		m1 := send(t, s, a, b, "one")
		m2 := send(t, s, a, b, "two")
		if _, err := s.MarkDelivered(ctx, m1.ID); err != nil {
			t.Fatal(err)
		}

		pending, err := s.Undelivered(ctx, b.ID)
		if err != nil {
			t.Fatalf("Undelivered() error: %v", err)
		}
		if len(pending) != 1 || pending[0].ID != m2.ID {
			t.Fatalf("expected only %s pending, got %+v", m2.ID, pending)
		}
	})
}

func TestHistoryPagination(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		a, b := newUser(t, s, "alice"), newUser(t, s, "bob")
		var ids []string
		for i := 0; i < 5; i++ {
			from, to := a, b
			if i%2 == 1 {
				from, to = b, a
			}
			ids = append(ids, send(t, s, from, to, "m").ID)
		}

		page, err := s.History(ctx, a.ID, b.ID, "", 2)
		if err != nil {
			t.Fatalf("History() error: %v", err)
		}
		if len(page) != 2 || page[0].ID != ids[3] || page[1].ID != ids[4] {
			t.Fatalf("newest page out of order: %+v", page)
		}

		older, err := s.History(ctx, b.ID, a.ID, page[0].ID, 10)
		if err != nil {
			t.Fatalf("History(before) error: %v", err)
		}
		if len(older) != 3 || older[0].ID != ids[0] || older[2].ID != ids[2] {
			t.Fatalf("older page mismatch: %+v", older)
		}

		if _, err := s.History(ctx, a.ID, b.ID, uuid.NewString(), 10); !errors.Is(err, chat.ErrNotFound) {
			t.Errorf("expected ErrNotFound for unknown cursor, got %v", err)
		}
	})
}

func TestEditAndDeleteOwnership(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		a, b := newUser(t, s, "alice"), newUser(t, s, "bob")
		m := send(t, s, a, b, "draft")

		if _, err := s.Edit(ctx, m.ID, b.ID, "hijack"); !errors.Is(err, chat.ErrForbidden) {
			t.Fatalf("expected ErrForbidden, got %v", err)
		}
		edited, err := s.Edit(ctx, m.ID, a.ID, "final")
		if err != nil {
			t.Fatalf("Edit() error: %v", err)
		}
		if edited.Content != "final" || edited.EditedAt == nil {
			t.Errorf("expected edited content with marker, got %+v", edited)
		}

		if _, err := s.Delete(ctx, m.ID, b.ID); !errors.Is(err, chat.ErrForbidden) {
			t.Fatalf("expected ErrForbidden, got %v", err)
		}
		deleted, err := s.Delete(ctx, m.ID, a.ID)
		if err != nil || deleted.DeletedAt == nil {
			t.Fatalf("Delete() = %+v, %v", deleted, err)
		}
		if _, err := s.Delete(ctx, m.ID, a.ID); !errors.Is(err, chat.ErrNotFound) {
			t.Errorf("expected ErrNotFound on second delete, got %v", err)
		}

		hist, _ := s.History(ctx, a.ID, b.ID, "", 10)
		if len(hist) != 0 {
			t.Errorf("deleted message still in history: %+v", hist)
		}
	})
}

func TestReactions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		a, b, c := newUser(t, s, "alice"), newUser(t, s, "bob"), newUser(t, s, "carol")
		m := send(t, s, a, b, "nice")

		if _, err := s.AddReaction(ctx, m.ID, b.ID, "👍"); err != nil {
			t.Fatalf("AddReaction() error: %v", err)
		}
		got, err := s.AddReaction(ctx, m.ID, b.ID, "👍")
		if err != nil {
			t.Fatalf("repeated AddReaction() error: %v", err)
		}
		if len(got.Reactions) != 1 || len(got.Reactions[0].Users) != 1 {
			t.Fatalf("expected a single reaction from one user, got %+v", got.Reactions)
		}

		if _, err := s.AddReaction(ctx, m.ID, c.ID, "👍"); !errors.Is(err, chat.ErrForbidden) {
			t.Errorf("expected ErrForbidden for outsider, got %v", err)
		}

		got, err = s.RemoveReaction(ctx, m.ID, b.ID, "👍")
		if err != nil {
			t.Fatalf("RemoveReaction() error: %v", err)
		}
		if len(got.Reactions) != 0 {
			t.Errorf("expected no reactions, got %+v", got.Reactions)
		}
	})
}

func TestConversations(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		a, b, c := newUser(t, s, "alice"), newUser(t, s, "bob"), newUser(t, s, "carol")
		send(t, s, b, a, "one")
		last := send(t, s, b, a, "two")

		list, err := s.Conversations(ctx, a.ID)
		if err != nil {
			t.Fatalf("Conversations() error: %v", err)
		}

		var withB, withC *chat.ConversationSummary
		for i := range list {
			switch list[i].User.ID {
			case a.ID:
				t.Fatal("own user listed as a conversation")
			case b.ID:
				withB = &list[i]
			case c.ID:
				withC = &list[i]
			}
		}
		if withB == nil || withC == nil {
			t.Fatalf("missing counterparts in %+v", list)
		}
		if withB.UnreadCount != 2 || withB.LastMessage == nil || withB.LastMessage.ID != last.ID {
			t.Errorf("unexpected summary for bob: %+v", withB)
		}
		if withC.LastMessage != nil || withC.UnreadCount != 0 {
			t.Errorf("unexpected summary for carol: %+v", withC)
		}
	})
}

func TestSetPresenceStampsLastSeenOnOffline(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		u := newUser(t, s, "dave")
		seen := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)

		if err := s.SetPresence(ctx, u.ID, true, seen); err != nil {
			t.Fatalf("SetPresence(online) error: %v", err)
		}
		got, _ := s.GetUser(ctx, u.ID)
		if !got.Online || got.LastSeen.Equal(seen) {
			t.Fatalf("online transition must not touch last-seen: %+v", got)
		}

		if err := s.SetPresence(ctx, u.ID, false, seen); err != nil {
			t.Fatalf("SetPresence(offline) error: %v", err)
		}
		got, _ = s.GetUser(ctx, u.ID)
		if got.Online || !got.LastSeen.Equal(seen) {
			t.Errorf("expected offline with last-seen %v, got %+v", seen, got)
		}

		if err := s.SetPresence(ctx, uuid.NewString(), false, seen); !errors.Is(err, chat.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestMemoryClockIsStrictlyIncreasing(t *testing.T) {
	s := NewMemory()
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	first, second := s.clock(), s.clock()
	if !second.After(first) {
		t.Fatalf("expected %v after %v", second, first)
	}
}
