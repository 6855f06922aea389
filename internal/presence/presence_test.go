package presence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/dmchat/internal/protocol"
	"github.com/whisper/dmchat/internal/store"
)

type recorder struct {
	mu     sync.Mutex
	frames []protocol.UserStatusChangedMsg
}

func (r *recorder) Broadcast(data []byte) {
	var m protocol.UserStatusChangedMsg
	_ = json.Unmarshal(data, &m)
	r.mu.Lock()
	r.frames = append(r.frames, m)
	r.mu.Unlock()
}

func TestMemoryTracker_MultipleHandles(t *testing.T) {
	tr := NewMemoryTracker()
	ctx := context.Background()

	if up, _ := tr.Register(ctx, "u1", "c1"); !up {
		t.Fatal("first handle should bring the user online")
	}
	if up, _ := tr.Register(ctx, "u1", "c2"); up {
		t.Fatal("second handle must not report a transition")
	}
	if up, _ := tr.Register(ctx, "u1", "c1"); up {
		t.Fatal("re-registering a handle must be a no-op")
	}

	if user, down, _ := tr.Unregister(ctx, "c1"); user != "u1" || down {
		t.Fatalf("Unregister(c1) = %q, %v; want u1, false", user, down)
	}
	if online, _ := tr.IsOnline(ctx, "u1"); !online {
		t.Fatal("user with a remaining handle must stay online")
	}
	if user, down, _ := tr.Unregister(ctx, "c2"); user != "u1" || !down {
		t.Fatalf("Unregister(c2) = %q, %v; want u1, true", user, down)
	}
	if user, down, _ := tr.Unregister(ctx, "c2"); user != "" || down {
		t.Fatalf("repeated Unregister = %q, %v; want no-op", user, down)
	}
	if online, _ := tr.IsOnline(ctx, "u1"); online {
		t.Fatal("user without handles must be offline")
	}
}

func TestService_TransitionsBroadcastOnce(t *testing.T) {
	ctx := context.Background()
	users := store.NewMemory()
	u, err := users.CreateUser(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}

	rec := &recorder{}
	svc := NewService(NewMemoryTracker(), users, rec)
	fixed := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	var onlineHooks int
	svc.OnOnline(func(context.Context, string) { onlineHooks++ })

	svc.Connect(ctx, u.ID, "tab-1")
	svc.Connect(ctx, u.ID, "tab-2")
	svc.Connect(ctx, u.ID, "tab-1") // re-announce
	if !svc.IsOnline(ctx, u.ID) {
		t.Fatal("expected online")
	}
	svc.Disconnect(ctx, "tab-1")

	got, _ := users.GetUser(ctx, u.ID)
	if !got.Online {
		t.Fatal("closing one of two tabs must not mark the user offline")
	}

	svc.Disconnect(ctx, "tab-2")
	svc.Disconnect(ctx, "tab-2")

	if onlineHooks != 1 {
		t.Errorf("expected one online hook call, got %d", onlineHooks)
	}
	if len(rec.frames) != 2 {
		t.Fatalf("expected exactly two broadcasts, got %+v", rec.frames)
	}
	if !rec.frames[0].IsOnline || rec.frames[1].IsOnline {
		t.Errorf("unexpected broadcast order: %+v", rec.frames)
	}
	if !rec.frames[1].LastSeen.Equal(fixed) {
		t.Errorf("offline broadcast should carry last-seen %v, got %v", fixed, rec.frames[1].LastSeen)
	}

	got, _ = users.GetUser(ctx, u.ID)
	if got.Online || !got.LastSeen.Equal(fixed) {
		t.Errorf("expected offline with last-seen %v, got %+v", fixed, got)
	}
}

func TestService_UnknownUserStillBroadcasts(t *testing.T) {
	rec := &recorder{}
	svc := NewService(NewMemoryTracker(), store.NewMemory(), rec)
	if err := svc.Connect(context.Background(), "ghost", "c1"); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if len(rec.frames) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(rec.frames))
	}
}

func TestRedisTracker(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	user := "test_" + uuid.NewString()
	c1, c2 := "test_"+uuid.NewString(), "test_"+uuid.NewString()
	t.Cleanup(func() {
		client.Del(ctx, UserPrefix+user, ConnPrefix+c1, ConnPrefix+c2)
	})

	tr := NewRedisTracker(client, 30*time.Second)
	if up, err := tr.Register(ctx, user, c1); err != nil || !up {
		t.Fatalf("Register(c1) = %v, %v", up, err)
	}
	if up, _ := tr.Register(ctx, user, c2); up {
		t.Fatal("second handle must not report a transition")
	}
	if err := tr.Touch(ctx, user, c1); err != nil {
		t.Fatalf("Touch() error: %v", err)
	}

	if owner, down, _ := tr.Unregister(ctx, c1); owner != user || down {
		t.Fatalf("Unregister(c1) = %q, %v", owner, down)
	}
	if owner, down, _ := tr.Unregister(ctx, c2); owner != user || !down {
		t.Fatalf("Unregister(c2) = %q, %v", owner, down)
	}
	if online, _ := tr.IsOnline(ctx, user); online {
		t.Fatal("expected offline")
	}
}

func TestRedisTracker_PrunesExpiredHandles(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	user := "test_" + uuid.NewString()
	live, dead := "test_"+uuid.NewString(), "test_"+uuid.NewString()
	t.Cleanup(func() { client.Del(ctx, UserPrefix+user, ConnPrefix+live, ConnPrefix+dead) })

	tr := NewRedisTracker(client, 30*time.Second)
	tr.Register(ctx, user, dead)
	tr.Register(ctx, user, live)
	// Simulate a crashed process whose handle key expired.
	client.Del(ctx, ConnPrefix+dead)

	if _, down, _ := tr.Unregister(ctx, live); !down {
		t.Fatal("expected offline once only an expired handle remains")
	}
}
