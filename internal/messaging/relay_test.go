package messaging

import (
	"sync"
	"testing"
	"time"
)

type fakeHub struct {
	mu         sync.Mutex
	online     map[string]bool
	sent       map[string][]string
	broadcasts []string
}

func newFakeHub(users ...string) *fakeHub {
	h := &fakeHub{online: make(map[string]bool), sent: make(map[string][]string)}
	for _, u := range users {
		h.online[u] = true
	}
	return h
}

func (h *fakeHub) SendToUser(userID string, data []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.online[userID] {
		return 0
	}
	h.sent[userID] = append(h.sent[userID], string(data))
	return 1
}

func (h *fakeHub) Broadcast(data []byte) {
	h.mu.Lock()
	h.broadcasts = append(h.broadcasts, string(data))
	h.mu.Unlock()
}

func (h *fakeHub) sentTo(userID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.sent[userID]...)
}

func TestRelay_SingleProcess(t *testing.T) {
	hub := newFakeHub("alice")
	r := NewRelay(hub, nil, "ws-1")
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}

	if !r.PushToUser("alice", []byte("hi")) {
		t.Fatal("push to a connected user should succeed")
	}
	if r.PushToUser("bob", []byte("hi")) {
		t.Fatal("push to a user without connections must report false")
	}
	r.Broadcast([]byte("status"))
	if len(hub.broadcasts) != 1 {
		t.Fatalf("broadcasts = %v", hub.broadcasts)
	}

	// Tracking is a no-op without NATS but keeps counts balanced.
	r.Track("alice")
	r.Track("alice")
	r.Untrack("alice")
	if r.refs["alice"] != 1 {
		t.Fatalf("refs = %d, want 1", r.refs["alice"])
	}
	r.Untrack("alice")
	if _, ok := r.refs["alice"]; ok {
		t.Fatal("refs should be dropped with the last connection")
	}
}

func connectOrSkip(t *testing.T, name string) *NATSClient {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.Name = name
	cfg.MaxReconnects = 0
	nc, err := NewNATSClient(cfg)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

func TestRelay_CrossInstance(t *testing.T) {
	hubA := newFakeHub()
	hubB := newFakeHub("bob")
	a := NewRelay(hubA, connectOrSkip(t, "relay-a"), "ws-a")
	b := NewRelay(hubB, connectOrSkip(t, "relay-b"), "ws-b")
	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	b.Track("bob")

	if !a.PushToUser("bob", []byte("hello")) {
		t.Fatal("publish should report success")
	}
	a.Broadcast([]byte("presence"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hubB.mu.Lock()
		done := len(hubB.sent["bob"]) == 1 && len(hubB.broadcasts) == 1
		hubB.mu.Unlock()
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := hubB.sentTo("bob"); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("bob received %v, want [hello]", got)
	}
	if len(hubB.broadcasts) != 1 {
		t.Fatalf("remote broadcasts = %v", hubB.broadcasts)
	}

	// The publishing instance must not receive its own broadcast back.
	time.Sleep(50 * time.Millisecond)
	hubA.mu.Lock()
	defer hubA.mu.Unlock()
	if len(hubA.broadcasts) != 1 {
		t.Fatalf("local broadcasts = %v, want exactly one", hubA.broadcasts)
	}
}
