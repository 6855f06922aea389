package client

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/whisper/dmchat/internal/chat"
	"github.com/whisper/dmchat/internal/protocol"
)

type sent struct {
	typ     string
	payload any
}

type fakeSender struct {
	mu        sync.Mutex
	connected bool
	failNext  bool
	frames    []sent
}

func (f *fakeSender) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSender) Send(msgType string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	if f.failNext {
		f.failNext = false
		return errors.New("broken pipe")
	}
	f.frames = append(f.frames, sent{msgType, payload})
	return nil
}

func (f *fakeSender) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *fakeSender) ofType(typ string) []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sent
	for _, s := range f.frames {
		if s.typ == typ {
			out = append(out, s)
		}
	}
	return out
}

func newTestSession(out *fakeSender, cfg SessionConfig) (*Session, *MemoryOutbox) {
	box := NewMemoryOutbox()
	if cfg.UserID == "" {
		cfg.UserID = "alice"
	}
	return NewSession(cfg, out, box), box
}

func echo(s *Session, tempID string, m chat.Message) {
	s.OnFrame(protocol.TypeMessageSent, protocol.MessageMsg{Message: m, ClientTempID: tempID})
}

func TestSession_OfflineSendIsQueuedAndSentOnceOnReconnect(t *testing.T) {
	out := &fakeSender{}
	s, box := newTestSession(out, SessionConfig{})
	s.Open("bob", nil)

	local, err := s.Send("bob", "bye", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if local.Kind != KindOptimistic || len(s.View()) != 1 {
		t.Fatalf("placeholder not shown: %+v", s.View())
	}
	if pending, _ := box.Pending(); len(pending) != 1 {
		t.Fatalf("offline send should be queued, pending = %d", len(pending))
	}

	out.setConnected(true)
	s.OnConnect()
	s.OnConnect() // a second reconnect must not resend

	sends := out.ofType(protocol.TypeSendMessage)
	if len(sends) != 1 {
		t.Fatalf("sendMessage emitted %d times, want 1", len(sends))
	}
	intent := sends[0].payload.(protocol.SendMessageMsg)
	if intent.Content != "bye" || intent.ClientTempID != local.TempID {
		t.Fatalf("intent = %+v", intent)
	}
	if pending, _ := box.Pending(); len(pending) != 0 {
		t.Fatalf("outbox not cleared: %d", len(pending))
	}

	rec := chat.Message{ID: "m1", SenderID: "alice", ReceiverID: "bob", Content: "bye", Status: chat.StatusSent, CreatedAt: time.Now()}
	echo(s, local.TempID, rec)
	echo(s, local.TempID, rec)

	view := s.View()
	if len(view) != 1 || view[0].Kind != KindConfirmed || view[0].Message.ID != "m1" {
		t.Fatalf("view after echo = %+v", view)
	}
}

func TestSession_QueuedSendsKeepOrder(t *testing.T) {
	out := &fakeSender{}
	s, _ := newTestSession(out, SessionConfig{})

	for _, body := range []string{"one", "two", "three"} {
		if _, err := s.Send("bob", body, nil, ""); err != nil {
			t.Fatal(err)
		}
	}
	out.setConnected(true)
	s.OnConnect()

	sends := out.ofType(protocol.TypeSendMessage)
	if len(sends) != 3 {
		t.Fatalf("sends = %d", len(sends))
	}
	for i, want := range []string{"one", "two", "three"} {
		if got := sends[i].payload.(protocol.SendMessageMsg).Content; got != want {
			t.Fatalf("send %d = %q, want %q", i, got, want)
		}
	}
}

func TestSession_FailedWriteStaysQueued(t *testing.T) {
	out := &fakeSender{connected: true, failNext: true}
	s, box := newTestSession(out, SessionConfig{})

	if _, err := s.Send("bob", "hi", nil, ""); err != nil {
		t.Fatal(err)
	}
	if pending, _ := box.Pending(); len(pending) != 1 {
		t.Fatalf("failed write should fall back to the outbox, pending = %d", len(pending))
	}
	if n, err := s.Drain(); err != nil || n != 1 {
		t.Fatalf("Drain = %d, %v", n, err)
	}
}

// waitFor polls cond until it holds or a deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func contents(frames []sent) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.payload.(protocol.SendMessageMsg).Content
	}
	return out
}

func TestSession_MessageErrorFailsAndRequeues(t *testing.T) {
	out := &fakeSender{connected: true}
	s, box := newTestSession(out, SessionConfig{RetryBaseDelay: 100 * time.Millisecond})
	s.Open("bob", nil)

	local, _ := s.Send("bob", "hi", nil, "")
	s.OnFrame(protocol.TypeMessageError, protocol.MessageErrorMsg{
		ClientTempID: local.TempID,
		Code:         protocol.CodePersistFailed,
		Status:       chat.StatusFailed,
	})

	if got := s.View()[0].Message.Status; got != chat.StatusFailed {
		t.Fatalf("placeholder status = %s, want failed", got)
	}
	pending, _ := box.Pending()
	if len(pending) != 1 || pending[0].TempID != local.TempID {
		t.Fatalf("failed send not requeued: %+v", pending)
	}

	// No reconnect: the retry has to happen on the live channel.
	waitFor(t, "resend after backoff", func() bool {
		return len(out.ofType(protocol.TypeSendMessage)) == 2
	})
	if pending, _ := box.Pending(); len(pending) != 0 {
		t.Fatalf("outbox not drained by retry: %+v", pending)
	}
	if got := s.View()[0].Message.Status; got != chat.StatusSent {
		t.Fatalf("resent placeholder status = %s, want sent", got)
	}

	local2, _ := s.Send("bob", "", nil, "")
	s.OnFrame(protocol.TypeMessageError, protocol.MessageErrorMsg{ClientTempID: local2.TempID, Code: protocol.CodeInvalidMessage})
	if pending, _ := box.Pending(); len(pending) != 0 {
		t.Fatalf("rejected message must not be requeued: %+v", pending)
	}
}

func TestSession_RateLimitedSendHoldsQueueThenResumes(t *testing.T) {
	out := &fakeSender{connected: true}
	s, box := newTestSession(out, SessionConfig{})

	first, _ := s.Send("bob", "first", nil, "")
	s.OnFrame(protocol.TypeMessageError, protocol.MessageErrorMsg{
		ClientTempID: first.TempID,
		Code:         protocol.CodeRateLimited,
		Status:       chat.StatusFailed,
		RetryAfter:   1,
	})
	s.Send("bob", "second", nil, "")
	s.Send("bob", "third", nil, "")

	if n := len(out.ofType(protocol.TypeSendMessage)); n != 1 {
		t.Fatalf("sends during the hold = %d, want 1", n)
	}
	if pending, _ := box.Pending(); len(pending) != 3 {
		t.Fatalf("pending during the hold = %d, want 3", len(pending))
	}

	waitFor(t, "queue to drain after retryAfter", func() bool {
		pending, _ := box.Pending()
		return len(pending) == 0
	})
	got := contents(out.ofType(protocol.TypeSendMessage))
	want := []string{"first", "first", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("sends = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sends = %v, want %v", got, want)
		}
	}
}

func TestSession_SendFlushesQueueOnceHoldExpires(t *testing.T) {
	out := &fakeSender{connected: true}
	s, box := newTestSession(out, SessionConfig{})
	now := t0
	s.now = func() time.Time { return now }

	first, _ := s.Send("bob", "first", nil, "")
	s.OnFrame(protocol.TypeMessageError, protocol.MessageErrorMsg{
		ClientTempID: first.TempID,
		Code:         protocol.CodeRateLimited,
		RetryAfter:   60,
	})
	s.Send("bob", "second", nil, "")
	if n := len(out.ofType(protocol.TypeSendMessage)); n != 1 {
		t.Fatalf("sends during the hold = %d, want 1", n)
	}

	now = now.Add(61 * time.Second)
	s.Send("bob", "third", nil, "")

	got := contents(out.ofType(protocol.TypeSendMessage))
	want := []string{"first", "first", "second", "third"}
	if len(got) != len(want) || got[1] != "first" || got[2] != "second" || got[3] != "third" {
		t.Fatalf("sends = %v, want %v", got, want)
	}
	if pending, _ := box.Pending(); len(pending) != 0 {
		t.Fatalf("outbox not drained: %+v", pending)
	}
}

func TestSession_UnreadCountsAndConversationFilter(t *testing.T) {
	out := &fakeSender{connected: true}
	var events []Event
	s, _ := newTestSession(out, SessionConfig{OnEvent: func(e Event) { events = append(events, e) }})
	s.Open("bob", nil)
	events = nil

	fromCarol := chat.Message{ID: "c1", SenderID: "carol", ReceiverID: "alice", Content: "psst", Status: chat.StatusDelivered}
	s.OnFrame(protocol.TypeReceiveMessage, protocol.MessageMsg{Message: fromCarol})
	s.OnFrame(protocol.TypeReceiveMessage, protocol.MessageMsg{Message: fromCarol})

	if got := s.Unread("carol"); got != 1 {
		t.Fatalf("carol unread = %d, want 1", got)
	}
	if len(s.View()) != 0 {
		t.Fatalf("hidden conversation leaked into the open view: %+v", s.View())
	}
	for _, e := range events {
		if e.Kind == EventMessage {
			t.Fatalf("message event for hidden conversation: %+v", e)
		}
	}

	fromBob := chat.Message{ID: "b1", SenderID: "bob", ReceiverID: "alice", Content: "yo", Status: chat.StatusDelivered}
	s.OnFrame(protocol.TypeReceiveMessage, protocol.MessageMsg{Message: fromBob})
	if len(s.View()) != 1 || s.Unread("bob") != 0 {
		t.Fatalf("open conversation: view=%+v unread=%d", s.View(), s.Unread("bob"))
	}
	acks := out.ofType(protocol.TypeMarkAsRead)
	last := acks[len(acks)-1].payload.(protocol.MarkAsReadMsg)
	if last.SenderID != "bob" {
		t.Fatalf("markAsRead sender = %s", last.SenderID)
	}

	s.Open("carol", nil)
	if s.Unread("carol") != 0 || len(s.View()) != 1 {
		t.Fatalf("opening carol: unread=%d view=%+v", s.Unread("carol"), s.View())
	}
}

func TestSession_StatusUpdatesAreMonotonic(t *testing.T) {
	out := &fakeSender{connected: true}
	s, _ := newTestSession(out, SessionConfig{})
	s.Open("bob", nil)

	local, _ := s.Send("bob", "hi", nil, "")
	echo(s, local.TempID, chat.Message{ID: "m1", SenderID: "alice", ReceiverID: "bob", Content: "hi", Status: chat.StatusSent})

	s.OnFrame(protocol.TypeMessagesSeen, protocol.MessagesSeenMsg{ReaderID: "bob", MessageIDs: []string{"m1"}})
	s.OnFrame(protocol.TypeMessageDelivered, protocol.MessageDeliveredMsg{MessageID: "m1", ReceiverID: "bob"})
	s.OnFrame(protocol.TypeMessagesSeen, protocol.MessagesSeenMsg{ReaderID: "bob", MessageIDs: []string{"m1"}})

	if got := s.View()[0].Message.Status; got != chat.StatusRead {
		t.Fatalf("status = %s, want read", got)
	}

	s.OnFrame(protocol.TypeMessageRemoved, protocol.MessageRemovedMsg{MessageID: "m1"})
	if len(s.View()) != 0 {
		t.Fatalf("removed message still visible: %+v", s.View())
	}
}

func TestSession_TypingIndicatorExpiresWithoutStop(t *testing.T) {
	out := &fakeSender{connected: true}
	s, _ := newTestSession(out, SessionConfig{})
	now := t0
	s.now = func() time.Time { return now }

	s.OnFrame(protocol.TypeTyping, protocol.ServerTypingMsg{SenderID: "bob"})
	now = now.Add(time.Second)
	s.OnFrame(protocol.TypeTyping, protocol.ServerTypingMsg{SenderID: "bob"})
	if !s.IsTyping("bob") {
		t.Fatal("bob should be typing")
	}

	now = now.Add(2 * time.Second)
	if !s.IsTyping("bob") {
		t.Fatal("indicator cleared before 3s of silence")
	}
	now = now.Add(1100 * time.Millisecond)
	if s.IsTyping("bob") {
		t.Fatal("indicator should clear after 3s of silence")
	}
}

func TestSession_TypingTimerEmitsClear(t *testing.T) {
	out := &fakeSender{connected: true}
	cleared := make(chan string, 4)
	s, _ := newTestSession(out, SessionConfig{
		TypingTimeout: 30 * time.Millisecond,
		OnEvent: func(e Event) {
			if e.Kind == EventTyping {
				cleared <- e.Counterpart
			}
		},
	})

	s.OnFrame(protocol.TypeTyping, protocol.ServerTypingMsg{SenderID: "bob"})
	<-cleared // shown

	select {
	case who := <-cleared:
		if who != "bob" || s.IsTyping("bob") {
			t.Fatalf("unexpected typing state after expiry: %s %v", who, s.IsTyping("bob"))
		}
	case <-time.After(time.Second):
		t.Fatal("typing indicator never auto-cleared")
	}
}

func TestSession_OwnTypingIsThrottledAndStops(t *testing.T) {
	out := &fakeSender{connected: true}
	s, _ := newTestSession(out, SessionConfig{TypingTimeout: time.Second, TypingIdle: 40 * time.Millisecond})

	for i := 0; i < 5; i++ {
		s.Typing("bob")
	}
	if n := len(out.ofType(protocol.TypeTyping)); n != 1 {
		t.Fatalf("typing sent %d times, want 1", n)
	}

	deadline := time.Now().Add(time.Second)
	for len(out.ofType(protocol.TypeStopTyping)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stopTyping never sent after inactivity")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
