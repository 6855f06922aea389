package ws

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sort"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/dmchat/internal/protocol"
	"github.com/whisper/dmchat/internal/session"
)

func pipeConn(t *testing.T, id, user string) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	return NewConnection(id, user, server, time.Second), client
}

type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func readFrame(t *testing.T, client net.Conn) map[string]any {
	t.Helper()
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(client)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode frame %s: %v", data, err)
	}
	return m
}

func TestConnectionManager_GroupsByUser(t *testing.T) {
	cm := NewConnectionManager()
	a1, _ := pipeConn(t, "a1", "alice")
	a2, _ := pipeConn(t, "a2", "alice")
	b1, _ := pipeConn(t, "b1", "bob")
	cm.Add(a1)
	cm.Add(a2)
	cm.Add(b1)

	if cm.Count() != 3 {
		t.Fatalf("Count() = %d, want 3", cm.Count())
	}
	if got := len(cm.ForUser("alice")); got != 2 {
		t.Fatalf("ForUser(alice) = %d connections, want 2", got)
	}
	users := cm.Users()
	sort.Strings(users)
	if len(users) != 2 || users[0] != "alice" || users[1] != "bob" {
		t.Fatalf("Users() = %v", users)
	}
	if cm.GetByConn(b1.Conn) != b1 {
		t.Fatal("GetByConn did not find bob's connection")
	}

	if !cm.Remove("a1") {
		t.Fatal("first Remove should report true")
	}
	if cm.Remove("a1") {
		t.Fatal("second Remove must be a no-op")
	}
	if !cm.HasUser("alice") {
		t.Fatal("alice still has a connection")
	}
	cm.Remove("a2")
	if cm.HasUser("alice") {
		t.Fatal("alice should have no connections left")
	}
}

func TestConnectionManager_SendToUserReachesEveryTab(t *testing.T) {
	cm := NewConnectionManager()
	c1, r1 := pipeConn(t, "c1", "alice")
	c2, r2 := pipeConn(t, "c2", "alice")
	cm.Add(c1)
	cm.Add(c2)

	frames := make(chan string, 2)
	for _, r := range []net.Conn{r1, r2} {
		go func() {
			data, err := wsutil.ReadServerText(r)
			if err == nil {
				frames <- string(data)
			}
		}()
	}

	if n := cm.SendToUser("alice", []byte(`{"type":"pong"}`)); n != 2 {
		t.Fatalf("SendToUser() = %d, want 2", n)
	}
	for i := 0; i < 2; i++ {
		select {
		case f := <-frames:
			if f != `{"type":"pong"}` {
				t.Errorf("unexpected frame %s", f)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for frame")
		}
	}
	if n := cm.SendToUser("nobody", []byte("x")); n != 0 {
		t.Fatalf("SendToUser(nobody) = %d", n)
	}
}

func TestDispatcher_RoutesAndErrors(t *testing.T) {
	d := NewMessageDispatcher()
	got := make(chan any, 1)
	d.Register(protocol.TypeTyping, func(_ *Connection, msg any) { got <- msg })

	c, client := pipeConn(t, "c1", "alice")

	d.Dispatch(c, []byte(`{"type":"typing","receiverId":"bob"}`))
	select {
	case msg := <-got:
		if tm, ok := msg.(protocol.TypingMsg); !ok || tm.ReceiverID != "bob" {
			t.Fatalf("handler got %#v", msg)
		}
	default:
		t.Fatal("handler was not called")
	}

	cases := []struct {
		in       string
		wantType string
		wantCode string
	}{
		{`{"type":"ping"}`, protocol.TypePong, ""},
		{`{"type":"teleport"}`, protocol.TypeError, protocol.CodeUnsupportedType},
		{`not json`, protocol.TypeError, protocol.CodeParseError},
		{`{"type":"markAsRead","senderId":"bob"}`, protocol.TypeError, protocol.CodeUnsupportedType},
	}
	for _, tc := range cases {
		go d.Dispatch(c, []byte(tc.in))
		frame := readFrame(t, client)
		if frame["type"] != tc.wantType {
			t.Errorf("%s: type = %v, want %s", tc.in, frame["type"], tc.wantType)
		}
		if tc.wantCode != "" && frame["code"] != tc.wantCode {
			t.Errorf("%s: code = %v, want %s", tc.in, frame["code"], tc.wantCode)
		}
	}
}

func TestDispatcher_DuplicateRegisterPanics(t *testing.T) {
	d := NewMessageDispatcher()
	d.Register(protocol.TypeTyping, func(*Connection, any) {})
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	d.Register(protocol.TypeTyping, func(*Connection, any) {})
}

// refreshRecorder notes which connection records the heartbeat refreshed.
type refreshRecorder struct {
	*session.MemoryStore
	refreshed []string
}

func (r *refreshRecorder) RefreshTTL(ctx context.Context, connID, userID string) error {
	r.refreshed = append(r.refreshed, connID+"/"+userID)
	return r.MemoryStore.RefreshTTL(ctx, connID, userID)
}

func TestHeartbeat_RemovesStaleConnections(t *testing.T) {
	sessions := &refreshRecorder{MemoryStore: session.NewMemoryStore(time.Hour)}
	srv, err := NewServer(DefaultServerConfig(), sessions, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.epoll.Close()

	var removed []string
	srv.SetOnDisconnect(func(c *Connection) { removed = append(removed, c.ID) })
	var touched []string
	srv.SetOnHeartbeat(func(c *Connection) { touched = append(touched, c.ID) })

	live, liveClient := pipeConn(t, "live", "alice")
	stale, _ := pipeConn(t, "stale", "bob")
	stale.lastActive.Store(time.Now().Add(-time.Hour).UnixNano())
	go io.Copy(io.Discard, liveClient)

	srv.conns.Add(live)
	srv.conns.Add(stale)

	checkConnections(srv, DefaultHeartbeatConfig(), time.Now())

	if len(removed) != 1 || removed[0] != "stale" {
		t.Fatalf("removed = %v, want [stale]", removed)
	}
	if len(touched) != 1 || touched[0] != "live" {
		t.Fatalf("touched = %v, want [live]", touched)
	}
	if srv.conns.Get("live") == nil {
		t.Fatal("live connection was removed")
	}
	if len(sessions.refreshed) != 1 || sessions.refreshed[0] != "live/alice" {
		t.Fatalf("refreshed = %v, want [live/alice]", sessions.refreshed)
	}
}

func startServer(t *testing.T, store *session.MemoryStore, onMessage func(*Connection, []byte), setup func(*Server)) (*Server, string) {
	t.Helper()
	cfg := DefaultServerConfig()
	cfg.ReadTimeout = 200 * time.Millisecond
	srv, err := NewServer(cfg, store, onMessage)
	if err != nil {
		t.Fatal(err)
	}
	if setup != nil {
		setup(srv)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Shutdown() })
	return srv, ln.Addr().String()
}

func TestServer_RejectsUnauthenticatedUpgrade(t *testing.T) {
	_, addr := startServer(t, session.NewMemoryStore(time.Hour), nil, nil)

	resp, err := http.Get("http://" + addr + "/ws?token=bogus")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestServer_ConnectEchoDisconnect(t *testing.T) {
	store := session.NewMemoryStore(time.Hour)
	tok, _, err := store.IssueToken(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}

	connected := make(chan string, 1)
	disconnected := make(chan string, 1)
	echo := func(c *Connection, data []byte) { _ = c.WriteMessage(data) }
	srv, addr := startServer(t, store, echo, func(s *Server) {
		s.SetOnConnect(func(c *Connection) { connected <- c.UserID })
		s.SetOnDisconnect(func(c *Connection) { disconnected <- c.UserID })
	})

	dialer := ws.Dialer{
		Header:  ws.HandshakeHeaderHTTP(http.Header{"Authorization": []string{"Bearer " + tok}}),
		Timeout: 2 * time.Second,
	}
	raw, br, _, err := dialer.Dial(context.Background(), "ws://"+addr+"/ws")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn := raw
	if br != nil {
		// The connected frame may already sit in the handshake buffer.
		conn = bufferedConn{Conn: raw, r: io.MultiReader(br, raw)}
	}

	hello := readFrame(t, conn)
	if hello["type"] != protocol.TypeConnected || hello["userId"] != "alice" {
		t.Fatalf("first frame = %v", hello)
	}
	select {
	case user := <-connected:
		if user != "alice" {
			t.Fatalf("OnConnect user = %q", user)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnect not called")
	}

	if err := wsutil.WriteClientText(conn, []byte(`{"type":"echo"}`)); err != nil {
		t.Fatal(err)
	}
	if echo := readFrame(t, conn); echo["type"] != "echo" {
		t.Fatalf("echo = %v", echo)
	}

	conn.Close()
	select {
	case user := <-disconnected:
		if user != "alice" {
			t.Fatalf("OnDisconnect user = %q", user)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("OnDisconnect not called after client close")
	}
	if srv.Connections().Count() != 0 {
		t.Fatalf("Count() = %d after close", srv.Connections().Count())
	}
}
