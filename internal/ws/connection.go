package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single authenticated WebSocket client connection
// with its associated metadata and a write mutex for serializing outbound
// frames.
type Connection struct {
	ID        string   // connection id (UUID)
	UserID    string   // authenticated owner
	Conn      net.Conn // underlying TCP connection
	Fd        int      // file descriptor for epoll lookups, -1 off Linux
	CreatedAt time.Time

	writeTimeout time.Duration
	lastActive   atomic.Int64 // unix nanos of the last frame read from the client
	processing   int32        // atomic flag: 0 = idle, 1 = being read by handleConn
	writeMu      sync.Mutex   // serializes writes to this connection
}

// NewConnection wraps an upgraded net.Conn owned by userID.
func NewConnection(id, userID string, conn net.Conn, writeTimeout time.Duration) *Connection {
	c := &Connection{
		ID:           id,
		UserID:       userID,
		Conn:         conn,
		Fd:           socketFD(conn),
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
	}
	c.Touch()
	return c
}

// Touch records client activity.
func (c *Connection) Touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns when the client last sent a frame.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// WritePong answers a client ping frame with the same payload.
func (c *Connection) WritePong(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPongFrame(payload))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a goroutine-safe registry of live connections. It
// supports O(1) lookup by connection id and by net.Conn, and keeps every
// user's connections together so a push can reach all of a user's tabs.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
	byUser map[string]map[string]*Connection // user id -> conn id -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
		byUser: make(map[string]map[string]*Connection),
	}
}

// Add registers a new connection and binds it to its user's group.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	group, ok := cm.byUser[conn.UserID]
	if !ok {
		group = make(map[string]*Connection)
		cm.byUser[conn.UserID] = group
	}
	group[conn.ID] = conn
}

// Remove removes a connection by id and closes it. It returns true only for
// the call that actually removed the connection, which makes concurrent
// removals from the read path and the heartbeat safe.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
		if group := cm.byUser[conn.UserID]; group != nil {
			delete(group, id)
			if len(group) == 0 {
				delete(cm.byUser, conn.UserID)
			}
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given id, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping c, or nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// ForUser returns a snapshot of the user's open connections.
func (cm *ConnectionManager) ForUser(userID string) []*Connection {
	cm.mu.RLock()
	group := cm.byUser[userID]
	conns := make([]*Connection, 0, len(group))
	for _, conn := range group {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

// HasUser reports whether the user has at least one local connection.
func (cm *ConnectionManager) HasUser(userID string) bool {
	cm.mu.RLock()
	_, ok := cm.byUser[userID]
	cm.mu.RUnlock()
	return ok
}

// Users returns the ids of every user with a local connection.
func (cm *ConnectionManager) Users() []string {
	cm.mu.RLock()
	users := make([]string, 0, len(cm.byUser))
	for id := range cm.byUser {
		users = append(users, id)
	}
	cm.mu.RUnlock()
	return users
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// SendToUser writes msg to every connection of userID and returns how many
// writes succeeded. Failed connections are left for the read path or the
// heartbeat to clean up.
func (cm *ConnectionManager) SendToUser(userID string, msg []byte) int {
	sent := 0
	for _, conn := range cm.ForUser(userID) {
		if err := conn.WriteMessage(msg); err == nil {
			sent++
		}
	}
	return sent
}

// Broadcast sends a message to all connected clients. Errors on individual
// connections are ignored.
func (cm *ConnectionManager) Broadcast(msg []byte) {
	for _, conn := range cm.All() {
		_ = conn.WriteMessage(msg)
	}
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
