// Package session manages bearer credentials and per-connection session
// records. A credential is an opaque random token mapped to a user id with
// an expiry; a connection session records which server holds a live
// connection for a user.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/dmchat/internal/chat"
)

// DefaultTokenTTL is how long an issued credential stays valid.
const DefaultTokenTTL = 24 * time.Hour

// ConnSession describes one live WebSocket connection.
type ConnSession struct {
	ID        string `redis:"id"`
	UserID    string `redis:"user_id"`
	Server    string `redis:"server"`     // which WS server instance
	CreatedAt int64  `redis:"created_at"` // unix timestamp
}

// newToken returns an unguessable opaque credential.
func newToken() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}

// MemoryStore is the in-process Store used in single-node development
// and tests.
type MemoryStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	tokens map[string]memToken
	conns  map[string]ConnSession
	now    func() time.Time
}

type memToken struct {
	userID  string
	expires time.Time
}

// NewMemoryStore creates an empty in-memory credential store.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:    ttl,
		tokens: make(map[string]memToken),
		conns:  make(map[string]ConnSession),
		now:    time.Now,
	}
}

func (s *MemoryStore) IssueToken(ctx context.Context, userID string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, errors.New("session: issue token: empty user id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tok := newToken()
	exp := s.now().Add(s.ttl)
	s.tokens[tok] = memToken{userID: userID, expires: exp}
	return tok, exp, nil
}

func (s *MemoryStore) Authenticate(ctx context.Context, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[token]
	if !ok || token == "" {
		return "", fmt.Errorf("session: authenticate: %w", chat.ErrUnauthenticated)
	}
	if !s.now().Before(t.expires) {
		delete(s.tokens, token)
		return "", fmt.Errorf("session: authenticate: %w", chat.ErrUnauthenticated)
	}
	return t.userID, nil
}

func (s *MemoryStore) Revoke(ctx context.Context, token string) error {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Create(ctx context.Context, connID, userID string) error {
	s.mu.Lock()
	s.conns[connID] = ConnSession{ID: connID, UserID: userID, Server: "local", CreatedAt: s.now().Unix()}
	s.mu.Unlock()
	return nil
}

// RefreshTTL recreates the record if it is gone. Memory records do not
// expire.
func (s *MemoryStore) RefreshTTL(ctx context.Context, connID, userID string) error {
	s.mu.Lock()
	_, ok := s.conns[connID]
	s.mu.Unlock()
	if ok {
		return nil
	}
	return s.Create(ctx, connID, userID)
}

func (s *MemoryStore) Delete(ctx context.Context, connID string) error {
	s.mu.Lock()
	delete(s.conns, connID)
	s.mu.Unlock()
	return nil
}
