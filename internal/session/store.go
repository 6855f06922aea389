package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/dmchat/internal/chat"
)

const (
	// TokenPrefix is the Redis key prefix for bearer credentials.
	TokenPrefix = "token:"

	// SessionPrefix is the Redis key prefix for connection session hashes.
	SessionPrefix = "session:"

	// SessionTTL bounds how long a connection record survives a crashed
	// server.
	SessionTTL = 1 * time.Hour
)

// Store manages credentials and connection sessions in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this WS server instance
	tokenTTL   time.Duration
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client, serverName string, tokenTTL time.Duration) *Store {
	if tokenTTL <= 0 {
		tokenTTL = DefaultTokenTTL
	}
	return &Store{client: client, serverName: serverName, tokenTTL: tokenTTL}
}

// IssueToken creates a new credential for userID and returns it with its
// expiry.
func (s *Store) IssueToken(ctx context.Context, userID string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, errors.New("session: issue token: empty user id")
	}
	tok := newToken()
	if err := s.client.Set(ctx, TokenPrefix+tok, userID, s.tokenTTL).Err(); err != nil {
		return "", time.Time{}, fmt.Errorf("session: issue token: %w", err)
	}
	return tok, time.Now().Add(s.tokenTTL), nil
}

// Authenticate resolves a credential to its user id. Unknown and expired
// credentials yield chat.ErrUnauthenticated.
func (s *Store) Authenticate(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("session: authenticate: %w", chat.ErrUnauthenticated)
	}
	userID, err := s.client.Get(ctx, TokenPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("session: authenticate: %w", chat.ErrUnauthenticated)
	}
	if err != nil {
		return "", fmt.Errorf("session: authenticate: %w", err)
	}
	return userID, nil
}

// Revoke deletes a credential.
func (s *Store) Revoke(ctx context.Context, token string) error {
	return s.client.Del(ctx, TokenPrefix+token).Err()
}

// Create stores a connection session for connID.
func (s *Store) Create(ctx context.Context, connID, userID string) error {
	key := SessionPrefix + connID

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":         connID,
		"user_id":    userID,
		"server":     s.serverName,
		"created_at": time.Now().Unix(),
	})
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// RefreshTTL extends the connection session's TTL. A record that already
// expired, for instance after a Redis restart, is written again.
func (s *Store) RefreshTTL(ctx context.Context, connID, userID string) error {
	ok, err := s.client.Expire(ctx, SessionPrefix+connID, SessionTTL).Result()
	if err != nil {
		return fmt.Errorf("session: refresh: %w", err)
	}
	if !ok {
		return s.Create(ctx, connID, userID)
	}
	return nil
}

// Delete removes a connection session.
func (s *Store) Delete(ctx context.Context, connID string) error {
	return s.client.Del(ctx, SessionPrefix+connID).Err()
}
