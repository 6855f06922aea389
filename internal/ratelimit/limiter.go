// Package ratelimit throttles client actions per identity. The Redis limiter
// uses an INCR + EXPIRE fixed window shared by every server process; the
// memory limiter keeps token buckets in-process for single-node deployments
// and the REST API.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Rule defines a rate limiting policy: the key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // key prefix (e.g., "rl:send:", "rl:typing:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleSendMessage allows 30 send intents per 10 seconds per user.
	RuleSendMessage = Rule{Key: "rl:send:", Limit: 30, Window: 10 * time.Second}

	// RuleTyping allows 20 typing signals per 10 seconds per user.
	RuleTyping = Rule{Key: "rl:typing:", Limit: 20, Window: 10 * time.Second}

	// RuleConnect allows 20 WebSocket upgrades per minute per user.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 20, Window: 1 * time.Minute}

	// RuleAPI allows 120 REST requests per minute per user.
	RuleAPI = Rule{Key: "rl:api:", Limit: 120, Window: 1 * time.Minute}
)

// Checker is satisfied by both limiters.
type Checker interface {
	Allow(ctx context.Context, identifier string, rule Rule) (bool, error)
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow increments the identifier's counter for rule and sets the expiry on
// first access. On Redis errors it fails open so an outage does not block
// legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("[ratelimit] redis INCR failed, failing open")
		return true, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("[ratelimit] redis EXPIRE failed, failing open")
			// Without a TTL the key would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining returns how many requests the identifier has left in the
// current window. Missing keys and Redis errors report the full limit.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		return rule.Limit, err
	}
	return max(rule.Limit-count, 0), nil
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter keeps one token bucket per rule and identifier. A rule's
// bucket refills Limit tokens per Window with a burst of Limit.
type MemoryLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// NewMemoryLimiter creates an in-process limiter. Buckets untouched for
// idleTTL are dropped.
func NewMemoryLimiter(idleTTL time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		buckets: make(map[string]*bucket),
		idleTTL: idleTTL,
		now:     time.Now,
	}
}

// Allow takes one token from the identifier's bucket. It never errors.
func (m *MemoryLimiter) Allow(_ context.Context, identifier string, rule Rule) (bool, error) {
	now := m.now()
	key := rule.Key + identifier

	m.mu.Lock()
	defer m.mu.Unlock()

	if now.Sub(m.lastSweep) > m.idleTTL {
		for k, b := range m.buckets {
			if now.Sub(b.lastSeen) > m.idleTTL {
				delete(m.buckets, k)
			}
		}
		m.lastSweep = now
	}

	b, ok := m.buckets[key]
	if !ok {
		every := rule.Window / time.Duration(max(rule.Limit, 1))
		b = &bucket{lim: rate.NewLimiter(rate.Every(every), max(rule.Limit, 1))}
		m.buckets[key] = b
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1), nil
}
