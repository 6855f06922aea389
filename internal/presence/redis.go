package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// UserPrefix keys the set of connection ids held by a user.
	UserPrefix = "presence:user:"

	// ConnPrefix keys the owner of a single connection id.
	ConnPrefix = "presence:conn:"

	// DefaultTTL bounds how long handles survive without a heartbeat.
	DefaultTTL = 90 * time.Second
)

// registerScript adds a handle and returns 1 when the user's set was empty.
//
//	KEYS[1] = presence:user:<user>  KEYS[2] = presence:conn:<conn>
//	ARGV[1] = conn id  ARGV[2] = user id  ARGV[3] = ttl seconds
var registerScript = redis.NewScript(`
local before = redis.call('SCARD', KEYS[1])
local added = redis.call('SADD', KEYS[1], ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('SET', KEYS[2], ARGV[2], 'EX', ARGV[3])
if before == 0 and added == 1 then
	return 1
end
return 0
`)

// unregisterScript removes a handle, prunes handles whose owner key expired
// with a crashed process, and reports whether the set became empty.
//
//	KEYS[1] = presence:conn:<conn>
//	ARGV[1] = conn id  ARGV[2] = user prefix  ARGV[3] = conn prefix
var unregisterScript = redis.NewScript(`
local user = redis.call('GET', KEYS[1])
if not user then
	return {'', 0}
end
redis.call('DEL', KEYS[1])
local set = ARGV[2] .. user
local removed = redis.call('SREM', set, ARGV[1])
for _, member in ipairs(redis.call('SMEMBERS', set)) do
	if redis.call('EXISTS', ARGV[3] .. member) == 0 then
		redis.call('SREM', set, member)
	end
end
if removed == 1 and redis.call('SCARD', set) == 0 then
	return {user, 1}
end
return {user, 0}
`)

// RedisTracker shares presence between server processes. Every handle has
// a TTL that the heartbeat refreshes through Touch, so a crashed process
// cannot keep its users online forever.
type RedisTracker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisTracker creates a tracker on client. A non-positive ttl selects
// DefaultTTL.
func NewRedisTracker(client *redis.Client, ttl time.Duration) *RedisTracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisTracker{client: client, ttl: ttl}
}

func (t *RedisTracker) Register(ctx context.Context, userID, connID string) (bool, error) {
	n, err := registerScript.Run(ctx, t.client,
		[]string{UserPrefix + userID, ConnPrefix + connID},
		connID, userID, int(t.ttl.Seconds()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("presence: register: %w", err)
	}
	return n == 1, nil
}

func (t *RedisTracker) Unregister(ctx context.Context, connID string) (string, bool, error) {
	res, err := unregisterScript.Run(ctx, t.client,
		[]string{ConnPrefix + connID},
		connID, UserPrefix, ConnPrefix,
	).Slice()
	if err != nil {
		return "", false, fmt.Errorf("presence: unregister: %w", err)
	}
	if len(res) != 2 {
		return "", false, fmt.Errorf("presence: unregister: unexpected reply %v", res)
	}
	userID, _ := res[0].(string)
	flag, _ := res[1].(int64)
	return userID, flag == 1, nil
}

func (t *RedisTracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := t.client.SCard(ctx, UserPrefix+userID).Result()
	if err != nil {
		return false, fmt.Errorf("presence: is online: %w", err)
	}
	return n > 0, nil
}

// Touch refreshes the TTL of a live handle and its user's set.
func (t *RedisTracker) Touch(ctx context.Context, userID, connID string) error {
	pipe := t.client.Pipeline()
	pipe.Expire(ctx, UserPrefix+userID, t.ttl)
	pipe.Expire(ctx, ConnPrefix+connID, t.ttl)
	_, err := pipe.Exec(ctx)
	return err
}
