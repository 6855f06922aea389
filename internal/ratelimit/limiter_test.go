package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestMemoryLimiter_BurstThenRefill(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(time.Hour)
	l.now = func() time.Time { return now }
	rule := Rule{Key: "rl:test:", Limit: 3, Window: 3 * time.Second}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if ok, _ := l.Allow(ctx, "u1", rule); !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if ok, _ := l.Allow(ctx, "u1", rule); ok {
		t.Fatal("4th request in the window should be limited")
	}
	if ok, _ := l.Allow(ctx, "u2", rule); !ok {
		t.Fatal("other identifiers have their own bucket")
	}

	now = now.Add(time.Second)
	if ok, _ := l.Allow(ctx, "u1", rule); !ok {
		t.Fatal("a token should have refilled after one second")
	}
}

func TestMemoryLimiter_SweepsIdleBuckets(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(time.Minute)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	l.Allow(ctx, "a", RuleTyping)
	now = now.Add(2 * time.Minute)
	l.Allow(ctx, "b", RuleTyping)

	if _, ok := l.buckets[RuleTyping.Key+"a"]; ok {
		t.Error("idle bucket should have been swept")
	}
	if _, ok := l.buckets[RuleTyping.Key+"b"]; !ok {
		t.Error("fresh bucket should remain")
	}
}

func TestRedisLimiter(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	rule := Rule{Key: "rl:test_redis:", Limit: 2, Window: 5 * time.Second}
	client.Del(ctx, rule.Key+"u1")
	t.Cleanup(func() {
		client.Del(ctx, rule.Key+"u1")
		client.Close()
	})

	l := NewLimiter(client)
	for i := 0; i < 2; i++ {
		if ok, err := l.Allow(ctx, "u1", rule); !ok || err != nil {
			t.Fatalf("request %d: ok=%v err=%v", i+1, ok, err)
		}
	}
	if ok, _ := l.Allow(ctx, "u1", rule); ok {
		t.Fatal("3rd request should be limited")
	}
	if n, _ := l.Remaining(ctx, "u1", rule); n != 0 {
		t.Errorf("expected 0 remaining, got %d", n)
	}
}
