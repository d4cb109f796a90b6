package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) (*Limiter, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		iter := client.Scan(ctx, 0, "rl:test:*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		client.Close()
	})
	return NewLimiter(client), client
}

func TestAllow_LimitWithinWindow(t *testing.T) {
	limiter, client := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}
	id := "allow_window"
	limiter.Reset(ctx, id, rule)

	for i := 1; i <= rule.Limit; i++ {
		ok, err := limiter.Allow(ctx, id, rule)
		if err != nil {
			t.Fatalf("Allow() #%d error: %v", i, err)
		}
		if !ok {
			t.Fatalf("Allow() #%d: expected allowed", i)
		}
	}

	ok, err := limiter.Allow(ctx, id, rule)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if ok {
		t.Error("expected request over the limit to be rejected")
	}

	ttl, err := client.TTL(ctx, rule.Key+id).Result()
	if err != nil {
		t.Fatalf("TTL() error: %v", err)
	}
	if ttl <= 0 || ttl > rule.Window {
		t.Errorf("expected TTL within (0, %v], got %v", rule.Window, ttl)
	}
}

func TestAllow_WindowExpires(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: time.Second}
	id := "allow_expire"
	limiter.Reset(ctx, id, rule)

	if ok, _ := limiter.Allow(ctx, id, rule); !ok {
		t.Fatal("first request should be allowed")
	}
	if ok, _ := limiter.Allow(ctx, id, rule); ok {
		t.Fatal("second request should be limited")
	}

	time.Sleep(1100 * time.Millisecond)

	if ok, _ := limiter.Allow(ctx, id, rule); !ok {
		t.Error("request after the window should be allowed")
	}
}

func TestRemaining(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 5, Window: time.Minute}
	id := "remaining"
	limiter.Reset(ctx, id, rule)

	if n, err := limiter.Remaining(ctx, id, rule); err != nil || n != 5 {
		t.Fatalf("expected 5 remaining, got %d (err=%v)", n, err)
	}
	limiter.Allow(ctx, id, rule)
	limiter.Allow(ctx, id, rule)
	if n, _ := limiter.Remaining(ctx, id, rule); n != 3 {
		t.Errorf("expected 3 remaining, got %d", n)
	}
}

func TestAllow_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	limiter := NewLimiter(client)

	ok, err := limiter.Allow(context.Background(), "any", RuleMessage)
	if err == nil {
		t.Fatal("expected an error from an unreachable redis")
	}
	if !ok {
		t.Error("expected fail-open on redis errors")
	}
}
