package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, nil)
}

func TestCheckRateLimitAllowsUpToMax(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		res := l.CheckRateLimit(ctx, "C2", 60_000, 2)
		if !res.Allowed {
			t.Fatalf("request %d: expected allowed", i)
		}
		if res.Source != SourceRedis {
			t.Fatalf("expected redis source, got %s", res.Source)
		}
	}

	res := l.CheckRateLimit(ctx, "C2", 60_000, 2)
	if res.Allowed {
		t.Fatalf("expected third request to be rate limited")
	}
	if res.Remaining != 0 {
		t.Fatalf("expected remaining=0, got %d", res.Remaining)
	}
}

func TestCheckDuplicateWithinWindow(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	first := l.CheckDuplicate(ctx, "C1", "hola", 5_000)
	if first.IsDuplicate {
		t.Fatalf("expected first message to not be duplicate")
	}
	second := l.CheckDuplicate(ctx, "C1", "hola", 5_000)
	if !second.IsDuplicate {
		t.Fatalf("expected second identical message to be duplicate")
	}
	if second.Hash != first.Hash {
		t.Fatalf("expected identical hash for identical text")
	}
}

func TestMemoryFallbackWhenRedisUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}) // nothing listening
	l := New(client, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	res := l.CheckRateLimit(ctx, "C3", 60_000, 2)
	if res.Source != SourceMemory {
		t.Fatalf("expected memory fallback source, got %s", res.Source)
	}
	if !res.Allowed {
		t.Fatalf("expected first fallback request to be allowed")
	}
}
