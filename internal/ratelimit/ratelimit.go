// Package ratelimit implements the sliding-window rate limiter and
// duplicate-message detector described in spec.md §4.2. Both operations
// are single round-trip Lua scripts against Redis so the check-and-update
// is atomic; a Redis failure falls back to an in-process map with
// identical semantics but no cross-replica consistency.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Source reports which backend served a call, per spec.md §4.2.
type Source string

const (
	SourceRedis  Source = "redis"
	SourceMemory Source = "memory"
)

// RateLimitResult is the contract of checkRateLimit.
type RateLimitResult struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
	Source    Source
}

// DuplicateResult is the contract of checkDuplicate.
type DuplicateResult struct {
	IsDuplicate bool
	Hash        uint32
	Source      Source
}

// slidingWindowScript implements spec.md §4.2's pseudocode exactly as a
// single atomic unit: HMGET, compare to windowMs, reset or increment,
// HMSET + EXPIRE, return the decision tuple.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowMs = tonumber(ARGV[2])
local maxRequests = tonumber(ARGV[3])
local ttlSeconds = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'count', 'windowStart')
local count = tonumber(data[1])
local windowStart = tonumber(data[2])

if not count or not windowStart or (now - windowStart) > windowMs then
	count = 1
	windowStart = now
else
	count = count + 1
end

redis.call('HMSET', key, 'count', count, 'windowStart', windowStart)
redis.call('EXPIRE', key, ttlSeconds)

local allowed = 0
if count <= maxRequests then
	allowed = 1
end

return {allowed, count, windowStart}
`)

// dedupeScript stores the last message hash per key and reports whether
// the new hash matches within windowMs.
var dedupeScript = redis.NewScript(`
local key = KEYS[1]
local newHash = ARGV[1]
local now = tonumber(ARGV[2])
local windowMs = tonumber(ARGV[3])
local ttlSeconds = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'hash', 'timestamp')
local storedHash = data[1]
local storedTs = tonumber(data[2])

local isDuplicate = 0
if storedHash == newHash and storedTs and (now - storedTs) < windowMs then
	isDuplicate = 1
end

redis.call('HMSET', key, 'hash', newHash, 'timestamp', now)
redis.call('EXPIRE', key, ttlSeconds)

return isDuplicate
`)

// Limiter is the distributed rate limiter. It is safe for concurrent use.
type Limiter struct {
	client *redis.Client
	logger *log.Logger

	mu       sync.Mutex
	windows  map[string]*memoryWindow
	dedupes  map[string]*memoryDedupe
	lastSwept time.Time
}

type memoryWindow struct {
	count       int
	windowStart time.Time
}

type memoryDedupe struct {
	hash      uint32
	timestamp time.Time
}

func New(client *redis.Client, logger *log.Logger) *Limiter {
	if logger == nil {
		logger = log.Default()
	}
	return &Limiter{
		client:  client,
		logger:  logger,
		windows: make(map[string]*memoryWindow),
		dedupes: make(map[string]*memoryDedupe),
	}
}

// CheckRateLimit implements spec.md §4.2's checkRateLimit contract for
// conversation key conversationID, allowing at most maxRequests per
// windowMs.
func (l *Limiter) CheckRateLimit(ctx context.Context, conversationID string, windowMs int64, maxRequests int) RateLimitResult {
	key := "rate:" + conversationID
	now := nowMillis()
	ttlSeconds := (windowMs * 2) / 1000
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	if l.client != nil {
		res, err := slidingWindowScript.Run(ctx, l.client, []string{key}, now, windowMs, maxRequests, ttlSeconds).Result()
		if err == nil {
			if values, ok := res.([]any); ok && len(values) == 3 {
				allowed := toInt64(values[0]) == 1
				count := int(toInt64(values[1]))
				windowStart := toInt64(values[2])
				remaining := maxRequests - count
				if remaining < 0 {
					remaining = 0
				}
				return RateLimitResult{
					Allowed:   allowed,
					Count:     count,
					Limit:     maxRequests,
					Remaining: remaining,
					ResetAt:   time.UnixMilli(windowStart).Add(time.Duration(windowMs) * time.Millisecond),
					Source:    SourceRedis,
				}
			}
		}
		l.logger.Printf("ratelimit redis error, falling back to memory: %v", err)
	}

	return l.checkRateLimitMemory(conversationID, windowMs, maxRequests, now)
}

func (l *Limiter) checkRateLimitMemory(conversationID string, windowMs int64, maxRequests int, now int64) RateLimitResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked()

	w, ok := l.windows[conversationID]
	nowTime := time.UnixMilli(now)
	if !ok || nowTime.Sub(w.windowStart) > time.Duration(windowMs)*time.Millisecond {
		w = &memoryWindow{count: 1, windowStart: nowTime}
	} else {
		w.count++
	}
	l.windows[conversationID] = w

	remaining := maxRequests - w.count
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitResult{
		Allowed:   w.count <= maxRequests,
		Count:     w.count,
		Limit:     maxRequests,
		Remaining: remaining,
		ResetAt:   w.windowStart.Add(time.Duration(windowMs) * time.Millisecond),
		Source:    SourceMemory,
	}
}

// CheckDuplicate implements spec.md §4.2's checkDuplicate: a cheap
// 32-bit rolling hash of text, compared against the stored hash for key
// within windowMs.
func (l *Limiter) CheckDuplicate(ctx context.Context, conversationID string, text string, windowMs int64) DuplicateResult {
	key := "dedupe:" + conversationID
	hash := rollingHash32(text)
	now := nowMillis()
	ttlSeconds := (windowMs * 2) / 1000
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	if l.client != nil {
		res, err := dedupeScript.Run(ctx, l.client, []string{key}, fmt.Sprintf("%d", hash), now, windowMs, ttlSeconds).Result()
		if err == nil {
			return DuplicateResult{
				IsDuplicate: toInt64(res) == 1,
				Hash:        hash,
				Source:      SourceRedis,
			}
		}
		l.logger.Printf("dedupe redis error, falling back to memory: %v", err)
	}

	return l.checkDuplicateMemory(conversationID, hash, windowMs, now)
}

func (l *Limiter) checkDuplicateMemory(conversationID string, hash uint32, windowMs int64, now int64) DuplicateResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked()

	nowTime := time.UnixMilli(now)
	d, ok := l.dedupes[conversationID]
	isDuplicate := ok && d.hash == hash && nowTime.Sub(d.timestamp) < time.Duration(windowMs)*time.Millisecond
	l.dedupes[conversationID] = &memoryDedupe{hash: hash, timestamp: nowTime}

	return DuplicateResult{IsDuplicate: isDuplicate, Hash: hash, Source: SourceMemory}
}

// sweepLocked prunes fallback entries older than 5 minutes, per spec.md
// §4.2. Caller must hold l.mu.
func (l *Limiter) sweepLocked() {
	now := time.Now()
	if now.Sub(l.lastSwept) < time.Minute {
		return
	}
	l.lastSwept = now
	cutoff := now.Add(-5 * time.Minute)
	for k, w := range l.windows {
		if w.windowStart.Before(cutoff) {
			delete(l.windows, k)
		}
	}
	for k, d := range l.dedupes {
		if d.timestamp.Before(cutoff) {
			delete(l.dedupes, k)
		}
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case string:
		var n int64
		fmt.Sscanf(t, "%d", &n)
		return n
	default:
		return 0
	}
}

// rollingHash32 is a deterministic 32-bit rolling hash (see DESIGN.md's
// Open Question #2). It is computed here in Go and handed to the dedupe
// Lua script above as a string, which the script only compares with the
// value stored under the key; the script computes no hash itself.
func rollingHash32(s string) uint32 {
	var h uint32 = 0
	for i := 0; i < len(s); i++ {
		h = h*31 + uint32(s[i])
	}
	return h
}
