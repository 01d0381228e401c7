package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/jorgealan/conv-core/internal/registry"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewFromClient(client)
}

type fakeDLQ struct {
	mu    sync.Mutex
	added []Job
}

func (f *fakeDLQ) Add(_ context.Context, job Job, _ error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, job)
	return nil
}

func (f *fakeDLQ) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.added)
}

type fakeTyping struct{ pokes int32 }

func (f *fakeTyping) NotifyTyping(context.Context, string) error {
	atomic.AddInt32(&f.pokes, 1)
	return nil
}

func TestPoolProcessesJobSuccessfully(t *testing.T) {
	q := newTestQueue(t)
	reg := registry.New()
	reg.Register("ok", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"handled":true}`), nil
	})

	dlq := &fakeDLQ{}
	pool := NewPool(q, reg, PoolConfig{MaxConcurrent: 1, MaxRetries: 2, RetryDelay: 10 * time.Millisecond, ProcessingTimeout: time.Second}, nil, nil, dlq, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go pool.Run(ctx)

	id, err := q.Enqueue(context.Background(), "conv-1", "ok", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		if rec, ok := pool.Result(id); ok {
			if rec.Err != nil {
				t.Fatalf("unexpected job error: %v", rec.Err)
			}
			if string(rec.Result) != `{"handled":true}` {
				t.Fatalf("unexpected result: %s", rec.Result)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for job result")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if dlq.count() != 0 {
		t.Fatalf("expected no DLQ handoff on success")
	}
}

func TestPoolExhaustsRetriesIntoDLQ(t *testing.T) {
	q := newTestQueue(t)
	reg := registry.New()
	reg.Register("always-fails", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("boom")
	})

	dlq := &fakeDLQ{}
	pool := NewPool(q, reg, PoolConfig{MaxConcurrent: 1, MaxRetries: 1, RetryDelay: 5 * time.Millisecond, ProcessingTimeout: time.Second}, nil, nil, dlq, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go pool.Run(ctx)

	if _, err := q.Enqueue(context.Background(), "conv-2", "always-fails", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.After(time.Second)
	for dlq.count() == 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for DLQ handoff")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if dlq.count() != 1 {
		t.Fatalf("expected exactly one DLQ handoff, got %d", dlq.count())
	}
}

func TestPoolUnregisteredHandlerGoesStraightToDLQ(t *testing.T) {
	q := newTestQueue(t)
	reg := registry.New()
	dlq := &fakeDLQ{}
	pool := NewPool(q, reg, PoolConfig{MaxConcurrent: 1, MaxRetries: 3, RetryDelay: 5 * time.Millisecond, ProcessingTimeout: time.Second}, nil, nil, dlq, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go pool.Run(ctx)

	if _, err := q.Enqueue(context.Background(), "conv-3", "missing-handler", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.After(500 * time.Millisecond)
	for dlq.count() == 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for immediate DLQ handoff")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPoolTypingNotifierInvoked(t *testing.T) {
	q := newTestQueue(t)
	reg := registry.New()
	started := make(chan struct{})
	reg.Register("slow", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		close(started)
		select {
		case <-time.After(60 * time.Millisecond):
		case <-ctx.Done():
		}
		return json.RawMessage(`{}`), nil
	})

	typing := &fakeTyping{}
	pool := NewPool(q, reg, PoolConfig{MaxConcurrent: 1, MaxRetries: 1, TypingEnabled: true, TypingInterval: 15 * time.Millisecond, ProcessingTimeout: time.Second}, typing, nil, &fakeDLQ{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go pool.Run(ctx)

	if _, err := q.Enqueue(context.Background(), "conv-4", "slow", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case <-started:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("handler never started")
	}
	time.Sleep(120 * time.Millisecond)
	if atomic.LoadInt32(&typing.pokes) == 0 {
		t.Fatalf("expected at least one typing notification")
	}
}

func TestPoolProcessingTimeoutRetries(t *testing.T) {
	q := newTestQueue(t)
	reg := registry.New()
	reg.Register("hangs", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	dlq := &fakeDLQ{}
	pool := NewPool(q, reg, PoolConfig{MaxConcurrent: 1, MaxRetries: 0, RetryDelay: time.Millisecond, ProcessingTimeout: 20 * time.Millisecond}, nil, nil, dlq, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go pool.Run(ctx)

	if _, err := q.Enqueue(context.Background(), "conv-5", "hangs", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.After(500 * time.Millisecond)
	for dlq.count() == 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for timeout-driven DLQ handoff")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
