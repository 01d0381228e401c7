package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBeaconQueue(t *testing.T) *BeaconQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewBeaconQueue(client)
}

func TestBeaconQueueEnqueueDequeueRoundTrip(t *testing.T) {
	q := newTestBeaconQueue(t)
	ctx := context.Background()

	beacon := json.RawMessage(`{"beacon_id":"b1","signal_source":"QA_BATCH_FINISHED"}`)
	id, err := q.Enqueue(ctx, beacon, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id == "" {
		t.Fatalf("expected a non-empty envelope id")
	}

	depth, err := q.Depth(ctx)
	if err != nil || depth != 1 {
		t.Fatalf("expected depth=1, got %d err=%v", depth, err)
	}

	env, ok, err := q.Dequeue(ctx, time.Second)
	if err != nil || !ok {
		t.Fatalf("expected a dequeued envelope, ok=%v err=%v", ok, err)
	}
	if env.ID != id {
		t.Fatalf("expected id %s, got %s", id, env.ID)
	}
	if string(env.Beacon) != string(beacon) {
		t.Fatalf("beacon payload did not round-trip: %s", env.Beacon)
	}
}

func TestBeaconQueueDequeueTimesOutWhenEmpty(t *testing.T) {
	q := newTestBeaconQueue(t)
	_, ok, err := q.Dequeue(context.Background(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected no envelope on an empty queue")
	}
}
