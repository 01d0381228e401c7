package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// beaconsListKey is the second ingest path's Redis list, separate from
// jobsListKey so beacon traffic never competes with conversational
// message jobs for a worker slot, per spec.md §2's two-path data flow.
const beaconsListKey = "cc:beacons"

// BeaconEnvelope is the unit of work the beacon queue carries: the raw
// operational event plus whatever pre-classification the ingest adapter
// (out of scope here) already attached.
type BeaconEnvelope struct {
	ID           string          `json:"id"`
	Beacon       json.RawMessage `json:"beacon"`
	Signal       json.RawMessage `json:"signal,omitempty"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
}

// BeaconQueue is the same LPush/BRPop list primitive as Queue, kept as
// its own type (rather than a second Queue instance) since beacons carry
// no attempt/state machine — the rule engine's Evaluate is a pure
// function with no recoverable-error retry path to model.
type BeaconQueue struct {
	client *redis.Client
}

func NewBeaconQueue(client *redis.Client) *BeaconQueue {
	return &BeaconQueue{client: client}
}

// Enqueue appends a raw beacon (and optional pre-normalised signal) and
// returns the envelope ID assigned to it.
func (q *BeaconQueue) Enqueue(ctx context.Context, beacon, signal json.RawMessage) (string, error) {
	env := BeaconEnvelope{
		ID:         uuid.NewString(),
		Beacon:     beacon,
		Signal:     signal,
		EnqueuedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return env.ID, q.client.LPush(ctx, beaconsListKey, data).Err()
}

// Dequeue blocks up to timeout waiting for the next beacon envelope.
func (q *BeaconQueue) Dequeue(ctx context.Context, timeout time.Duration) (BeaconEnvelope, bool, error) {
	res, err := q.client.BRPop(ctx, timeout, beaconsListKey).Result()
	if err == redis.Nil {
		return BeaconEnvelope{}, false, nil
	}
	if err != nil {
		return BeaconEnvelope{}, false, err
	}
	if len(res) < 2 {
		return BeaconEnvelope{}, false, nil
	}
	var env BeaconEnvelope
	if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
		return BeaconEnvelope{}, false, err
	}
	return env, true, nil
}

func (q *BeaconQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, beaconsListKey).Result()
}
