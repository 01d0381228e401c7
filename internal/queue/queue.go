// Package queue implements the Redis-backed job queue, the bounded
// worker pool that drains it, and the typing-heartbeat driver described
// in spec.md §4.3. A Job is a plain data value (never a closure) so it
// can cross the Redis list and be picked up by any worker process; the
// handler it names is resolved against internal/registry.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// State is a Job's position in the state machine from spec.md §3:
// pending -> processing -> (completed | pending-on-retry | failed-to-DLQ).
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Job is the serialisable unit of work. HandlerName is looked up in an
// internal/registry.Registry; Payload is opaque to the queue itself.
type Job struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	HandlerName    string          `json:"handler_name"`
	Payload        json.RawMessage `json:"payload"`
	Attempts       int             `json:"attempts"`
	State          State           `json:"state"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	LastAttemptAt  time.Time       `json:"last_attempt_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
}

const jobsListKey = "cc:jobs"

// Queue wraps a Redis list as a FIFO job queue (LPush producer side,
// BRPop consumer side), carrying a typed, JSON-encoded envelope.
type Queue struct {
	client *redis.Client
}

func New(url string) (*Queue, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &Queue{client: redis.NewClient(opt)}, nil
}

// NewFromClient wraps an already-constructed client, used by tests that
// point at a miniredis instance.
func NewFromClient(client *redis.Client) *Queue {
	return &Queue{client: client}
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// Enqueue appends a new job and returns its ID. It returns immediately;
// the caller (the webhook handler) acknowledges the platform long before
// any handler runs, per spec.md §4.3.
func (q *Queue) Enqueue(ctx context.Context, conversationID, handlerName string, payload json.RawMessage) (string, error) {
	job := Job{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		HandlerName:    handlerName,
		Payload:        payload,
		State:          StatePending,
		EnqueuedAt:     time.Now().UTC(),
	}
	return job.ID, q.push(ctx, job)
}

// Requeue re-submits a job that failed a recoverable error, resetting its
// state to pending; the attempt counter is left as the caller set it.
// Used by the worker pool's retry path and by the DLQ manager's
// retry-one operation.
func (q *Queue) Requeue(ctx context.Context, job Job) error {
	job.State = StatePending
	return q.push(ctx, job)
}

func (q *Queue) push(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, jobsListKey, data).Err()
}

// Dequeue blocks up to timeout waiting for a job.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (Job, bool, error) {
	res, err := q.client.BRPop(ctx, timeout, jobsListKey).Result()
	if err == redis.Nil {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	if len(res) < 2 {
		return Job{}, false, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return Job{}, false, err
	}
	return job, true, nil
}

func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, jobsListKey).Result()
}
