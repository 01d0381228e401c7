// Package dlq implements the dead-letter queue manager from spec.md
// §4.4: records for jobs that exhausted the worker pool's retry budget,
// list/retry/discard/obliterate operations, per-reason aggregates, and a
// background alert sweep with anti-flap suppression, built on the same
// Redis list idiom as internal/queue.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jorgealan/conv-core/internal/queue"
)

const (
	recordsKey = "cc:dlq:records"
	reasonsKey = "cc:dlq:reasons"
)

// Record is a persisted dead-letter entry, per spec.md §4.4's contract.
type Record struct {
	ID             string          `json:"id"`
	OriginalJobID  string          `json:"original_job_id"`
	ConversationID string          `json:"conversation_id"`
	HandlerName    string          `json:"handler_name"`
	Payload        json.RawMessage `json:"payload"`
	Reason         string          `json:"reason"`
	Attempts       int             `json:"attempts"`
	FailedAt       time.Time       `json:"failed_at"`
}

// Requeuer is the subset of *queue.Queue the manager needs; matching it
// by interface keeps this package testable without a live Redis queue.
type Requeuer interface {
	Requeue(ctx context.Context, job queue.Job) error
}

// AlertSink receives the error-level event spec.md §4.4 describes when
// the waiting count crosses DLQAlertThreshold.
type AlertSink interface {
	Alert(ctx context.Context, waiting int, threshold int)
}

// Persister mirrors dead-letter records into durable storage (see
// internal/store) so they survive a Redis flush and can be inspected
// across replicas. Optional: a Manager with no persister attached works
// exactly as before, keeping Redis as the sole source of truth.
type Persister interface {
	SaveDLQRecord(ctx context.Context, rec PersistedRecord) error
	DeleteDLQRecord(ctx context.Context, id string) error
}

// PersistedRecord is the subset of a Record a Persister stores, named
// independently of internal/store's row type so this package doesn't
// import the storage layer.
type PersistedRecord struct {
	ID             string
	OriginalJobID  string
	ConversationID string
	HandlerName    string
	Payload        json.RawMessage
	Reason         string
	Attempts       int
	FailedAt       time.Time
}

// LogAlertSink is the default AlertSink, logging at the configured
// logger instead of paging anyone — adequate until a real alerting
// integration is wired in.
type LogAlertSink struct{ Logger *log.Logger }

func (s LogAlertSink) Alert(_ context.Context, waiting, threshold int) {
	logger := s.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("dlq ALERT waiting=%d exceeds threshold=%d", waiting, threshold)
}

// Manager persists dead-letter records in Redis and drives the alert
// sweep. It implements queue.DeadLetterSink.
type Manager struct {
	client   *redis.Client
	requeuer Requeuer
	alert    AlertSink
	logger   *log.Logger

	alertThreshold int
	checkInterval  time.Duration
	alertSuppress  time.Duration

	mu          sync.Mutex
	lastAlertAt time.Time

	persister Persister
}

// AttachPersister wires a durable mirror into the manager. Best-effort:
// persistence failures are logged, never returned, since Redis remains
// the manager's source of truth.
func (m *Manager) AttachPersister(p Persister) {
	m.persister = p
}

func New(client *redis.Client, requeuer Requeuer, alert AlertSink, alertThreshold int, checkInterval, alertSuppress time.Duration, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	if alert == nil {
		alert = LogAlertSink{Logger: logger}
	}
	if alertThreshold <= 0 {
		alertThreshold = 10
	}
	if checkInterval <= 0 {
		checkInterval = 5 * time.Minute
	}
	if alertSuppress <= 0 {
		alertSuppress = 30 * time.Minute
	}
	return &Manager{
		client:         client,
		requeuer:       requeuer,
		alert:          alert,
		logger:         logger,
		alertThreshold: alertThreshold,
		checkInterval:  checkInterval,
		alertSuppress:  alertSuppress,
	}
}

// Add persists a failed job as a dead-letter record, implementing
// queue.DeadLetterSink.
func (m *Manager) Add(ctx context.Context, job queue.Job, failErr error) error {
	reason := "unknown"
	if failErr != nil {
		reason = failErr.Error()
	}
	record := Record{
		ID:             uuid.NewString(),
		OriginalJobID:  job.ID,
		ConversationID: job.ConversationID,
		HandlerName:    job.HandlerName,
		Payload:        job.Payload,
		Reason:         reason,
		Attempts:       job.Attempts,
		FailedAt:       time.Now().UTC(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}

	pipe := m.client.TxPipeline()
	pipe.HSet(ctx, recordsKey, record.ID, data)
	pipe.HIncrBy(ctx, reasonsKey, reason, 1)
	if _, err = pipe.Exec(ctx); err != nil {
		return err
	}

	if m.persister != nil {
		if perr := m.persister.SaveDLQRecord(ctx, PersistedRecord(record)); perr != nil {
			m.logger.Printf("dlq persist record %s failed: %v", record.ID, perr)
		}
	}
	return nil
}

// List returns up to limit records starting at offset, ordered by
// failure time descending (most recent first), per spec.md §4.4's
// paginated list operation.
func (m *Manager) List(ctx context.Context, offset, limit int) ([]Record, error) {
	raw, err := m.client.HGetAll(ctx, recordsKey).Result()
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(raw))
	for _, v := range raw {
		var r Record
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			continue
		}
		records = append(records, r)
	}
	sortByFailedAtDesc(records)

	if offset >= len(records) {
		return []Record{}, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(records) {
		end = len(records)
	}
	return records[offset:end], nil
}

// Count reports the number of records currently waiting in the DLQ.
func (m *Manager) Count(ctx context.Context) (int64, error) {
	return m.client.HLen(ctx, recordsKey).Result()
}

// ReasonCounts returns the per-reason aggregate spec.md §4.4 requires.
func (m *Manager) ReasonCounts(ctx context.Context) (map[string]int64, error) {
	raw, err := m.client.HGetAll(ctx, reasonsKey).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for reason, countStr := range raw {
		var n int64
		fmt.Sscanf(countStr, "%d", &n)
		out[reason] = n
	}
	return out, nil
}

// RetryOne requeues the record's job onto the main queue with a fresh
// attempt budget and removes the dead-letter record.
func (m *Manager) RetryOne(ctx context.Context, recordID string) error {
	record, err := m.get(ctx, recordID)
	if err != nil {
		return err
	}
	job := queue.Job{
		ID:             record.OriginalJobID,
		ConversationID: record.ConversationID,
		HandlerName:    record.HandlerName,
		Payload:        record.Payload,
		Attempts:       0,
	}
	if err := m.requeuer.Requeue(ctx, job); err != nil {
		return err
	}
	return m.remove(ctx, record)
}

// RetryAll requeues every waiting record, returning how many succeeded
// before the first error (if any).
func (m *Manager) RetryAll(ctx context.Context) (int, error) {
	records, err := m.List(ctx, 0, 0)
	if err != nil {
		return 0, err
	}
	retried := 0
	for _, r := range records {
		if err := m.RetryOne(ctx, r.ID); err != nil {
			return retried, err
		}
		retried++
	}
	return retried, nil
}

// DiscardOne permanently removes a record without requeuing it.
func (m *Manager) DiscardOne(ctx context.Context, recordID string) error {
	record, err := m.get(ctx, recordID)
	if err != nil {
		return err
	}
	return m.remove(ctx, record)
}

// Obliterate deletes every waiting record and resets the reason
// aggregates, per spec.md §4.4's obliterate operation.
func (m *Manager) Obliterate(ctx context.Context) error {
	pipe := m.client.TxPipeline()
	pipe.Del(ctx, recordsKey)
	pipe.Del(ctx, reasonsKey)
	_, err := pipe.Exec(ctx)
	return err
}

func (m *Manager) get(ctx context.Context, recordID string) (Record, error) {
	data, err := m.client.HGet(ctx, recordsKey, recordID).Result()
	if err != nil {
		return Record{}, err
	}
	var record Record
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return Record{}, err
	}
	return record, nil
}

func (m *Manager) remove(ctx context.Context, record Record) error {
	pipe := m.client.TxPipeline()
	pipe.HDel(ctx, recordsKey, record.ID)
	pipe.HIncrBy(ctx, reasonsKey, record.Reason, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	if m.persister != nil {
		if perr := m.persister.DeleteDLQRecord(ctx, record.ID); perr != nil {
			m.logger.Printf("dlq persist delete %s failed: %v", record.ID, perr)
		}
	}
	return nil
}

// RunAlertSweep blocks, checking the waiting count every checkInterval
// until ctx is cancelled: list current state, decide, act, repeat on a
// period.
func (m *Manager) RunAlertSweep(ctx context.Context) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkAlert(ctx)
		}
	}
}

func (m *Manager) checkAlert(ctx context.Context) {
	waiting, err := m.Count(ctx)
	if err != nil {
		m.logger.Printf("dlq alert check failed: %v", err)
		return
	}
	if int(waiting) <= m.alertThreshold {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if time.Since(m.lastAlertAt) < m.alertSuppress {
		return
	}
	m.lastAlertAt = time.Now()
	m.alert.Alert(ctx, int(waiting), m.alertThreshold)
}

func sortByFailedAtDesc(records []Record) {
	for i := 1; i < len(records); i++ {
		for j := i; j > 0 && records[j].FailedAt.After(records[j-1].FailedAt); j-- {
			records[j], records[j-1] = records[j-1], records[j]
		}
	}
}
