// Package store is the Postgres persistence layer for the §6 "Persisted
// state" formats: job records, DLQ records, the semantic cache's
// cross-replica mirror, feedback records, detector configs, and the
// tuner's immutable adjustment history. It exposes a queryer interface
// wrapping *sql.DB or *sql.Tx, typed row structs, and an
// Open/Close/Ping surface; WithTx is a plain transactional helper since
// nothing in this system is multi-tenant.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type Store struct {
	db *sql.DB
	q  queryer
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func Open(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("missing database dsn")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{db: db, q: db}, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(scoped *Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	scoped := &Store{db: s.db, q: tx}
	if err := fn(scoped); err != nil {
		return err
	}
	return tx.Commit()
}

// JobRecord mirrors spec.md §6's "Job record" persisted-state format.
type JobRecord struct {
	ID             string
	ConversationID string
	HandlerName    string
	Payload        json.RawMessage
	Attempts       int
	State          string
	EnqueuedAt     time.Time
	LastAttemptAt  sql.NullTime
	LastError      sql.NullString
}

// SaveJobRecord upserts a job's durable audit row, called by the worker
// pool at each state transition (see cmd/convcored's wiring).
func (s *Store) SaveJobRecord(ctx context.Context, rec JobRecord) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO jobs (id, conversation_id, handler_name, payload, attempts, state, enqueued_at, last_attempt_at, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			attempts = EXCLUDED.attempts,
			state = EXCLUDED.state,
			last_attempt_at = EXCLUDED.last_attempt_at,
			last_error = EXCLUDED.last_error
	`, rec.ID, rec.ConversationID, rec.HandlerName, []byte(rec.Payload), rec.Attempts, rec.State, rec.EnqueuedAt, rec.LastAttemptAt, rec.LastError)
	return err
}

func (s *Store) GetJobRecord(ctx context.Context, id string) (JobRecord, error) {
	var rec JobRecord
	var payload []byte
	row := s.q.QueryRowContext(ctx, `
		SELECT id, conversation_id, handler_name, payload, attempts, state, enqueued_at, last_attempt_at, last_error
		FROM jobs WHERE id = $1
	`, id)
	if err := row.Scan(&rec.ID, &rec.ConversationID, &rec.HandlerName, &payload, &rec.Attempts, &rec.State, &rec.EnqueuedAt, &rec.LastAttemptAt, &rec.LastError); err != nil {
		return rec, err
	}
	rec.Payload = payload
	return rec, nil
}

func (s *Store) ListJobRecordsByState(ctx context.Context, state string, limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, conversation_id, handler_name, payload, attempts, state, enqueued_at, last_attempt_at, last_error
		FROM jobs WHERE state = $1 ORDER BY enqueued_at DESC LIMIT $2
	`, state, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var rec JobRecord
		var payload []byte
		if err := rows.Scan(&rec.ID, &rec.ConversationID, &rec.HandlerName, &payload, &rec.Attempts, &rec.State, &rec.EnqueuedAt, &rec.LastAttemptAt, &rec.LastError); err != nil {
			return nil, err
		}
		rec.Payload = payload
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DLQRecord mirrors spec.md §6's "DLQ record" persisted-state format and
// satisfies internal/dlq's Persister interface.
type DLQRecord struct {
	ID             string
	OriginalJobID  string
	ConversationID string
	HandlerName    string
	Payload        json.RawMessage
	Reason         string
	Attempts       int
	FailedAt       time.Time
}

// SaveDLQRecord implements dlq.Persister, mirroring the Redis-backed DLQ
// record into Postgres for durable inspection across replicas.
func (s *Store) SaveDLQRecord(ctx context.Context, rec DLQRecord) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO dlq_records (id, original_job_id, conversation_id, handler_name, payload, reason, attempts, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, rec.ID, rec.OriginalJobID, rec.ConversationID, rec.HandlerName, []byte(rec.Payload), rec.Reason, rec.Attempts, rec.FailedAt)
	return err
}

// DeleteDLQRecord implements dlq.Persister, called when a record is
// retried or discarded from the live Redis-backed DLQ.
func (s *Store) DeleteDLQRecord(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM dlq_records WHERE id = $1`, id)
	return err
}

func (s *Store) ListDLQRecords(ctx context.Context, offset, limit int) ([]DLQRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, original_job_id, conversation_id, handler_name, payload, reason, attempts, failed_at
		FROM dlq_records ORDER BY failed_at DESC OFFSET $1 LIMIT $2
	`, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DLQRecord
	for rows.Next() {
		var rec DLQRecord
		var payload []byte
		if err := rows.Scan(&rec.ID, &rec.OriginalJobID, &rec.ConversationID, &rec.HandlerName, &payload, &rec.Reason, &rec.Attempts, &rec.FailedAt); err != nil {
			return nil, err
		}
		rec.Payload = payload
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CacheEntryRecord is the Postgres mirror of a semantic-cache entry
// (spec.md §3's CacheEntry), used for cross-replica recovery: each
// process keeps its own in-memory cache (spec.md §5), but a restarted
// replica can warm-start from here instead of taking a cold miss on
// every FAQ.
type CacheEntryRecord struct {
	Hash      string
	Question  string
	Response  string
	Category  string
	CreatedAt time.Time
	ExpiresAt time.Time
	Hits      int
	Metadata  json.RawMessage
}

func (s *Store) UpsertCacheEntry(ctx context.Context, rec CacheEntryRecord) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO cache_entries (hash, question, response, category, created_at, expires_at, hits, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (hash) DO UPDATE SET
			response = EXCLUDED.response,
			category = EXCLUDED.category,
			expires_at = EXCLUDED.expires_at,
			hits = EXCLUDED.hits,
			metadata = EXCLUDED.metadata
	`, rec.Hash, rec.Question, rec.Response, rec.Category, rec.CreatedAt, rec.ExpiresAt, rec.Hits, []byte(rec.Metadata))
	return err
}

func (s *Store) GetCacheEntry(ctx context.Context, hash string) (CacheEntryRecord, error) {
	var rec CacheEntryRecord
	var metadata []byte
	row := s.q.QueryRowContext(ctx, `
		SELECT hash, question, response, category, created_at, expires_at, hits, metadata
		FROM cache_entries WHERE hash = $1
	`, hash)
	if err := row.Scan(&rec.Hash, &rec.Question, &rec.Response, &rec.Category, &rec.CreatedAt, &rec.ExpiresAt, &rec.Hits, &metadata); err != nil {
		return rec, err
	}
	rec.Metadata = metadata
	return rec, nil
}

func (s *Store) DeleteCacheEntry(ctx context.Context, hash string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM cache_entries WHERE hash = $1`, hash)
	return err
}

// DeleteExpiredCacheEntries mirrors internal/cache's periodic sweep into
// Postgres, returning the number of rows removed.
func (s *Store) DeleteExpiredCacheEntries(ctx context.Context, now time.Time) (int, error) {
	result, err := s.q.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// FeedbackRecord mirrors spec.md §3's "Feedback record" entity.
type FeedbackRecord struct {
	ID        string
	Detector  string
	FindingID string
	Label     string
	Source    string
	Timestamp time.Time
	Processed bool
	Metadata  json.RawMessage
}

func (s *Store) InsertFeedbackRecord(ctx context.Context, rec FeedbackRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO feedback_records (id, detector, finding_id, label, source, timestamp, processed, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.Detector, rec.FindingID, rec.Label, rec.Source, rec.Timestamp, rec.Processed, []byte(rec.Metadata))
	return err
}

func (s *Store) ListFeedbackRecords(ctx context.Context, detector string, since time.Time) ([]FeedbackRecord, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, detector, finding_id, label, source, timestamp, processed, metadata
		FROM feedback_records WHERE detector = $1 AND timestamp >= $2 ORDER BY timestamp ASC
	`, detector, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FeedbackRecord
	for rows.Next() {
		var rec FeedbackRecord
		var metadata []byte
		if err := rows.Scan(&rec.ID, &rec.Detector, &rec.FindingID, &rec.Label, &rec.Source, &rec.Timestamp, &rec.Processed, &metadata); err != nil {
			return nil, err
		}
		rec.Metadata = metadata
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DetectorConfigRecord mirrors spec.md §3's DetectorConfig entity,
// mutable only through the tuner's serialised path (internal/feedback).
type DetectorConfigRecord struct {
	Name           string
	Threshold      float64
	LastAdjustedAt sql.NullTime
	LastAdjustedBy sql.NullString
}

// SaveDetectorConfig implements feedback.Persister.
func (s *Store) SaveDetectorConfig(ctx context.Context, rec DetectorConfigRecord) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO detector_configs (name, threshold, last_adjusted_at, last_adjusted_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			threshold = EXCLUDED.threshold,
			last_adjusted_at = EXCLUDED.last_adjusted_at,
			last_adjusted_by = EXCLUDED.last_adjusted_by
	`, rec.Name, rec.Threshold, rec.LastAdjustedAt, rec.LastAdjustedBy)
	return err
}

// ListDetectorNames returns every detector that has ever received
// feedback, for a periodic reconciler that has no other way to discover
// which detectors are live (see cmd/convcored's reconcile subcommand).
func (s *Store) ListDetectorNames(ctx context.Context) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT DISTINCT detector FROM feedback_records ORDER BY detector`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *Store) GetDetectorConfig(ctx context.Context, name string) (DetectorConfigRecord, error) {
	var rec DetectorConfigRecord
	row := s.q.QueryRowContext(ctx, `
		SELECT name, threshold, last_adjusted_at, last_adjusted_by FROM detector_configs WHERE name = $1
	`, name)
	if err := row.Scan(&rec.Name, &rec.Threshold, &rec.LastAdjustedAt, &rec.LastAdjustedBy); err != nil {
		return rec, err
	}
	return rec, nil
}

// AdjustmentHistoryRecord mirrors spec.md §6's "Adjustment history
// entry" persisted-state format — an append-only audit row.
type AdjustmentHistoryRecord struct {
	ID            string
	Detector      string
	Timestamp     time.Time
	Action        string
	Direction     string
	PercentChange float64
	Reason        string
	OldThreshold  float64
	NewThreshold  float64
	ApprovedBy    sql.NullString
	Pending       bool
}

// AppendAdjustmentHistory implements feedback.Persister. History rows
// are never updated once written, only appended.
func (s *Store) AppendAdjustmentHistory(ctx context.Context, rec AdjustmentHistoryRecord) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO adjustment_history (id, detector, timestamp, action, direction, percent_change, reason, old_threshold, new_threshold, approved_by, pending)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rec.ID, rec.Detector, rec.Timestamp, rec.Action, rec.Direction, rec.PercentChange, rec.Reason, rec.OldThreshold, rec.NewThreshold, rec.ApprovedBy, rec.Pending)
	return err
}

func (s *Store) ListAdjustmentHistory(ctx context.Context, detector string, limit int) ([]AdjustmentHistoryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, detector, timestamp, action, direction, percent_change, reason, old_threshold, new_threshold, approved_by, pending
		FROM adjustment_history WHERE detector = $1 ORDER BY timestamp DESC LIMIT $2
	`, detector, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AdjustmentHistoryRecord
	for rows.Next() {
		var rec AdjustmentHistoryRecord
		if err := rows.Scan(&rec.ID, &rec.Detector, &rec.Timestamp, &rec.Action, &rec.Direction, &rec.PercentChange, &rec.Reason, &rec.OldThreshold, &rec.NewThreshold, &rec.ApprovedBy, &rec.Pending); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// InstructionRecord mirrors spec.md §3's Instruction entity, persisted
// as a self-describing JSON object per §6 ("emitted as a self-describing
// JSON object") alongside its structured routing columns for querying.
type InstructionRecord struct {
	InstructionID            string
	BeaconID                 string
	CreatedAt                time.Time
	TargetApp                string
	LocationID                string
	UserID                    string
	Priority                  string
	Message                   string
	Actions                   json.RawMessage
	Confidence                float64
	NeedsHumanClarification   bool
	ClarificationQuestion     sql.NullString
	RationaleBullets          json.RawMessage
	ModelTrace                sql.NullString
}

func (s *Store) SaveInstruction(ctx context.Context, rec InstructionRecord) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO instructions (
			instruction_id, beacon_id, created_at, target_app, location_id, user_id,
			priority, message, actions, confidence, needs_human_clarification,
			clarification_question, rationale_bullets, model_trace
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (instruction_id) DO NOTHING
	`, rec.InstructionID, rec.BeaconID, rec.CreatedAt, rec.TargetApp, rec.LocationID, rec.UserID,
		rec.Priority, rec.Message, []byte(rec.Actions), rec.Confidence, rec.NeedsHumanClarification,
		rec.ClarificationQuestion, []byte(rec.RationaleBullets), rec.ModelTrace)
	return err
}

func (s *Store) GetInstruction(ctx context.Context, instructionID string) (InstructionRecord, error) {
	var rec InstructionRecord
	var actions, rationale []byte
	row := s.q.QueryRowContext(ctx, `
		SELECT instruction_id, beacon_id, created_at, target_app, location_id, user_id,
		       priority, message, actions, confidence, needs_human_clarification,
		       clarification_question, rationale_bullets, model_trace
		FROM instructions WHERE instruction_id = $1
	`, instructionID)
	if err := row.Scan(&rec.InstructionID, &rec.BeaconID, &rec.CreatedAt, &rec.TargetApp, &rec.LocationID, &rec.UserID,
		&rec.Priority, &rec.Message, &actions, &rec.Confidence, &rec.NeedsHumanClarification,
		&rec.ClarificationQuestion, &rationale, &rec.ModelTrace); err != nil {
		return rec, err
	}
	rec.Actions = actions
	rec.RationaleBullets = rationale
	return rec, nil
}

func (s *Store) ListInstructionsByTarget(ctx context.Context, targetApp string, limit int) ([]InstructionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT instruction_id, beacon_id, created_at, target_app, location_id, user_id,
		       priority, message, actions, confidence, needs_human_clarification,
		       clarification_question, rationale_bullets, model_trace
		FROM instructions WHERE target_app = $1 ORDER BY created_at DESC LIMIT $2
	`, targetApp, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InstructionRecord
	for rows.Next() {
		var rec InstructionRecord
		var actions, rationale []byte
		if err := rows.Scan(&rec.InstructionID, &rec.BeaconID, &rec.CreatedAt, &rec.TargetApp, &rec.LocationID, &rec.UserID,
			&rec.Priority, &rec.Message, &actions, &rec.Confidence, &rec.NeedsHumanClarification,
			&rec.ClarificationQuestion, &rationale, &rec.ModelTrace); err != nil {
			return nil, err
		}
		rec.Actions = actions
		rec.RationaleBullets = rationale
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) HealthSummary(ctx context.Context) (map[string]string, error) {
	if err := s.db.PingContext(ctx); err != nil {
		return nil, err
	}
	return map[string]string{"database": "ok"}, nil
}
