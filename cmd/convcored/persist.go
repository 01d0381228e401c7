package main

import (
	"context"
	"database/sql"

	"github.com/jorgealan/conv-core/internal/dlq"
	"github.com/jorgealan/conv-core/internal/feedback"
	"github.com/jorgealan/conv-core/internal/store"
)

// storeDLQPersister adapts *store.Store to dlq.Persister, translating
// between the queue-side and storage-side record shapes so neither
// package needs to import the other.
type storeDLQPersister struct{ s *store.Store }

func (p storeDLQPersister) SaveDLQRecord(ctx context.Context, rec dlq.PersistedRecord) error {
	return p.s.SaveDLQRecord(ctx, store.DLQRecord{
		ID:             rec.ID,
		OriginalJobID:  rec.OriginalJobID,
		ConversationID: rec.ConversationID,
		HandlerName:    rec.HandlerName,
		Payload:        rec.Payload,
		Reason:         rec.Reason,
		Attempts:       rec.Attempts,
		FailedAt:       rec.FailedAt,
	})
}

func (p storeDLQPersister) DeleteDLQRecord(ctx context.Context, id string) error {
	return p.s.DeleteDLQRecord(ctx, id)
}

// storeFeedbackPersister adapts *store.Store to feedback.Persister.
type storeFeedbackPersister struct{ s *store.Store }

func (p storeFeedbackPersister) SaveDetectorConfig(ctx context.Context, cfg feedback.PersistedDetectorConfig) error {
	return p.s.SaveDetectorConfig(ctx, store.DetectorConfigRecord{
		Name:           cfg.Name,
		Threshold:      cfg.Threshold,
		LastAdjustedAt: sql.NullTime{Time: cfg.LastAdjustedAt, Valid: !cfg.LastAdjustedAt.IsZero()},
		LastAdjustedBy: sql.NullString{String: cfg.LastAdjustedBy, Valid: cfg.LastAdjustedBy != ""},
	})
}

func (p storeFeedbackPersister) AppendAdjustmentHistory(ctx context.Context, entry feedback.AdjustmentHistoryEntry) error {
	return p.s.AppendAdjustmentHistory(ctx, store.AdjustmentHistoryRecord{
		ID:            entry.ID,
		Detector:      entry.Detector,
		Timestamp:     entry.Timestamp,
		Action:        string(entry.Action),
		Direction:     string(entry.Direction),
		PercentChange: entry.PercentChange,
		Reason:        entry.Reason,
		OldThreshold:  entry.OldThreshold,
		NewThreshold:  entry.NewThreshold,
		ApprovedBy:    sql.NullString{String: entry.ApprovedBy, Valid: entry.ApprovedBy != ""},
		Pending:       entry.Pending,
	})
}
