package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jorgealan/conv-core/internal/config"
	"github.com/jorgealan/conv-core/internal/dlq"
	"github.com/jorgealan/conv-core/internal/feedback"
	"github.com/jorgealan/conv-core/internal/queue"
	"github.com/jorgealan/conv-core/internal/store"
)

// tunerReconcileInterval is independent of the tuner's own 24h cooldown:
// it only controls how often this process re-reads feedback from
// storage and offers each detector a fresh ApplyAuto attempt.
const tunerReconcileInterval = 15 * time.Minute

// runReconcile drives the two periodic background loops spec.md §4.4 and
// §4.8 describe: the DLQ alert sweep (an in-process ticker already owned
// by internal/dlq) and the feedback tuner's auto-apply pass, here run as
// its own process against durable storage rather than sharing the live
// worker's in-memory Tuner, so detector thresholds survive worker
// restarts and a single in-process owner still serialises adjustments
// per spec.md §5.
func runReconcile(ctx context.Context, cfg config.Config) {
	if cfg.Database.DSN == "" {
		log.Fatalf("reconcile requires database.dsn to read feedback and persist adjustments")
	}
	st, err := store.Open(cfg.Database.DSN)
	if err != nil {
		log.Fatalf("store open failed: %v", err)
	}
	defer st.Close()

	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("redis url error: %v", err)
	}
	client := redis.NewClient(opt)
	defer client.Close()

	q := queue.NewFromClient(client)
	dlqManager := dlq.New(client, q, nil, cfg.DLQ.AlertThreshold, cfg.DLQ.CheckInterval, cfg.DLQ.AlertSuppress, nil)
	dlqManager.AttachPersister(storeDLQPersister{s: st})

	tuner := feedback.NewTuner(feedback.TunerConfig{
		MinSamples:           cfg.Tuner.MinSamples,
		Window:               cfg.Tuner.Window,
		FPRThreshold:         cfg.Tuner.FPRThreshold,
		RecallFloor:          cfg.Tuner.RecallFloor,
		MinAdjustmentPct:     cfg.Tuner.MinAdjustmentPct,
		ApprovalThresholdPct: cfg.Tuner.ApprovalThresholdPct,
		Cooldown:             cfg.Tuner.Cooldown,
		WeeklyAutoApplyCap:   cfg.Tuner.WeeklyAutoApplyCap,
	}, nil, uuid.NewString)
	tuner.AttachPersister(storeFeedbackPersister{s: st}, nil)

	go dlqManager.RunAlertSweep(ctx)

	log.Println("convcored reconcile started")
	ticker := time.NewTicker(tunerReconcileInterval)
	defer ticker.Stop()

	runTunerPass(ctx, st, tuner, cfg.Tuner.Window)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runTunerPass(ctx, st, tuner, cfg.Tuner.Window)
		}
	}
}

func runTunerPass(ctx context.Context, st *store.Store, tuner *feedback.Tuner, window time.Duration) {
	names, err := st.ListDetectorNames(ctx)
	if err != nil {
		log.Printf("reconcile: list detector names failed: %v", err)
		return
	}

	since := time.Now().UTC().Add(-window)
	for _, name := range names {
		seedDetector(ctx, st, tuner, name)

		records, err := st.ListFeedbackRecords(ctx, name, since)
		if err != nil {
			log.Printf("reconcile: list feedback for %s failed: %v", name, err)
			continue
		}
		for _, rec := range records {
			tuner.Ingest(toFeedbackRecord(rec))
		}

		entry, err := tuner.ApplyAuto(name, "scheduled reconcile pass")
		switch err {
		case nil:
			if entry.ID != "" {
				log.Printf("reconcile: detector=%s action=%s pct=%.2f pending=%t", name, entry.Action, entry.PercentChange, entry.Pending)
			}
		case feedback.ErrOnCooldown, feedback.ErrWeeklyCapReached:
			// expected steady-state outcomes, not failures
		default:
			log.Printf("reconcile: apply auto for %s failed: %v", name, err)
		}
	}
}

func seedDetector(ctx context.Context, st *store.Store, tuner *feedback.Tuner, name string) {
	cfgRec, err := st.GetDetectorConfig(ctx, name)
	if err != nil {
		if err != sql.ErrNoRows {
			log.Printf("reconcile: get detector config for %s failed: %v", name, err)
		}
		tuner.RegisterDetector(name, 0.5)
		return
	}
	tuner.RegisterDetector(name, cfgRec.Threshold)
}

func toFeedbackRecord(rec store.FeedbackRecord) feedback.Record {
	var metadata map[string]any
	if len(rec.Metadata) > 0 {
		_ = json.Unmarshal(rec.Metadata, &metadata)
	}
	return feedback.Record{
		ID:        rec.ID,
		Detector:  rec.Detector,
		FindingID: rec.FindingID,
		Label:     feedback.Label(rec.Label),
		Source:    rec.Source,
		Timestamp: rec.Timestamp,
		Processed: rec.Processed,
		Metadata:  metadata,
	}
}
