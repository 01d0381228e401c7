// Package feedback implements the feedback ingestion and per-detector
// threshold tuner from spec.md §4.8: single-owner, mutex-guarded state
// per detector (counts plus a one-shot/cooldown gate under one critical
// section).
package feedback

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// Label is the feedback signal attached to a record, per spec.md §3.
type Label string

const (
	LabelTruePositive  Label = "TP"
	LabelFalsePositive Label = "FP"
	LabelTrueNegative  Label = "TN"
	LabelFalseNegative Label = "FN"
	LabelAck           Label = "ACK"
	LabelIgnored       Label = "IGN"
	LabelActed         Label = "ACT"
	LabelEscalated     Label = "ESC"
	LabelResolved      Label = "RES"
	LabelRecurred      Label = "REC"
	LabelPreventive    Label = "PRV"
)

// Record is one piece of feedback about a detector's finding, per
// spec.md §3.
type Record struct {
	ID        string
	Detector  string
	FindingID string
	Label     Label
	Source    string
	Timestamp time.Time
	Processed bool
	Metadata  map[string]any
}

// DetectorConfig is the mutable-only-through-the-tuner threshold state.
type DetectorConfig struct {
	Name            string
	Threshold       float64
	LastAdjustedAt  time.Time
	LastAdjustedBy  string
}

// Aggregate holds the derived rates spec.md §4.8 requires, computed
// over a detector's trailing window of records.
type Aggregate struct {
	Detector        string
	SampleCount     int
	Precision       float64
	Recall          float64
	Accuracy        float64
	FalsePositiveRate float64
	FalseNegativeRate float64
	AckRate         float64
	ActionRate      float64
}

// Action is the tuner's proposed direction for a detector.
type Action string

const (
	ActionIncreaseThreshold Action = "INCREASE_THRESHOLD"
	ActionDecreaseThreshold Action = "DECREASE_THRESHOLD"
	ActionNoChange          Action = "NO_CHANGE"
)

// AdjustmentHistoryEntry is one immutable row in the audit trail,
// per spec.md §6's persisted-state contract.
type AdjustmentHistoryEntry struct {
	ID             string
	Detector       string
	Timestamp      time.Time
	Action         Action
	Direction      Action
	PercentChange  float64
	Reason         string
	OldThreshold   float64
	NewThreshold   float64
	ApprovedBy     string
	Pending        bool
}

// TunerConfig mirrors config.Config.Tuner.
type TunerConfig struct {
	MinSamples            int
	Window                time.Duration
	FPRThreshold          float64
	RecallFloor           float64
	MinAdjustmentPct      float64
	ApprovalThresholdPct  float64
	Cooldown              time.Duration
	WeeklyAutoApplyCap    int
}

func DefaultTunerConfig() TunerConfig {
	return TunerConfig{
		MinSamples:           10,
		Window:               7 * 24 * time.Hour,
		FPRThreshold:         0.30,
		RecallFloor:          0.80,
		MinAdjustmentPct:     5,
		ApprovalThresholdPct: 15,
		Cooldown:             24 * time.Hour,
		WeeklyAutoApplyCap:   3,
	}
}

// Persister mirrors detector thresholds and the adjustment audit trail
// into durable storage (see internal/store), so a restarted process can
// recover its tuned state instead of re-learning it from scratch.
// Optional: a Tuner with no persister attached keeps its state purely
// in-memory, matching spec.md §5's single-in-process-owner model.
type Persister interface {
	SaveDetectorConfig(ctx context.Context, cfg PersistedDetectorConfig) error
	AppendAdjustmentHistory(ctx context.Context, entry AdjustmentHistoryEntry) error
}

// PersistedDetectorConfig is the subset of DetectorConfig a Persister
// stores.
type PersistedDetectorConfig struct {
	Name           string
	Threshold      float64
	LastAdjustedAt time.Time
	LastAdjustedBy string
}

var ErrOnCooldown = errors.New("feedback: detector is within its cooldown window")
var ErrWeeklyCapReached = errors.New("feedback: weekly auto-apply cap reached")

type weeklyCounter struct {
	weekStart time.Time
	count     int
}

// Tuner serialises threshold adjustments through a single in-process
// owner per spec.md §5 ("single in-process tuner to prevent concurrent
// threshold updates on the same detector").
type Tuner struct {
	cfg TunerConfig
	now func() time.Time

	mu       sync.Mutex
	configs  map[string]*DetectorConfig
	records  map[string][]Record
	pending  []AdjustmentHistoryEntry
	history  []AdjustmentHistoryEntry
	weekly   map[string]*weeklyCounter
	newID    func() string

	persister Persister
	logger    *log.Logger
}

// AttachPersister wires a durable mirror into the tuner. Persistence
// failures are logged, never returned, since the in-memory state
// remains the tuner's source of truth while the process is alive.
func (t *Tuner) AttachPersister(p Persister, logger *log.Logger) {
	if logger == nil {
		logger = log.Default()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.persister = p
	t.logger = logger
}

func (t *Tuner) persist(cfg *DetectorConfig, entry AdjustmentHistoryEntry) {
	if t.persister == nil {
		return
	}
	ctx := context.Background()
	if cfg != nil {
		if err := t.persister.SaveDetectorConfig(ctx, PersistedDetectorConfig{
			Name:           cfg.Name,
			Threshold:      cfg.Threshold,
			LastAdjustedAt: cfg.LastAdjustedAt,
			LastAdjustedBy: cfg.LastAdjustedBy,
		}); err != nil {
			t.logger.Printf("feedback persist detector config %s failed: %v", cfg.Name, err)
		}
	}
	if err := t.persister.AppendAdjustmentHistory(ctx, entry); err != nil {
		t.logger.Printf("feedback persist adjustment history %s failed: %v", entry.ID, err)
	}
}

func NewTuner(cfg TunerConfig, now func() time.Time, newID func() string) *Tuner {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Tuner{
		cfg:     cfg,
		now:     now,
		configs: make(map[string]*DetectorConfig),
		records: make(map[string][]Record),
		weekly:  make(map[string]*weeklyCounter),
		newID:   newID,
	}
}

// RegisterDetector seeds a detector's starting threshold if not already
// known.
func (t *Tuner) RegisterDetector(name string, threshold float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.configs[name]; !ok {
		t.configs[name] = &DetectorConfig{Name: name, Threshold: threshold}
	}
}

// Ingest appends a feedback record for its detector.
func (t *Tuner) Ingest(record Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[record.Detector] = append(t.records[record.Detector], record)
}

// Aggregate computes the derived rates for detector over the tuner's
// trailing window, per spec.md §4.8.
func (t *Tuner) Aggregate(detector string) Aggregate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aggregateLocked(detector)
}

func (t *Tuner) aggregateLocked(detector string) Aggregate {
	cutoff := t.now().Add(-t.cfg.Window)
	var tp, fp, tn, fn, ack, acted, total int
	for _, r := range t.records[detector] {
		if r.Timestamp.Before(cutoff) {
			continue
		}
		total++
		switch r.Label {
		case LabelTruePositive:
			tp++
		case LabelFalsePositive:
			fp++
		case LabelTrueNegative:
			tn++
		case LabelFalseNegative:
			fn++
		case LabelAck:
			ack++
		case LabelActed, LabelEscalated:
			acted++
		}
	}

	agg := Aggregate{Detector: detector, SampleCount: total}
	if tp+fp > 0 {
		agg.Precision = float64(tp) / float64(tp+fp)
	}
	if tp+fn > 0 {
		agg.Recall = float64(tp) / float64(tp+fn)
	}
	if total > 0 {
		agg.Accuracy = float64(tp+tn) / float64(total)
		agg.AckRate = float64(ack) / float64(total)
		agg.ActionRate = float64(acted) / float64(total)
	}
	if fp+tn > 0 {
		agg.FalsePositiveRate = float64(fp) / float64(fp + tn)
	}
	if tp+fn > 0 {
		agg.FalseNegativeRate = float64(fn) / float64(tp+fn)
	}
	return agg
}

// Propose computes the tuner's recommended action for detector without
// applying it, per spec.md §4.8's threshold rules.
func (t *Tuner) Propose(detector string) (Action, float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	agg := t.aggregateLocked(detector)
	return t.proposeLocked(agg)
}

func (t *Tuner) proposeLocked(agg Aggregate) (Action, float64) {
	if agg.SampleCount < t.cfg.MinSamples {
		return ActionNoChange, 0
	}

	if agg.FalsePositiveRate > t.cfg.FPRThreshold {
		excess := agg.FalsePositiveRate - t.cfg.FPRThreshold
		pct := capPct(50*excess, 20)
		if pct < t.cfg.MinAdjustmentPct {
			return ActionNoChange, 0
		}
		return ActionIncreaseThreshold, pct
	}

	if agg.Recall < t.cfg.RecallFloor {
		miss := t.cfg.RecallFloor - agg.Recall
		pct := capPct(25*miss, 10)
		if pct < t.cfg.MinAdjustmentPct {
			return ActionNoChange, 0
		}
		return ActionDecreaseThreshold, pct
	}

	return ActionNoChange, 0
}

func capPct(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// ApplyAuto attempts to auto-apply the tuner's proposal for detector,
// per spec.md §4.8's cooldown, weekly cap, and approval-gate rules.
// Adjustments above ApprovalThresholdPct are parked in the pending set
// instead of applied.
func (t *Tuner) ApplyAuto(detector, reason string) (AdjustmentHistoryEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	agg := t.aggregateLocked(detector)
	action, pct := t.proposeLocked(agg)
	if action == ActionNoChange {
		return AdjustmentHistoryEntry{}, nil
	}

	cfg, ok := t.configs[detector]
	if !ok {
		cfg = &DetectorConfig{Name: detector}
		t.configs[detector] = cfg
	}

	now := t.now()
	if !cfg.LastAdjustedAt.IsZero() && now.Sub(cfg.LastAdjustedAt) < t.cfg.Cooldown {
		return AdjustmentHistoryEntry{}, ErrOnCooldown
	}

	oldThreshold := cfg.Threshold
	newThreshold := applyDirection(oldThreshold, action, pct)

	entry := AdjustmentHistoryEntry{
		ID:            t.newEntryID(),
		Detector:      detector,
		Timestamp:     now,
		Action:        action,
		Direction:     action,
		PercentChange: pct,
		Reason:        reason,
		OldThreshold:  oldThreshold,
		NewThreshold:  newThreshold,
	}

	if pct > t.cfg.ApprovalThresholdPct {
		entry.Pending = true
		t.pending = append(t.pending, entry)
		t.history = append(t.history, entry)
		t.persist(nil, entry)
		return entry, nil
	}

	weekStart := startOfWeek(now)
	counter, ok := t.weekly[detector]
	if !ok || counter.weekStart.Before(weekStart) {
		counter = &weeklyCounter{weekStart: weekStart}
		t.weekly[detector] = counter
	}
	if counter.count >= t.cfg.WeeklyAutoApplyCap {
		return AdjustmentHistoryEntry{}, ErrWeeklyCapReached
	}

	cfg.Threshold = newThreshold
	cfg.LastAdjustedAt = now
	cfg.LastAdjustedBy = "tuner"
	counter.count++
	t.history = append(t.history, entry)
	t.persist(cfg, entry)
	return entry, nil
}

// Approve resolves a pending adjustment, applying it to the detector's
// threshold and recording the approver.
func (t *Tuner) Approve(entryID, approvedBy string) (AdjustmentHistoryEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, e := range t.pending {
		if e.ID != entryID {
			continue
		}
		t.pending = append(t.pending[:i], t.pending[i+1:]...)
		e.Pending = false
		e.ApprovedBy = approvedBy

		cfg, ok := t.configs[e.Detector]
		if !ok {
			cfg = &DetectorConfig{Name: e.Detector}
			t.configs[e.Detector] = cfg
		}
		cfg.Threshold = e.NewThreshold
		cfg.LastAdjustedAt = t.now()
		cfg.LastAdjustedBy = approvedBy

		t.history = append(t.history, e)
		t.persist(cfg, e)
		return e, nil
	}
	return AdjustmentHistoryEntry{}, errors.New("feedback: no pending adjustment with that id")
}

// Reject discards a pending adjustment without applying it.
func (t *Tuner) Reject(entryID, rejectedBy string) (AdjustmentHistoryEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, e := range t.pending {
		if e.ID != entryID {
			continue
		}
		t.pending = append(t.pending[:i], t.pending[i+1:]...)
		e.Pending = false
		e.ApprovedBy = rejectedBy
		e.Reason = e.Reason + " (rejected)"
		t.history = append(t.history, e)
		return e, nil
	}
	return AdjustmentHistoryEntry{}, errors.New("feedback: no pending adjustment with that id")
}

// Pending returns the currently unresolved adjustments.
func (t *Tuner) Pending() []AdjustmentHistoryEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]AdjustmentHistoryEntry(nil), t.pending...)
}

// History returns the full immutable adjustment log.
func (t *Tuner) History() []AdjustmentHistoryEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]AdjustmentHistoryEntry(nil), t.history...)
}

func (t *Tuner) newEntryID() string {
	if t.newID != nil {
		return t.newID()
	}
	return "adj"
}

func applyDirection(threshold float64, action Action, pct float64) float64 {
	delta := threshold * (pct / 100)
	if action == ActionIncreaseThreshold {
		return threshold + delta
	}
	return threshold - delta
}

func startOfWeek(t time.Time) time.Time {
	weekday := int(t.Weekday())
	return time.Date(t.Year(), t.Month(), t.Day()-weekday, 0, 0, 0, 0, t.Location())
}
