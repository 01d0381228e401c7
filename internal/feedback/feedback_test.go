package feedback

import (
	"strconv"
	"testing"
	"time"
)

func newTestTuner(now time.Time) *Tuner {
	n := 0
	return NewTuner(DefaultTunerConfig(), func() time.Time { return now }, func() string {
		n++
		return "adj-" + strconv.Itoa(n)
	})
}

func seedRecords(tuner *Tuner, detector string, now time.Time, labels []Label) {
	for _, l := range labels {
		tuner.Ingest(Record{Detector: detector, Label: l, Timestamp: now})
	}
}

func TestAggregateComputesRates(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	tuner := newTestTuner(now)
	seedRecords(tuner, "det1", now, []Label{
		LabelTruePositive, LabelTruePositive, LabelFalsePositive,
		LabelTrueNegative, LabelFalseNegative, LabelAck, LabelActed,
	})

	agg := tuner.Aggregate("det1")
	if agg.SampleCount != 7 {
		t.Fatalf("expected 7 samples, got %d", agg.SampleCount)
	}
	if agg.Precision != 2.0/3.0 {
		t.Fatalf("unexpected precision: %v", agg.Precision)
	}
	if agg.Recall != 2.0/3.0 {
		t.Fatalf("unexpected recall: %v", agg.Recall)
	}
}

func TestProposeNoChangeBelowMinSamples(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	tuner := newTestTuner(now)
	seedRecords(tuner, "det2", now, []Label{LabelFalsePositive, LabelFalsePositive})

	action, pct := tuner.Propose("det2")
	if action != ActionNoChange || pct != 0 {
		t.Fatalf("expected no change below min samples, got %s %v", action, pct)
	}
}

func TestProposeIncreaseThresholdOnHighFPR(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	tuner := newTestTuner(now)
	labels := make([]Label, 0, 12)
	for i := 0; i < 8; i++ {
		labels = append(labels, LabelFalsePositive)
	}
	for i := 0; i < 4; i++ {
		labels = append(labels, LabelTrueNegative)
	}
	seedRecords(tuner, "det3", now, labels)

	action, pct := tuner.Propose("det3")
	if action != ActionIncreaseThreshold {
		t.Fatalf("expected INCREASE_THRESHOLD, got %s", action)
	}
	if pct <= 0 {
		t.Fatalf("expected positive adjustment pct, got %v", pct)
	}
}

func TestApplyAutoRespectsCooldown(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	tuner := newTestTuner(now)
	tuner.RegisterDetector("det4", 0.5)

	// FPR of 0.60 (excess 0.30 over the 0.30 threshold) proposes exactly
	// min(50*0.30, 20) = 15%, the boundary that still auto-applies
	// instead of parking for approval.
	labels := make([]Label, 0, 1000)
	for i := 0; i < 600; i++ {
		labels = append(labels, LabelFalsePositive)
	}
	for i := 0; i < 400; i++ {
		labels = append(labels, LabelTrueNegative)
	}
	seedRecords(tuner, "det4", now, labels)

	entry, err := tuner.ApplyAuto("det4", "high fpr")
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if entry.Action != ActionIncreaseThreshold {
		t.Fatalf("expected increase, got %+v", entry)
	}

	_, err = tuner.ApplyAuto("det4", "high fpr again")
	if err != ErrOnCooldown {
		t.Fatalf("expected cooldown error, got %v", err)
	}
}

func TestApplyAutoParksLargeAdjustmentsPending(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	tuner := newTestTuner(now)
	tuner.RegisterDetector("det5", 0.5)

	labels := make([]Label, 0, 20)
	for i := 0; i < 18; i++ {
		labels = append(labels, LabelFalsePositive)
	}
	for i := 0; i < 2; i++ {
		labels = append(labels, LabelTrueNegative)
	}
	seedRecords(tuner, "det5", now, labels)

	entry, err := tuner.ApplyAuto("det5", "very high fpr")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !entry.Pending {
		t.Fatalf("expected a >15%% adjustment to be pending, got %+v", entry)
	}
	if len(tuner.Pending()) != 1 {
		t.Fatalf("expected 1 pending entry")
	}

	approved, err := tuner.Approve(entry.ID, "ops-lead")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.ApprovedBy != "ops-lead" {
		t.Fatalf("expected approver recorded")
	}
	if len(tuner.Pending()) != 0 {
		t.Fatalf("expected pending cleared after approval")
	}
}

func TestApplyAutoWeeklyCap(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	cfg := DefaultTunerConfig()
	cfg.Cooldown = 0
	cfg.WeeklyAutoApplyCap = 1
	n := 0
	tuner := NewTuner(cfg, func() time.Time { return now }, func() string {
		n++
		return "adj"
	})
	tuner.RegisterDetector("det6", 0.5)

	// FPR of 0.50 (excess 0.20) proposes min(50*0.20, 20) = 10%, comfortably
	// inside the auto-apply band (above MinAdjustmentPct, at/below
	// ApprovalThresholdPct) so each call below exercises the weekly cap
	// rather than the cooldown or pending-approval gates.
	labels := make([]Label, 0, 1000)
	for i := 0; i < 500; i++ {
		labels = append(labels, LabelFalsePositive)
	}
	for i := 0; i < 500; i++ {
		labels = append(labels, LabelTrueNegative)
	}
	seedRecords(tuner, "det6", now, labels)

	if _, err := tuner.ApplyAuto("det6", "r1"); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if _, err := tuner.ApplyAuto("det6", "r2"); err != ErrWeeklyCapReached {
		t.Fatalf("expected weekly cap error, got %v", err)
	}
}
