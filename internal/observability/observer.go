// Package observability provides a small structured-logging and spike-
// alerting helper used by the admission pipeline, queue and rule engine:
// a one-shot "crossed a threshold" warning for the dispatcher's queue
// depth, and per-subject counting with a repeat alert on every 10th
// occurrence for Governor skips and instruction escalations.
package observability

import (
	"log"
	"sync"
)

// Observer logs admission, queue and instruction events. It raises a
// one-shot warning the first time queue utilization reaches 80%, and an
// alert each time a subject's skip or escalation count reaches a
// multiple of 10.
type Observer struct {
	logger *log.Logger

	mu           sync.Mutex
	denyCounts   map[string]int64
	warnedUtil   map[string]bool
}

func NewObserver(logger *log.Logger) *Observer {
	if logger == nil {
		logger = log.Default()
	}
	return &Observer{
		logger:     logger,
		denyCounts: make(map[string]int64),
		warnedUtil: make(map[string]bool),
	}
}

// RecordQueueDepth logs the dispatcher's current depth against its
// configured limit, warning the first time utilization reaches 80%.
func (o *Observer) RecordQueueDepth(depth, limit int64) {
	if o == nil {
		return
	}
	utilization := 0.0
	if limit > 0 {
		utilization = float64(depth) / float64(limit)
	}
	o.logger.Printf("queue depth=%d limit=%d utilization=%.4f", depth, limit, utilization)

	if utilization >= 0.8 {
		o.mu.Lock()
		alreadyWarned := o.warnedUtil["queue"]
		if !alreadyWarned {
			o.warnedUtil["queue"] = true
		}
		o.mu.Unlock()
		if !alreadyWarned {
			o.logger.Printf("queue warning threshold=0.80 depth=%d limit=%d", depth, limit)
		}
	}
}

// RecordGovernorDecision logs an admission decision for a conversation,
// raising a spike alert on every 10th skip recorded for the same
// conversation and decision. The count is cumulative: a PROCEED does not
// reset it.
func (o *Observer) RecordGovernorDecision(conversationID, decision, reason string) {
	if o == nil {
		return
	}
	if decision == "PROCEED" {
		o.logger.Printf("governor allow conversation_id=%s", conversationID)
		return
	}

	key := conversationID + ":" + decision
	o.mu.Lock()
	o.denyCounts[key]++
	count := o.denyCounts[key]
	o.mu.Unlock()

	o.logger.Printf("governor skip conversation_id=%s decision=%s reason=%q count=%d", conversationID, decision, reason, count)

	if count%10 == 0 {
		o.logger.Printf("governor alert conversation_id=%s decision=%s repeated_count=%d", conversationID, decision, count)
	}
}

// RecordInstruction logs a beacon-derived routing decision, warning each
// time a given target app's escalation count reaches a multiple of 10 — the same
// spike-detection shape as RecordGovernorDecision, applied to the rule
// engine's output instead of the admission pipeline's.
func (o *Observer) RecordInstruction(targetApp, priority, instructionID string, escalated bool) {
	if o == nil {
		return
	}
	o.logger.Printf("instruction target_app=%s priority=%s instruction_id=%s escalated=%t", targetApp, priority, instructionID, escalated)
	if !escalated {
		return
	}

	key := "escalation:" + targetApp
	o.mu.Lock()
	o.denyCounts[key]++
	count := o.denyCounts[key]
	o.mu.Unlock()

	if count%10 == 0 {
		o.logger.Printf("instruction alert target_app=%s repeated_escalations=%d", targetApp, count)
	}
}
