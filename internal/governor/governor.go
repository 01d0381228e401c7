// Package governor implements the admission pipeline from spec.md
// §4.1: an ordered sequence of checks that decides whether an inbound
// message becomes a Job. Its side-effect-free decision-returning shape
// (never throws, always returns a typed decision) matches
// internal/policy.Evaluate's own style, applied to a full admission
// pipeline instead of a single draft-text check.
package governor

import (
	"context"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jorgealan/conv-core/internal/chatenvelope"
	"github.com/jorgealan/conv-core/internal/ratelimit"
)

// Decision enumerates the Governor's possible outcomes, per spec.md §3.
type Decision string

const (
	Proceed             Decision = "PROCEED"
	SkipOutgoing        Decision = "SKIP_OUTGOING"
	SkipPrivate         Decision = "SKIP_PRIVATE"
	SkipAgentActive     Decision = "SKIP_AGENT_ACTIVE"
	SkipOutsideHours    Decision = "SKIP_OUTSIDE_HOURS"
	SkipSpam            Decision = "SKIP_SPAM"
	SkipDuplicate       Decision = "SKIP_DUPLICATE"
	SkipRateLimited     Decision = "SKIP_RATE_LIMITED"
	SkipInvalid         Decision = "SKIP_INVALID"
	SkipEmpty           Decision = "SKIP_EMPTY"
	SkipBlacklisted     Decision = "SKIP_BLACKLISTED"
)

const (
	minContentChars = 1
	maxContentChars = 4000

	externalCheckTimeout = 20 * time.Millisecond
)

// Context is enrichment attached to a PROCEED decision, per spec.md §4.1.
type Context struct {
	FlowState     string
	HasActiveFlow bool
}

// GovernorDecision is the Governor's full, side-effect-free return
// value, per spec.md §3.
type GovernorDecision struct {
	ShouldProcess bool
	Decision      Decision
	Reason        string
	Context       Context
}

func decide(d Decision, reason string) GovernorDecision {
	return GovernorDecision{ShouldProcess: d == Proceed, Decision: d, Reason: reason}
}

// AgentGate reports whether a human agent is currently handling a
// conversation. Failures are fail-open per spec.md §4.1.
type AgentGate interface {
	IsAgentActive(ctx context.Context, conversationID string) (bool, error)
}

// Blacklist reports whether a contact is blocked. Failures are
// fail-open per spec.md §4.1.
type Blacklist interface {
	IsBlacklisted(ctx context.Context, contact chatenvelope.Contact) (bool, error)
}

// FlowStateLookup enriches a PROCEED decision with the conversation's
// current flow state, per spec.md §4.1's "Enrichment on PROCEED".
type FlowStateLookup interface {
	CurrentFlowState(ctx context.Context, conversationID string) (state string, active bool, err error)
}

// Config mirrors the subset of config.Config the Governor reads.
type Config struct {
	ContentMinChars int
	ContentMaxChars int
	DedupeWindowMs  int64
	RateLimitWindowMs int64
	RateLimitMax    int
	ServiceHoursEnabled bool
	ServiceHoursStart   int
	ServiceHoursEnd     int
}

func (c Config) withDefaults() Config {
	if c.ContentMinChars <= 0 {
		c.ContentMinChars = minContentChars
	}
	if c.ContentMaxChars <= 0 {
		c.ContentMaxChars = maxContentChars
	}
	if c.DedupeWindowMs <= 0 {
		c.DedupeWindowMs = 5000
	}
	if c.RateLimitWindowMs <= 0 {
		c.RateLimitWindowMs = 60_000
	}
	if c.RateLimitMax <= 0 {
		c.RateLimitMax = 10
	}
	return c
}

// Governor evaluates inbound envelopes against the admission pipeline.
type Governor struct {
	cfg       Config
	limiter   *ratelimit.Limiter
	agentGate AgentGate
	blacklist Blacklist
	flowState FlowStateLookup
	nowHour   func() int
	logger    *log.Logger
}

func New(cfg Config, limiter *ratelimit.Limiter, agentGate AgentGate, blacklist Blacklist, flowState FlowStateLookup, logger *log.Logger) *Governor {
	if logger == nil {
		logger = log.Default()
	}
	return &Governor{
		cfg:       cfg.withDefaults(),
		limiter:   limiter,
		agentGate: agentGate,
		blacklist: blacklist,
		flowState: flowState,
		nowHour:   func() int { return time.Now().UTC().Hour() },
		logger:    logger,
	}
}

// Evaluate runs the full ordered pipeline from spec.md §4.1, returning
// the first failing check's decision, or PROCEED with enrichment.
func (g *Governor) Evaluate(ctx context.Context, env chatenvelope.Envelope) GovernorDecision {
	if env.ConversationID == "" {
		return decide(SkipInvalid, "missing conversationId")
	}

	switch env.MessageType {
	case chatenvelope.MessageOutgoing:
		return decide(SkipOutgoing, "message is outgoing")
	case chatenvelope.MessageActivity:
		return decide(SkipOutgoing, "message is an activity event")
	}
	if env.IsPrivate {
		return decide(SkipPrivate, "message is private")
	}

	text := strings.TrimSpace(env.MessageText)
	if utf8.RuneCountInString(text) < g.cfg.ContentMinChars {
		return decide(SkipEmpty, "message content is empty")
	}
	if utf8.RuneCountInString(text) > g.cfg.ContentMaxChars {
		return decide(SkipSpam, "message content exceeds max length")
	}

	if g.limiter != nil {
		dup := g.limiter.CheckDuplicate(ctx, env.ConversationID, text, g.cfg.DedupeWindowMs)
		if dup.IsDuplicate {
			return decide(SkipDuplicate, "duplicate message within dedupe window")
		}

		rl := g.limiter.CheckRateLimit(ctx, env.ConversationID, g.cfg.RateLimitWindowMs, g.cfg.RateLimitMax)
		if !rl.Allowed {
			return decide(SkipRateLimited, "rate limit exceeded")
		}
	}

	if g.cfg.ServiceHoursEnabled {
		hour := g.nowHour()
		if !withinHours(hour, g.cfg.ServiceHoursStart, g.cfg.ServiceHoursEnd) {
			return decide(SkipOutsideHours, "outside configured service hours")
		}
	}

	if g.agentGate != nil {
		active, err := g.callAgentGate(ctx, env.ConversationID)
		if err != nil {
			g.logger.Printf("governor agent gate error, failing open: %v", err)
		} else if active {
			return decide(SkipAgentActive, "human agent is actively handling this conversation")
		}
	}

	if g.blacklist != nil {
		blocked, err := g.callBlacklist(ctx, env.Contact)
		if err != nil {
			g.logger.Printf("governor blacklist error, failing open: %v", err)
		} else if blocked {
			return decide(SkipBlacklisted, "contact is blacklisted")
		}
	}

	result := decide(Proceed, "admitted")
	if g.flowState != nil {
		state, active, err := g.callFlowState(ctx, env.ConversationID)
		if err != nil {
			g.logger.Printf("governor flow state lookup error: %v", err)
		} else {
			result.Context = Context{FlowState: state, HasActiveFlow: active}
		}
	}
	return result
}

func withinHours(hour, start, end int) bool {
	return hour >= start && hour < end
}

func (g *Governor) callAgentGate(ctx context.Context, conversationID string) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, externalCheckTimeout)
	defer cancel()
	return g.agentGate.IsAgentActive(callCtx, conversationID)
}

func (g *Governor) callBlacklist(ctx context.Context, contact chatenvelope.Contact) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, externalCheckTimeout)
	defer cancel()
	return g.blacklist.IsBlacklisted(callCtx, contact)
}

func (g *Governor) callFlowState(ctx context.Context, conversationID string) (string, bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, externalCheckTimeout)
	defer cancel()
	return g.flowState.CurrentFlowState(callCtx, conversationID)
}
