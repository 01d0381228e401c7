package governor

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/jorgealan/conv-core/internal/chatenvelope"
	"github.com/jorgealan/conv-core/internal/ratelimit"
)

func newTestGovernor(t *testing.T, cfg Config, agentGate AgentGate, blacklist Blacklist) *Governor {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := ratelimit.New(client, nil)
	return New(cfg, limiter, agentGate, blacklist, nil, nil)
}

func baseEnvelope(conversationID, text string) chatenvelope.Envelope {
	return chatenvelope.Envelope{
		ConversationID: conversationID,
		MessageType:    chatenvelope.MessageIncoming,
		MessageText:    text,
	}
}

func TestEvaluateShouldProcessMatchesDecision(t *testing.T) {
	g := newTestGovernor(t, Config{}, nil, nil)
	ctx := context.Background()

	decision := g.Evaluate(ctx, baseEnvelope("C1", "hola"))
	if decision.ShouldProcess != (decision.Decision == Proceed) {
		t.Fatalf("shouldProcess must equal decision==PROCEED, got %+v", decision)
	}
	if decision.Decision != Proceed {
		t.Fatalf("expected PROCEED for a fresh valid message, got %s", decision.Decision)
	}
}

func TestEvaluateMissingConversationIDIsInvalid(t *testing.T) {
	g := newTestGovernor(t, Config{}, nil, nil)
	decision := g.Evaluate(context.Background(), baseEnvelope("", "hola"))
	if decision.Decision != SkipInvalid {
		t.Fatalf("expected SKIP_INVALID, got %s", decision.Decision)
	}
	if decision.ShouldProcess {
		t.Fatalf("shouldProcess must be false on SKIP_INVALID")
	}
}

func TestEvaluateSkipsOutgoingAndPrivate(t *testing.T) {
	g := newTestGovernor(t, Config{}, nil, nil)
	ctx := context.Background()

	outgoing := baseEnvelope("C1", "hola")
	outgoing.MessageType = chatenvelope.MessageOutgoing
	if d := g.Evaluate(ctx, outgoing); d.Decision != SkipOutgoing {
		t.Fatalf("expected SKIP_OUTGOING, got %s", d.Decision)
	}

	private := baseEnvelope("C2", "hola")
	private.IsPrivate = true
	if d := g.Evaluate(ctx, private); d.Decision != SkipPrivate {
		t.Fatalf("expected SKIP_PRIVATE, got %s", d.Decision)
	}
}

func TestEvaluateEmptyAndOverflowContent(t *testing.T) {
	g := newTestGovernor(t, Config{ContentMaxChars: 10}, nil, nil)
	ctx := context.Background()

	if d := g.Evaluate(ctx, baseEnvelope("C1", "   ")); d.Decision != SkipEmpty {
		t.Fatalf("expected SKIP_EMPTY, got %s", d.Decision)
	}
	if d := g.Evaluate(ctx, baseEnvelope("C2", "this text is definitely too long")); d.Decision != SkipSpam {
		t.Fatalf("expected SKIP_SPAM, got %s", d.Decision)
	}
}

// TestDedupeThenRateLimit is S1/S2 from spec.md §8: the same text on the
// same conversation is admitted once within the dedupe window, and a
// conversation's Nth distinct message over the rate limit is rejected.
func TestDedupeThenRateLimit(t *testing.T) {
	g := newTestGovernor(t, Config{DedupeWindowMs: 5_000, RateLimitWindowMs: 60_000, RateLimitMax: 2}, nil, nil)
	ctx := context.Background()

	if d := g.Evaluate(ctx, baseEnvelope("C1", "hola")); d.Decision != Proceed {
		t.Fatalf("first message: expected PROCEED, got %s", d.Decision)
	}
	if d := g.Evaluate(ctx, baseEnvelope("C1", "hola")); d.Decision != SkipDuplicate {
		t.Fatalf("repeated message: expected SKIP_DUPLICATE, got %s", d.Decision)
	}

	if d := g.Evaluate(ctx, baseEnvelope("C1", "otro mensaje")); d.Decision != Proceed {
		t.Fatalf("second distinct message: expected PROCEED, got %s", d.Decision)
	}
	if d := g.Evaluate(ctx, baseEnvelope("C1", "tercer mensaje")); d.Decision != SkipRateLimited {
		t.Fatalf("third distinct message: expected SKIP_RATE_LIMITED, got %s", d.Decision)
	}
}

func TestEvaluateOutsideServiceHours(t *testing.T) {
	g := newTestGovernor(t, Config{ServiceHoursEnabled: true, ServiceHoursStart: 9, ServiceHoursEnd: 21}, nil, nil)
	g.nowHour = func() int { return 3 }

	d := g.Evaluate(context.Background(), baseEnvelope("C1", "hola"))
	if d.Decision != SkipOutsideHours {
		t.Fatalf("expected SKIP_OUTSIDE_HOURS, got %s", d.Decision)
	}
}

type fixedAgentGate struct {
	active bool
	err    error
}

func (f fixedAgentGate) IsAgentActive(ctx context.Context, conversationID string) (bool, error) {
	return f.active, f.err
}

type fixedBlacklist struct {
	blocked bool
	err     error
}

func (f fixedBlacklist) IsBlacklisted(ctx context.Context, contact chatenvelope.Contact) (bool, error) {
	return f.blocked, f.err
}

func TestEvaluateAgentActiveSkips(t *testing.T) {
	g := newTestGovernor(t, Config{}, fixedAgentGate{active: true}, nil)
	d := g.Evaluate(context.Background(), baseEnvelope("C1", "hola"))
	if d.Decision != SkipAgentActive {
		t.Fatalf("expected SKIP_AGENT_ACTIVE, got %s", d.Decision)
	}
}

func TestEvaluateBlacklistedSkips(t *testing.T) {
	g := newTestGovernor(t, Config{}, nil, fixedBlacklist{blocked: true})
	d := g.Evaluate(context.Background(), baseEnvelope("C1", "hola"))
	if d.Decision != SkipBlacklisted {
		t.Fatalf("expected SKIP_BLACKLISTED, got %s", d.Decision)
	}
}

// TestExternalCapabilityFailuresFailOpen covers spec.md §4.1's "fail-open"
// semantics: an erroring agent gate or blacklist must never block
// admission on its own.
func TestExternalCapabilityFailuresFailOpen(t *testing.T) {
	g := newTestGovernor(t, Config{}, fixedAgentGate{err: errors.New("boom")}, fixedBlacklist{err: errors.New("boom")})
	d := g.Evaluate(context.Background(), baseEnvelope("C1", "hola"))
	if d.Decision != Proceed {
		t.Fatalf("expected PROCEED despite capability errors (fail-open), got %s", d.Decision)
	}
}
