package airunner

import (
	"context"
	"errors"
	"testing"
)

var personSchema = map[string]any{
	"type":     "object",
	"required": []any{"name"},
	"properties": map[string]any{
		"name": map[string]any{"type": "string"},
	},
}

func TestRunFirstTrySuccess(t *testing.T) {
	r := New()
	calls := 0
	call := func(_ context.Context, _ []Message) (string, error) {
		calls++
		return `{"name":"ana"}`, nil
	}

	res := r.Run(context.Background(), call, nil, personSchema, Options{})
	if !res.Success {
		t.Fatalf("expected success, got error: %s", res.Error)
	}
	if res.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", res.Attempts)
	}
	if res.SelfHealed {
		t.Fatalf("expected no self-healing on first-try success")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls)
	}

	snap := r.Metrics.Snapshot()
	if snap.FirstTrySuccess != 1 || snap.TotalCalls != 1 {
		t.Fatalf("unexpected metrics snapshot: %+v", snap)
	}
}

func TestRunRecoversFromInvalidJSON(t *testing.T) {
	r := New()
	attempt := 0
	call := func(_ context.Context, messages []Message) (string, error) {
		attempt++
		if attempt == 1 {
			return `{"name": invalid}`, nil
		}
		if len(messages) < 2 {
			t.Fatalf("expected correction messages appended before retry, got %d", len(messages))
		}
		return `{"name":"beto"}`, nil
	}

	res := r.Run(context.Background(), call, nil, personSchema, Options{MaxAttempts: 2})
	if !res.Success {
		t.Fatalf("expected eventual success, got error: %s", res.Error)
	}
	if !res.SelfHealed {
		t.Fatalf("expected self-healing to have been invoked")
	}
	if res.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", res.Attempts)
	}
}

func TestRunFailsOnMissingRequiredField(t *testing.T) {
	r := New()
	call := func(_ context.Context, _ []Message) (string, error) {
		return `{"age":30}`, nil
	}

	res := r.Run(context.Background(), call, nil, personSchema, Options{MaxAttempts: 2})
	if res.Success {
		t.Fatalf("expected failure for schema violation that never resolves")
	}
	if !res.SelfHealed {
		t.Fatalf("expected self-healing attempts to have run")
	}
	if res.Attempts != 2 {
		t.Fatalf("expected attempts exhausted at 2, got %d", res.Attempts)
	}
}

func TestRunNonRecoverableErrorSkipsRetry(t *testing.T) {
	r := New()
	calls := 0
	call := func(_ context.Context, _ []Message) (string, error) {
		calls++
		return "", errors.New("upstream connection refused")
	}

	res := r.Run(context.Background(), call, nil, personSchema, Options{MaxAttempts: 3})
	if res.Success {
		t.Fatalf("expected failure")
	}
	if calls != 1 {
		t.Fatalf("expected no retry for a non-recoverable error, got %d calls", calls)
	}
	if res.SelfHealed {
		t.Fatalf("expected no self-healing for a non-recoverable error")
	}
}
