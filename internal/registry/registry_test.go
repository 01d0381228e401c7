package registry

import (
	"context"
	"encoding/json"
	"testing"
)

func TestRegisterResolve(t *testing.T) {
	r := New()
	r.Register("echo", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	})

	fn, ok := r.Resolve("echo")
	if !ok {
		t.Fatalf("expected handler to resolve")
	}
	out, err := fn(context.Background(), json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if string(out) != `{"a":1}` {
		t.Fatalf("unexpected output: %s", out)
	}

	if _, ok := r.Resolve("missing"); ok {
		t.Fatalf("expected missing handler to not resolve")
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	r := New()
	r.Register("dup", func(context.Context, json.RawMessage) (json.RawMessage, error) { return nil, nil })

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate registration")
		}
	}()
	r.Register("dup", func(context.Context, json.RawMessage) (json.RawMessage, error) { return nil, nil })
}
