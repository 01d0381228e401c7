// Package registry resolves a job's handler-name string back to
// executable code. Jobs cross the Redis-backed queue as plain data (see
// internal/queue); a closure cannot survive that trip, so the queue
// carries a name and workers look the name up in a Registry built with
// New and filled at process start.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// HandlerFunc processes one job's payload and returns a result to attach
// to the job record, or an error to drive the retry/DLQ path.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Registry is a single-owner map guarded by a mutex.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func New() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register adds a handler under name. Registering the same name twice is
// a programmer error (handler sets are wired at process start, not at
// request time) and panics rather than silently shadowing the first.
func (r *Registry) Register(name string, fn HandlerFunc) {
	if name == "" {
		panic("registry: empty handler name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("registry: handler %q already registered", name))
	}
	r.handlers[name] = fn
}

// Resolve looks up a handler by name. ok is false when no handler with
// that name was registered in this process — the caller (the worker
// pool) treats that as a fatal job error, since a job whose handler
// cannot be resolved will never complete under any retry count.
func (r *Registry) Resolve(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	return fn, ok
}

// Names returns the currently registered handler names, useful for
// startup diagnostics and tests.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
