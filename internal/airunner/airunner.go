// Package airunner implements the self-healing structured-output runner
// from spec.md §4.5. It wraps a model call that returns raw JSON text,
// validates it against a caller-supplied JSON Schema using
// santhosh-tekuri/jsonschema/v5's compile-and-validate idiom, and on a
// recoverable validation error feeds the broken output and a correction
// prompt back into the conversation for another attempt.
package airunner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Message is one turn of the conversation passed to Call.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Call performs one model invocation given the accumulated message
// history and returns the raw (unvalidated) model output text.
type Call func(ctx context.Context, messages []Message) (string, error)

// Result is the contract of Run, per spec.md §4.5.
type Result struct {
	Success    bool
	Data       map[string]any
	Error      string
	Attempts   int
	SelfHealed bool
}

// recoverableMarkers is the substring list spec.md §4.5 names for
// deciding whether a failure is worth retrying with a correction prompt.
var recoverableMarkers = []string{
	"zod", "json", "parse", "validation", "invalid", "expected", "required", "undefined", "null", "type", "schema",
}

// Options configures a single Run call. Zero value uses the defaults
// spec.md §4.5 states: 2 total attempts, 0 extra backoff.
type Options struct {
	MaxAttempts int
	RetryDelay  time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 2
	}
	return o
}

// Metrics accumulates the counters spec.md §4.5 requires. Safe for
// concurrent use; a Runner shares one Metrics across all Run calls.
type Metrics struct {
	mu                   sync.Mutex
	totalCalls           int64
	firstTrySuccess      int64
	successAfterRetry    int64
	failureAfterRetries  int64
	selfHealingInvoked   int64
}

func (m *Metrics) record(attempts int, success, selfHealed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalCalls++
	switch {
	case success && attempts == 1:
		m.firstTrySuccess++
	case success:
		m.successAfterRetry++
	default:
		m.failureAfterRetries++
	}
	if selfHealed {
		m.selfHealingInvoked++
	}
}

// Snapshot is the point-in-time view Metrics exposes, including the
// derived rates spec.md §4.5 calls for.
type Snapshot struct {
	TotalCalls          int64
	FirstTrySuccess     int64
	SuccessAfterRetry   int64
	FailureAfterRetries int64
	SelfHealingInvoked  int64
	SuccessRate         float64
	SelfHealingRate     float64
	FirstTryRate        float64
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{
		TotalCalls:          m.totalCalls,
		FirstTrySuccess:     m.firstTrySuccess,
		SuccessAfterRetry:   m.successAfterRetry,
		FailureAfterRetries: m.failureAfterRetries,
		SelfHealingInvoked:  m.selfHealingInvoked,
	}
	if m.totalCalls > 0 {
		snap.SuccessRate = float64(snap.FirstTrySuccess+snap.SuccessAfterRetry) / float64(m.totalCalls)
		snap.SelfHealingRate = float64(snap.SelfHealingInvoked) / float64(m.totalCalls)
		snap.FirstTryRate = float64(snap.FirstTrySuccess) / float64(m.totalCalls)
	}
	return snap
}

// Runner drives Run calls and owns the shared Metrics.
type Runner struct {
	Metrics *Metrics
}

func New() *Runner {
	return &Runner{Metrics: &Metrics{}}
}

// Run executes call against messages, validating the output against
// schema and retrying with a correction prompt on recoverable failures,
// per spec.md §4.5.
func (r *Runner) Run(ctx context.Context, call Call, messages []Message, schema map[string]any, opts Options) Result {
	opts = opts.withDefaults()
	compiled, compileErr := compileSchema(schema)

	history := append([]Message(nil), messages...)
	selfHealed := false
	var lastErr error

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := opts.RetryDelay * time.Duration(attempt-1)
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return r.finish(Result{Success: false, Error: ctx.Err().Error(), Attempts: attempt - 1, SelfHealed: selfHealed})
				}
			}
		}

		raw, err := call(ctx, history)
		if err != nil {
			lastErr = err
			if !isRecoverable(err.Error()) {
				return r.finish(Result{Success: false, Error: err.Error(), Attempts: attempt, SelfHealed: selfHealed})
			}
			history = appendCorrection(history, raw, err.Error())
			selfHealed = true
			continue
		}

		data, parseErr := parseJSON(raw)
		if parseErr != nil {
			lastErr = parseErr
			history = appendCorrection(history, raw, parseErr.Error())
			selfHealed = true
			continue
		}

		if compileErr == nil && compiled != nil {
			if err := compiled.Validate(data); err != nil {
				lastErr = err
				if !isRecoverable(err.Error()) {
					return r.finish(Result{Success: false, Error: err.Error(), Attempts: attempt, SelfHealed: selfHealed})
				}
				history = appendCorrection(history, raw, err.Error())
				selfHealed = true
				continue
			}
		}

		return r.finish(Result{Success: true, Data: data, Attempts: attempt, SelfHealed: selfHealed})
	}

	errMsg := "exhausted attempts"
	if lastErr != nil {
		errMsg = lastErr.Error()
	}
	return r.finish(Result{Success: false, Error: errMsg, Attempts: opts.MaxAttempts, SelfHealed: selfHealed})
}

func (r *Runner) finish(res Result) Result {
	if r.Metrics != nil {
		r.Metrics.record(res.Attempts, res.Success, res.SelfHealed)
	}
	return res
}

func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	if schema == nil {
		return nil, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}

func parseJSON(raw string) (map[string]any, error) {
	var data map[string]any
	trimmed := strings.TrimSpace(raw)
	if err := json.Unmarshal([]byte(trimmed), &data); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	return data, nil
}

func isRecoverable(message string) bool {
	lower := strings.ToLower(message)
	for _, marker := range recoverableMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

var fieldRE = regexp.MustCompile(`(?i)field[s]?\s*["']?([a-zA-Z0-9_.]+)["']?`)

// appendCorrection builds the two-message correction described in
// spec.md §4.5: the broken assistant output, then a user message
// restating the error and naming the offending field when parseable.
func appendCorrection(history []Message, brokenOutput, errMessage string) []Message {
	assistantContent := brokenOutput
	if strings.TrimSpace(assistantContent) == "" {
		assistantContent = "(no output returned)"
	}

	correction := fmt.Sprintf("Your previous response was invalid: %s.", errMessage)
	if m := fieldRE.FindStringSubmatch(errMessage); len(m) == 2 {
		correction += fmt.Sprintf(" Check the field %q specifically.", m[1])
	}
	correction += " Respond with valid JSON only, matching the required schema."

	return append(history,
		Message{Role: "assistant", Content: assistantContent},
		Message{Role: "user", Content: correction},
	)
}
