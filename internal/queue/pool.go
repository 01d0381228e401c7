package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jorgealan/conv-core/internal/registry"
)

// ErrProcessingTimeout is the recoverable error raised when a handler
// loses the per-job timeout race (spec.md §4.3, step 2).
var ErrProcessingTimeout = errors.New("queue: processing timeout")

// ErrHandlerNotRegistered is fatal: no retry budget will ever resolve it.
var ErrHandlerNotRegistered = errors.New("queue: handler not registered")

// TypingNotifier pokes the chat platform to surface "typing" activity.
// Implementations suspend on outbound HTTP; failures are swallowed by the
// caller (typing is best-effort, never fatal to the job).
type TypingNotifier interface {
	NotifyTyping(ctx context.Context, conversationID string) error
}

// ApologySender delivers the compact apology message sent to the user
// when a job exhausts its retry budget (spec.md §4.3 step 4, §7).
type ApologySender interface {
	SendApology(ctx context.Context, conversationID string) error
}

// DeadLetterSink accepts a terminally-failed job, per spec.md §4.4.
type DeadLetterSink interface {
	Add(ctx context.Context, job Job, failErr error) error
}

// ResultRecord is retained briefly after completion for status queries
// (spec.md §4.3 step 3).
type ResultRecord struct {
	Job       Job
	Result    json.RawMessage
	Err       error
	Duration  time.Duration
	FinishedAt time.Time
}

// PoolConfig mirrors the subset of config.Config.Queue the pool needs,
// kept as its own struct so the pool does not import internal/config.
type PoolConfig struct {
	MaxConcurrent     int
	MaxRetries        int
	RetryDelay        time.Duration
	TypingEnabled     bool
	TypingInterval    time.Duration
	ProcessingTimeout time.Duration
	ResultRetention   time.Duration
}

// Pool is the bounded worker pool draining a Queue.
type Pool struct {
	queue    *Queue
	registry *registry.Registry
	cfg      PoolConfig
	typing   TypingNotifier
	apology  ApologySender
	dlq      DeadLetterSink
	logger   *log.Logger

	mu      sync.Mutex
	results map[string]ResultRecord
}

func NewPool(q *Queue, reg *registry.Registry, cfg PoolConfig, typing TypingNotifier, apology ApologySender, dlq DeadLetterSink, logger *log.Logger) *Pool {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	return &Pool{
		queue:    q,
		registry: reg,
		cfg:      cfg,
		typing:   typing,
		apology:  apology,
		dlq:      dlq,
		logger:   logger,
		results:  make(map[string]ResultRecord),
	}
}

// Run starts cfg.MaxConcurrent worker goroutines and blocks until ctx is
// cancelled.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.MaxConcurrent; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			p.workerLoop(ctx, workerID)
		}(i)
	}
	go p.sweepResults(ctx)
	wg.Wait()
}

func (p *Pool) workerLoop(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, ok, err := p.queue.Dequeue(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Printf("queue worker=%d dequeue error: %v", workerID, err)
			continue
		}
		if !ok {
			continue
		}
		p.process(ctx, job)
	}
}

func (p *Pool) process(ctx context.Context, job Job) {
	job.State = StateProcessing
	job.Attempts++
	job.LastAttemptAt = time.Now().UTC()

	stopTyping := p.startTyping(ctx, job.ConversationID)
	start := time.Now()
	result, err := p.runHandler(ctx, job)
	stopTyping()
	duration := time.Since(start)

	if err == nil {
		job.State = StateCompleted
		p.recordResult(job, result, nil, duration)
		return
	}

	job.LastError = err.Error()

	if errors.Is(err, ErrHandlerNotRegistered) {
		p.deadLetter(ctx, job, err)
		return
	}

	if job.Attempts < p.cfg.MaxRetries+1 {
		delay := time.Duration(job.Attempts) * p.cfg.RetryDelay
		p.logger.Printf("queue job=%s attempt=%d failed, retrying in %s: %v", job.ID, job.Attempts, delay, err)
		go p.scheduleRetry(ctx, job, delay)
		return
	}

	p.deadLetter(ctx, job, err)
}

func (p *Pool) scheduleRetry(ctx context.Context, job Job, delay time.Duration) {
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	}
	if err := p.queue.Requeue(ctx, job); err != nil {
		p.logger.Printf("queue job=%s requeue error: %v", job.ID, err)
	}
}

func (p *Pool) deadLetter(ctx context.Context, job Job, failErr error) {
	job.State = StateFailed
	p.logger.Printf("queue job=%s exhausted retries, moving to DLQ: %v", job.ID, failErr)
	if p.dlq != nil {
		if err := p.dlq.Add(ctx, job, failErr); err != nil {
			// Best-effort per spec.md §7: DLQ write failures are logged,
			// never cascaded back into the job's own failure handling.
			p.logger.Printf("dlq job=%s enqueue failed: %v", job.ID, err)
		}
	}
	if p.apology != nil {
		if err := p.apology.SendApology(ctx, job.ConversationID); err != nil {
			p.logger.Printf("apology send failed for conversation=%s: %v", job.ConversationID, err)
		}
	}
	p.recordResult(job, nil, failErr, 0)
}

// runHandler races the registered handler against the per-job timeout.
func (p *Pool) runHandler(ctx context.Context, job Job) (json.RawMessage, error) {
	fn, ok := p.registry.Resolve(job.HandlerName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotRegistered, job.HandlerName)
	}

	timeout := p.cfg.ProcessingTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := fn(callCtx, job.Payload)
		done <- outcome{result, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-callCtx.Done():
		return nil, ErrProcessingTimeout
	}
}

func (p *Pool) startTyping(ctx context.Context, conversationID string) func() {
	if !p.cfg.TypingEnabled || p.typing == nil {
		return func() {}
	}
	interval := p.cfg.TypingInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	stop := make(chan struct{})
	go func() {
		_ = p.typing.NotifyTyping(ctx, conversationID)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = p.typing.NotifyTyping(ctx, conversationID)
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}

func (p *Pool) recordResult(job Job, result json.RawMessage, err error, duration time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[job.ID] = ResultRecord{Job: job, Result: result, Err: err, Duration: duration, FinishedAt: time.Now().UTC()}
}

// Result returns a retained result for status queries, per spec.md §4.3
// step 3 ("retained for 5 minutes").
func (p *Pool) Result(jobID string) (ResultRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.results[jobID]
	return rec, ok
}

func (p *Pool) sweepResults(ctx context.Context) {
	retention := p.cfg.ResultRetention
	if retention <= 0 {
		retention = 5 * time.Minute
	}
	ticker := time.NewTicker(retention / 5)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			p.mu.Lock()
			for id, rec := range p.results {
				if rec.FinishedAt.Before(cutoff) {
					delete(p.results, id)
				}
			}
			p.mu.Unlock()
		}
	}
}
