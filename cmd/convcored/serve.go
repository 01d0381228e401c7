package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/jorgealan/conv-core/internal/chatenvelope"
	"github.com/jorgealan/conv-core/internal/config"
	"github.com/jorgealan/conv-core/internal/confighub"
	"github.com/jorgealan/conv-core/internal/governor"
	"github.com/jorgealan/conv-core/internal/observability"
	"github.com/jorgealan/conv-core/internal/queue"
	"github.com/jorgealan/conv-core/internal/ratelimit"
)

// messagePayload is the job payload handed to the "process_message"
// handler in internal/registry — a Job is a plain data value, so the
// envelope fields the worker needs survive the trip across Redis here.
type messagePayload struct {
	Text    string               `json:"text"`
	Contact chatenvelope.Contact `json:"contact"`
}

func runServe(ctx context.Context, cfg config.Config) {
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("redis url error: %v", err)
	}
	client := redis.NewClient(opt)
	defer client.Close()

	q := queue.NewFromClient(client)
	limiter := ratelimit.New(client, nil)
	observer := observability.NewObserver(nil)

	gov := governor.New(governor.Config{
		ContentMinChars:     cfg.Governor.ContentMinChars,
		ContentMaxChars:     cfg.Governor.ContentMaxChars,
		DedupeWindowMs:      int64(cfg.Dedupe.WindowMs),
		RateLimitWindowMs:   int64(cfg.RateLimit.WindowMs),
		RateLimitMax:        cfg.RateLimit.MaxRequest,
		ServiceHoursEnabled: cfg.ServiceHours.Enabled,
		ServiceHoursStart:   cfg.ServiceHours.Start,
		ServiceHoursEnd:     cfg.ServiceHours.End,
	}, limiter, redisAgentGate{client: client}, redisBlacklist{client: client}, redisFlowState{client: client}, nil)

	var hub *confighub.Client
	if cfg.ConfigHub.URL != "" {
		hub = confighub.New(cfg.ConfigHub.URL, nil)
		go hub.RunPollLoop(ctx, cfg.ConfigHub.PollInterval)
	}

	bq := queue.NewBeaconQueue(client)

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", webhookHandler(gov, q, observer, cfg))
	mux.HandleFunc("/beacons", beaconIngestHandler(bq))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("convcored serving on %s", cfg.HTTP.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

func webhookHandler(gov *governor.Governor, q *queue.Queue, observer *observability.Observer, cfg config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var raw map[string]any
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}

		env, err := chatenvelope.Normalize(raw)
		if err != nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}

		ctx := r.Context()
		decision := gov.Evaluate(ctx, env)
		observer.RecordGovernorDecision(env.ConversationID, string(decision.Decision), decision.Reason)

		if !decision.ShouldProcess {
			w.WriteHeader(http.StatusAccepted)
			return
		}

		payload, err := json.Marshal(messagePayload{Text: env.MessageText, Contact: env.Contact})
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		jobID, err := q.Enqueue(ctx, env.ConversationID, "process_message", payload)
		if err != nil {
			log.Printf("enqueue failed: %v", err)
			http.Error(w, "enqueue failed", http.StatusServiceUnavailable)
			return
		}

		if depth, derr := q.Depth(ctx); derr == nil {
			observer.RecordQueueDepth(depth, int64(cfg.Queue.MaxConcurrent*100))
		}

		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(jobID))
	}
}

// beaconIngestRequest is the wire shape for the beacon ingest path
// (spec.md §2's second data flow): the beacon itself plus an optional
// already-normalized signal, both handed through to internal/rules
// untouched — this HTTP layer has no opinion on their schema.
type beaconIngestRequest struct {
	Beacon json.RawMessage `json:"beacon"`
	Signal json.RawMessage `json:"signal,omitempty"`
}

func beaconIngestHandler(bq *queue.BeaconQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req beaconIngestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Beacon) == 0 {
			http.Error(w, "invalid beacon payload", http.StatusBadRequest)
			return
		}

		id, err := bq.Enqueue(r.Context(), req.Beacon, req.Signal)
		if err != nil {
			log.Printf("beacon enqueue failed: %v", err)
			http.Error(w, "enqueue failed", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(id))
	}
}
