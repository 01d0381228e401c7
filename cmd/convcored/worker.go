package main

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jorgealan/conv-core/internal/airunner"
	"github.com/jorgealan/conv-core/internal/cache"
	"github.com/jorgealan/conv-core/internal/chatclient"
	"github.com/jorgealan/conv-core/internal/config"
	"github.com/jorgealan/conv-core/internal/dlq"
	"github.com/jorgealan/conv-core/internal/llm"
	"github.com/jorgealan/conv-core/internal/policy"
	"github.com/jorgealan/conv-core/internal/queue"
	"github.com/jorgealan/conv-core/internal/registry"
	"github.com/jorgealan/conv-core/internal/store"
)

// extractionSchema requires the structured-output runner to land on a
// response carrying at least the classified intent, per spec.md §4.5's
// "retries until the shape is right" contract.
var extractionSchema = map[string]any{
	"type":     "object",
	"required": []any{"intent"},
}

func runWorker(ctx context.Context, cfg config.Config) {
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("redis url error: %v", err)
	}
	client := redis.NewClient(opt)
	defer client.Close()

	q := queue.NewFromClient(client)
	chat := chatclient.New(cfg.ChatPlatform.BaseURL, cfg.ChatPlatform.APIToken, cfg.ChatPlatform.RequestTimeout)

	dlqManager := dlq.New(client, q, nil, cfg.DLQ.AlertThreshold, cfg.DLQ.CheckInterval, cfg.DLQ.AlertSuppress, nil)
	if cfg.Database.DSN != "" {
		st, err := store.Open(cfg.Database.DSN)
		if err != nil {
			log.Printf("store open failed, continuing without persistence: %v", err)
		} else {
			defer st.Close()
			dlqManager.AttachPersister(storeDLQPersister{s: st})
		}
	}
	go dlqManager.RunAlertSweep(ctx)

	semCache := cache.New(cache.TTLs{
		FAQ:       cfg.Cache.TTLFaq,
		General:   cfg.Cache.TTLGeneral,
		Transient: cfg.Cache.TTLTransient,
	}, cfg.Cache.MaxEntries)
	go semCache.RunSweepLoop(ctx, cfg.Cache.SweepEvery)

	provider := newLLMProvider(cfg)
	runner := airunner.New()

	policyDoc, err := policy.Load(cfg.Policy.Path)
	if err != nil {
		log.Printf("policy load failed, outbound replies run unguarded: %v", err)
	}

	reg := registry.New()
	reg.Register("process_message", processMessageHandler(provider, runner, semCache, chat, policyDoc))

	poolCfg := queue.PoolConfig{
		MaxConcurrent:     cfg.Queue.MaxConcurrent,
		MaxRetries:        cfg.Queue.MaxRetries,
		RetryDelay:        time.Duration(cfg.Queue.RetryDelayMs) * time.Millisecond,
		TypingEnabled:     cfg.Queue.TypingEnabled,
		TypingInterval:    time.Duration(cfg.Queue.TypingIntervalMs) * time.Millisecond,
		ProcessingTimeout: cfg.Queue.ProcessingTimeout,
		ResultRetention:   cfg.Queue.ResultRetention,
	}
	pool := queue.NewPool(q, reg, poolCfg, chat, chat, dlqManager, nil)

	log.Println("convcored worker started")
	pool.Run(ctx)
}

func newLLMProvider(cfg config.Config) llm.Provider {
	switch cfg.LLM.Provider {
	case "openai":
		return llm.NewOpenAI(cfg.LLM.OpenAIKey, cfg.LLM.Model)
	case "ollama":
		return llm.NewOllama(cfg.LLM.OllamaURL, cfg.LLM.Model)
	default:
		return llm.NewNoop()
	}
}

func processMessageHandler(provider llm.Provider, runner *airunner.Runner, semCache *cache.Cache, chat *chatclient.Client, policyDoc policy.Policy) registry.HandlerFunc {
	return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var msg messagePayload
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, err
		}

		conversationID := conversationIDFromContext(ctx)

		if hit := semCache.Get(msg.Text); hit.Hit {
			if err := chat.SendReply(ctx, conversationID, hit.Response); err != nil {
				return nil, err
			}
			return json.Marshal(map[string]any{"source": "cache", "category": hit.Category})
		}

		classification, err := provider.Classify(ctx, msg.Text, nil)
		if err != nil {
			return nil, err
		}

		call := func(ctx context.Context, _ []airunner.Message) (string, error) {
			extraction, err := provider.Extract(ctx, msg.Text, extractionSchema, nil)
			if err != nil {
				return "", err
			}
			data := extraction.Data
			if data == nil {
				data = map[string]any{}
			}
			if _, ok := data["intent"]; !ok {
				data["intent"] = classification.Intent
			}
			encoded, err := json.Marshal(data)
			return string(encoded), err
		}
		result := runner.Run(ctx, call, []airunner.Message{{Role: "user", Content: msg.Text}}, extractionSchema, airunner.Options{})

		draft, err := provider.Draft(ctx, msg.Text, nil, classification.Intent)
		if err != nil {
			return nil, err
		}

		text, policyResult := policy.Evaluate(draft.Text, policyDoc, classification.Confidence)
		outcome := map[string]any{
			"source":           "llm",
			"extraction_ok":    result.Success,
			"self_healed":      result.SelfHealed,
			"needs_approval":   policyResult.NeedsApproval || draft.NeedsApproval,
			"policy_allowed":   policyResult.Allowed,
			"classification":   classification.Intent,
		}

		if !policyResult.Allowed {
			return json.Marshal(outcome)
		}
		if policyResult.NeedsApproval || draft.NeedsApproval {
			return json.Marshal(outcome)
		}

		if err := chat.SendReply(ctx, conversationID, text); err != nil {
			return nil, err
		}
		semCache.Set(msg.Text, text, map[string]any{"intent": classification.Intent})
		return json.Marshal(outcome)
	}
}
