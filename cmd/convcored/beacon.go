package main

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jorgealan/conv-core/internal/config"
	"github.com/jorgealan/conv-core/internal/observability"
	"github.com/jorgealan/conv-core/internal/queue"
	"github.com/jorgealan/conv-core/internal/rules"
	"github.com/jorgealan/conv-core/internal/store"
)

const beaconDequeueTimeout = 5 * time.Second

// runBeaconWorker drains the beacon ingest path (spec.md §2's second
// data flow) through the deterministic rule engine, persisting and
// logging the resulting Instruction. Unlike runWorker's job pool, this
// has no retry/backoff: Evaluate is a pure function over its inputs, so
// a transient Dequeue error is simply retried on the next loop tick.
func runBeaconWorker(ctx context.Context, cfg config.Config) {
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("redis url error: %v", err)
	}
	client := redis.NewClient(opt)
	defer client.Close()

	bq := queue.NewBeaconQueue(client)

	rulesCfg, err := rules.Load(cfg.Beacon.RulesPath)
	if err != nil {
		log.Fatalf("beacon rules load failed: %v", err)
	}
	engine := rules.New(rulesCfg, uuid.NewString, nil)
	observer := observability.NewObserver(nil)

	var st *store.Store
	if cfg.Database.DSN != "" {
		st, err = store.Open(cfg.Database.DSN)
		if err != nil {
			log.Printf("store open failed, beacon instructions will not be persisted: %v", err)
			st = nil
		} else {
			defer st.Close()
		}
	}

	log.Println("convcored beacon-worker started")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env, ok, err := bq.Dequeue(ctx, beaconDequeueTimeout)
		if err != nil {
			log.Printf("beacon dequeue error: %v", err)
			continue
		}
		if !ok {
			continue
		}

		processBeacon(ctx, engine, env, st, observer)
	}
}

func processBeacon(ctx context.Context, engine *rules.Engine, env queue.BeaconEnvelope, st *store.Store, observer *observability.Observer) {
	var beacon rules.Beacon
	if err := json.Unmarshal(env.Beacon, &beacon); err != nil {
		log.Printf("beacon %s: invalid payload, dropping: %v", env.ID, err)
		return
	}
	var signal rules.NormalizedSignal
	if len(env.Signal) > 0 {
		if err := json.Unmarshal(env.Signal, &signal); err != nil {
			log.Printf("beacon %s: invalid normalized signal, proceeding without it: %v", env.ID, err)
		}
	}

	instruction, violations := engine.Evaluate(beacon, signal)
	escalated := len(violations) > 0
	observer.RecordInstruction(instruction.Target.App, instruction.Priority, instruction.InstructionID, escalated)

	if st == nil {
		return
	}
	if err := persistInstruction(ctx, st, instruction); err != nil {
		log.Printf("beacon %s: failed to persist instruction %s: %v", env.ID, instruction.InstructionID, err)
	}
}

func persistInstruction(ctx context.Context, st *store.Store, instruction rules.Instruction) error {
	createdAt, err := time.Parse(time.RFC3339, instruction.CreatedAtISO)
	if err != nil {
		createdAt = time.Now().UTC()
	}
	actions, err := json.Marshal(instruction.Actions)
	if err != nil {
		return err
	}
	rationale, err := json.Marshal(instruction.RationaleBullets)
	if err != nil {
		return err
	}
	return st.SaveInstruction(ctx, store.InstructionRecord{
		InstructionID:           instruction.InstructionID,
		BeaconID:                instruction.BeaconID,
		CreatedAt:               createdAt,
		TargetApp:               instruction.Target.App,
		LocationID:              instruction.Target.LocationID,
		UserID:                  instruction.Target.UserID,
		Priority:                instruction.Priority,
		Message:                 instruction.Message,
		Actions:                 actions,
		Confidence:              instruction.Confidence,
		NeedsHumanClarification: instruction.NeedsHumanClarification,
		RationaleBullets:        rationale,
	})
}
