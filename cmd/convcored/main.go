// Command convcored is the single entrypoint for the conversational
// message processor: serve (webhook admission + enqueue), worker (the
// dispatcher's pool draining the job queue), beacon-worker (the rule
// engine draining the beacon queue), and reconcile (DLQ alert sweep +
// feedback tuner auto-apply loop).
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jorgealan/conv-core/internal/config"
)

const shutdownGrace = 10 * time.Second

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}
	cmd := os.Args[1]
	cfgPath := os.Getenv("CC_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch cmd {
	case "serve":
		runServe(ctx, cfg)
	case "worker":
		runWorker(ctx, cfg)
	case "beacon-worker":
		runBeaconWorker(ctx, cfg)
	case "reconcile":
		runReconcile(ctx, cfg)
	default:
		usage()
	}
}

func usage() {
	fmt.Println("Usage: convcored <serve|worker|beacon-worker|reconcile>")
}
