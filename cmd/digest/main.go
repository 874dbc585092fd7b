package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pingline/chat-relay/internal/digest"
	"github.com/pingline/chat-relay/internal/messaging"
	"github.com/pingline/chat-relay/internal/store"
)

func main() {
	log.Println("Starting chat relay digest worker...")

	// PostgreSQL setup. The digest worker reads the durable store only;
	// relay-local fallback contents are not visible from this process.
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}
	pg, err := store.OpenPostgres(dsn)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}

	// NATS setup.
	natsConfig := messaging.DefaultConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "chat-relay-digest"

	natsClient, err := messaging.Connect(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	interval := 24 * time.Hour
	if v := os.Getenv("DIGEST_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			interval = d
		}
	}

	log.Printf("Chat relay digest worker running")
	log.Printf("  nats_url: %s", natsConfig.URL)
	log.Printf("  interval: %s", interval)

	worker := digest.NewWorker(pg, natsClient, interval)

	ctx, cancel := context.WithCancel(context.Background())
	go worker.Run(ctx)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	cancel()
	natsClient.Close()
	if err := pg.Close(); err != nil {
		log.Printf("store close error: %v", err)
	}
}
