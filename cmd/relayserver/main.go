package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pingline/chat-relay/internal/messaging"
	"github.com/pingline/chat-relay/internal/presence"
	"github.com/pingline/chat-relay/internal/ratelimit"
	"github.com/pingline/chat-relay/internal/relay"
	"github.com/pingline/chat-relay/internal/store"
	"github.com/pingline/chat-relay/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	// --- PostgreSQL (durable store) ---
	// A missing or unreachable database is not fatal: the relay starts
	// degraded on the in-memory fallback and keeps serving.
	var durable store.Backend
	var pg *store.PostgresBackend
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Printf("DATABASE_URL not set, running on in-memory store only")
	} else {
		var err error
		pg, err = store.OpenPostgres(dsn)
		if err != nil {
			log.Printf("postgres unavailable, falling back to in-memory store: %v", err)
		} else {
			durable = pg
		}
	}
	facade := store.NewFacade(durable, store.NewMemoryBackend())

	// --- Redis (rate limiting) ---
	// Optional: without Redis the relay runs unthrottled.
	var limiter relay.MessageLimiter
	var rdb *redis.Client
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: redisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Printf("redis unavailable, rate limiting disabled: %v", err)
			rdb.Close()
			rdb = nil
		} else {
			limiter = ratelimit.NewMessageLimiter(rdb)
		}
		cancel()
	}

	// --- NATS (message audit stream) ---
	// Optional: without NATS persisted messages are simply not published.
	var events relay.EventPublisher
	var natsClient *messaging.Client
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig := messaging.DefaultConfig()
		natsConfig.URL = natsURL
		natsConfig.Name = "chat-relay-server"

		var err error
		natsClient, err = messaging.Connect(natsConfig)
		if err != nil {
			log.Printf("nats unavailable, event publishing disabled: %v", err)
		} else {
			events = natsClient
		}
	}

	log.Printf("Chat relay server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  durable_store:   %v", durable != nil)
	log.Printf("  rate_limiting:   %v", limiter != nil)
	log.Printf("  event_stream:    %v", events != nil)

	dispatcher := ws.NewMessageDispatcher(nil)
	server := ws.NewServer(config, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	core := relay.New(presence.NewRegistry(), facade, server, limiter, events)
	core.Register(dispatcher)
	server.SetOnDisconnect(core.HandleDisconnect)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if natsClient != nil {
			natsClient.Close()
		}
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if rdb != nil {
			rdb.Close()
		}
		if pg != nil {
			if err := pg.Close(); err != nil {
				log.Printf("store close error: %v", err)
			}
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
