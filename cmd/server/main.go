package main

import (
	"flag"
	"log"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver

	"github.com/cardwatch/backend/internal/actions"
	"github.com/cardwatch/backend/internal/api"
	"github.com/cardwatch/backend/internal/cache"
	"github.com/cardwatch/backend/internal/circuitbreaker"
	"github.com/cardwatch/backend/internal/config"
	"github.com/cardwatch/backend/internal/engine"
	"github.com/cardwatch/backend/internal/evals"
	"github.com/cardwatch/backend/internal/kb"
	"github.com/cardwatch/backend/internal/monitoring"
	"github.com/cardwatch/backend/internal/store"
	"github.com/cardwatch/backend/internal/stream"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	flag.Parse()

	// .env is for local development; missing is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	st := openStore(cfg)
	kv := openKV(cfg)

	metrics := monitoring.NewMetrics()
	retriever := kb.NewRetriever(st)
	streamMux := stream.NewMux(
		cfg.Stream.BufferSize,
		cfg.Stream.Heartbeat(),
		cfg.Stream.GraceDelay(),
		metrics,
	)
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailThreshold: cfg.Circuit.FailThreshold,
		Reset:         cfg.Circuit.Reset(),
	})
	limiter := cache.NewLimiter(kv, cfg.RateLimit.Window(), cfg.RateLimit.MaxRequests)

	orchestrator := engine.NewOrchestrator(
		st, retriever, streamMux, breakers, limiter,
		engine.Config{
			StepTimeout:           cfg.Engine.AgentTimeout(),
			RunTimeout:            cfg.Engine.RunTimeout(),
			BusinessHoursLocation: cfg.Actions.Location(),
		},
		metrics,
	)

	executor := actions.NewExecutor(
		st,
		cache.NewOTPStore(kv, cfg.Actions.OTPTTL()),
		cache.NewIdempotency(kv, cfg.Actions.IdempotencyTTL()),
		metrics,
	)

	server := api.NewServer(
		st, orchestrator, executor, retriever,
		evals.NewEvaluator(st), streamMux, limiter, metrics,
	)

	log.Printf("[MAIN] triage backend starting env=%s port=%s", cfg.Server.Env, cfg.Server.Port)
	if err := server.ListenAndServe(":" + cfg.Server.Port); err != nil {
		log.Fatalf("server: %v", err)
	}
}

// openStore connects to Postgres when configured; otherwise runs on the
// in-memory store so the service works without infrastructure.
func openStore(cfg *config.Config) store.Store {
	if cfg.Database.URL == "" {
		log.Println("[MAIN] DATABASE_URL unset, using in-memory store")
		return store.NewMemoryStore()
	}
	st, err := store.NewPostgresStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	log.Println("[MAIN] connected to Postgres")
	return st
}

// openKV prefers Redis and falls back to the in-memory KV, which is safe for
// a single replica only.
func openKV(cfg *config.Config) cache.KV {
	kv, err := cache.NewRedisKV(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Printf("[MAIN] redis unavailable (%v), using in-memory cache", err)
		return cache.NewMemoryKV()
	}
	log.Printf("[MAIN] connected to Redis at %s", cfg.Redis.Addr)
	return kv
}
