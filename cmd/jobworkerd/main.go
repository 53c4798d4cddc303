// Command jobworkerd runs the C9 async job worker (spec.md §4.9): it polls
// the jobs table for leased work, dispatches each job through the same C7
// pipeline gatewayd exposes over HTTP, and delivers webhook callbacks.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"goa.design/pulse/rmap"

	"github.com/vocalbridge/gateway/internal/billing"
	"github.com/vocalbridge/gateway/internal/config"
	"github.com/vocalbridge/gateway/internal/jobs"
	"github.com/vocalbridge/gateway/internal/orchestrator"
	"github.com/vocalbridge/gateway/internal/pipeline"
	"github.com/vocalbridge/gateway/internal/pricing"
	"github.com/vocalbridge/gateway/internal/provider"
	"github.com/vocalbridge/gateway/internal/provider/vendora"
	"github.com/vocalbridge/gateway/internal/provider/vendorb"
	"github.com/vocalbridge/gateway/internal/ratelimit"
	"github.com/vocalbridge/gateway/internal/sequence"
	"github.com/vocalbridge/gateway/internal/sessionlock"
	"github.com/vocalbridge/gateway/internal/store"
	"github.com/vocalbridge/gateway/internal/telemetry"
	"github.com/vocalbridge/gateway/internal/tools"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to an optional YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("jobworkerd: load config: %w", err)
	}

	logger := telemetry.NewClueLogger()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbURL, err := cfg.DatabaseURL()
	if err != nil {
		return fmt.Errorf("jobworkerd: build database url: %w", err)
	}
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("jobworkerd: connect to postgres: %w", err)
	}
	defer pool.Close()

	st := store.New(pool)

	locker, redisClient, stopSweep, err := buildLocker(cfg)
	if err != nil {
		return err
	}
	defer stopSweep()

	registry := tools.NewRegistry()
	registry.Register(tools.NewInvoiceLookup())

	vendorBAdapter, err := buildVendorB(ctx, cfg, redisClient)
	if err != nil {
		return err
	}
	adapters := pipeline.AdapterSet{
		pricing.VendorA: vendora.New(vendora.Options{}),
		pricing.VendorB: vendorBAdapter,
	}

	orch := orchestrator.New(orchestrator.DefaultConfig(), nil)
	billingRecorder := billing.New(st, logger, newUUID)
	pl := pipeline.New(pipeline.DefaultConfig(), st, locker, sequence.NewPostgres(pool), orch,
		registry, billingRecorder, adapters, logger, newUUID)

	jobCfg := jobs.Config{
		PollSchedule:    cfg.JobWorker.PollSchedule,
		LeaseSeconds:    cfg.JobWorker.LeaseSeconds,
		Concurrency:     cfg.JobWorker.Concurrency,
		CallbackTimeout: cfg.JobWorker.CallbackTimeout,
	}
	httpClient := &http.Client{Timeout: jobCfg.CallbackTimeout}
	worker := jobs.New(jobCfg, st, pl, httpClient, logger)

	if err := worker.Start(ctx); err != nil {
		return fmt.Errorf("jobworkerd: start worker: %w", err)
	}
	log.Printf("jobworkerd polling on schedule %q", jobCfg.PollSchedule)

	<-ctx.Done()
	log.Print("jobworkerd shutting down")
	worker.Stop()
	return nil
}

// buildLocker mirrors gatewayd's C5 backend selection so both processes
// agree on which sessions are locked. It also returns the Redis client
// backing a "redis" session-lock backend (nil otherwise), so a clustered
// rate limiter can share the same connection.
func buildLocker(cfg *config.Config) (sessionlock.Locker, *redis.Client, func(), error) {
	switch cfg.SessionLock.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.SessionLock.RedisURL})
		return sessionlock.NewRedis(rdb, "", 0), rdb, func() { _ = rdb.Close() }, nil
	case "inmemory", "":
		locker := sessionlock.NewInMemory(0)
		c := cron.New()
		interval := cfg.SessionLock.SweepInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		_, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() { locker.Sweep() })
		if err != nil {
			return nil, nil, func() {}, fmt.Errorf("jobworkerd: schedule session lock sweep: %w", err)
		}
		c.Start()
		return locker, nil, func() { c.Stop() }, nil
	default:
		return nil, nil, func() {}, fmt.Errorf("jobworkerd: unknown session lock backend %q", cfg.SessionLock.Backend)
	}
}

// buildVendorB mirrors gatewayd's Vendor B rate-limiter wiring so both
// processes' outbound calls draw from the same effective budget when
// clustered.
func buildVendorB(ctx context.Context, cfg *config.Config, redisClient *redis.Client) (provider.Adapter, error) {
	adapter := vendorb.New(vendorb.Options{})
	if cfg.RateLimit.Clustered {
		m, err := rmap.Join(ctx, "vendor-b-rate-limit", redisClient)
		if err != nil {
			return nil, fmt.Errorf("jobworkerd: join vendor b rate limit map: %w", err)
		}
		limiter := ratelimit.NewClustered(ctx, m, "vendor-b-tpm", cfg.RateLimit.InitialTPM, cfg.RateLimit.MaxTPM)
		return limiter.Wrap(adapter), nil
	}
	limiter := ratelimit.New(cfg.RateLimit.InitialTPM, cfg.RateLimit.MaxTPM)
	return limiter.Wrap(adapter), nil
}

func newUUID() string { return uuid.NewString() }
