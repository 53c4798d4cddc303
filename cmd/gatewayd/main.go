// Command gatewayd runs the HTTP API surface (spec.md §6): tenant/agent/
// session/message/job/usage/voice endpoints backed by the C1-C8 core.
package main

import (
	"context"
	"errors"
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
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/pulse/rmap"

	"github.com/vocalbridge/gateway/internal/billing"
	"github.com/vocalbridge/gateway/internal/config"
	"github.com/vocalbridge/gateway/internal/httpapi"
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
	"github.com/vocalbridge/gateway/internal/voicestore"
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
		return fmt.Errorf("gatewayd: load config: %w", err)
	}

	logger := telemetry.NewClueLogger()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbURL, err := cfg.DatabaseURL()
	if err != nil {
		return fmt.Errorf("gatewayd: build database url: %w", err)
	}
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("gatewayd: connect to postgres: %w", err)
	}
	defer pool.Close()

	st := store.New(pool)

	locker, redisClient, stopSweep, err := buildLocker(cfg)
	if err != nil {
		return err
	}
	defer stopSweep()

	voiceClient, err := buildVoiceStore(ctx, cfg)
	if err != nil {
		return err
	}

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

	server := httpapi.New(httpapi.Config{
		Store: st, Pipeline: pl, Billing: billingRecorder, Tools: registry, Voice: voiceClient,
		APIKeyPrefix: cfg.APIKeyPrefix, AudioDir: cfg.AudioStorageDir, VoiceEnabled: cfg.VoiceMode == "enabled",
		Logger: logger, NewID: newUUID,
	})

	httpServer := &http.Server{Addr: cfg.HTTP.Addr, Handler: server}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("gatewayd listening on %s", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("gatewayd: serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	log.Print("gatewayd shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gatewayd: graceful shutdown: %w", err)
	}
	return nil
}

// buildLocker wires the C5 backend the config selects and, for the
// single-node backend, a periodic sweep of stale entries. It also returns
// the Redis client backing a "redis" session-lock backend (nil otherwise),
// so a clustered rate limiter can share the same connection.
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
			return nil, nil, func() {}, fmt.Errorf("gatewayd: schedule session lock sweep: %w", err)
		}
		c.Start()
		return locker, nil, func() { c.Stop() }, nil
	default:
		return nil, nil, func() {}, fmt.Errorf("gatewayd: unknown session lock backend %q", cfg.SessionLock.Backend)
	}
}

// buildVendorB wraps the Vendor B adapter with the adaptive rate limiter.
// When rate_limit.clustered is set, the budget is mirrored into a Pulse
// replicated map over the same Redis connection the session lock uses.
func buildVendorB(ctx context.Context, cfg *config.Config, redisClient *redis.Client) (provider.Adapter, error) {
	adapter := vendorb.New(vendorb.Options{})
	if cfg.RateLimit.Clustered {
		m, err := rmap.Join(ctx, "vendor-b-rate-limit", redisClient)
		if err != nil {
			return nil, fmt.Errorf("gatewayd: join vendor b rate limit map: %w", err)
		}
		limiter := ratelimit.NewClustered(ctx, m, "vendor-b-tpm", cfg.RateLimit.InitialTPM, cfg.RateLimit.MaxTPM)
		return limiter.Wrap(adapter), nil
	}
	limiter := ratelimit.New(cfg.RateLimit.InitialTPM, cfg.RateLimit.MaxTPM)
	return limiter.Wrap(adapter), nil
}

// buildVoiceStore connects to Mongo only when voice mode is enabled; a nil
// Client is safe because httpapi gates every voice handler on VoiceEnabled.
func buildVoiceStore(ctx context.Context, cfg *config.Config) (voicestore.Client, error) {
	if cfg.VoiceMode != "enabled" {
		return nil, nil
	}
	mongoClient, err := mongodriver.Connect(options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return nil, fmt.Errorf("gatewayd: connect to mongo: %w", err)
	}
	client, err := voicestore.New(ctx, voicestore.Options{Client: mongoClient, Database: cfg.Mongo.Database})
	if err != nil {
		return nil, fmt.Errorf("gatewayd: build voice store: %w", err)
	}
	return client, nil
}

func newUUID() string { return uuid.NewString() }
