package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/metergate/metergate/internal/billing"
	"github.com/metergate/metergate/internal/cache"
	"github.com/metergate/metergate/internal/config"
	"github.com/metergate/metergate/internal/database"
	"github.com/metergate/metergate/internal/keystore"
	"github.com/metergate/metergate/internal/logging"
	"github.com/metergate/metergate/internal/monitoring"
	"github.com/metergate/metergate/internal/proxy"
	"github.com/metergate/metergate/internal/ratelimit"
	"github.com/metergate/metergate/internal/registry"
	"github.com/metergate/metergate/internal/server"
	"github.com/metergate/metergate/internal/settlement"
	"github.com/metergate/metergate/internal/usage"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(&cfg.Logging, cfg.Server.Env)

	log.Info().
		Str("env", cfg.Server.Env).
		Msg("Starting metergate gateway")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if cfg.Database.MigrateOnStart {
		if err := database.Migrate(cfg.Database.URL, cfg.Database.MigrationsPath); err != nil {
			log.Fatal().Err(err).Msg("Failed to run migrations")
		}
	}

	monitoring.Init()

	// Rate-limit state is shared through Redis when configured,
	// otherwise kept per instance.
	var rlStore ratelimit.Store = ratelimit.NewMemoryStore()
	if cfg.Redis.URL != "" {
		redisClient, err := cache.NewRedis(ctx, cfg.Redis.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to redis")
		}
		defer redisClient.Close()
		rlStore = ratelimit.NewRedisStore(redisClient, cfg.RateLimit.Window)
	}

	registryStore := registry.NewPostgres(db.Pool)
	keyStore := keystore.NewPostgres(db.Pool)
	ledger := billing.NewPostgresLedger(db.Pool)
	usageStore := usage.NewPostgres(db.Pool)
	settlementStore := settlement.NewPostgresStore(db.Pool)

	limiter := ratelimit.NewLimiter(rlStore, ratelimit.Config{
		Capacity: cfg.RateLimit.Capacity,
		Window:   cfg.RateLimit.Window,
	})

	engine := proxy.NewEngine(registryStore, keyStore, limiter, ledger, usageStore, proxy.Config{
		KeyHeader:       cfg.Proxy.KeyHeader,
		CostPerCall:     cfg.Billing.CostPerCall,
		UpstreamTimeout: cfg.Proxy.UpstreamTimeout,
	})

	network := settlement.NewHTTPNetwork(cfg.Settlement.NetworkURL)
	batcher := settlement.NewService(usageStore, registryStore, settlementStore, network, settlement.Config{
		MinPayout:         cfg.Settlement.MinPayout,
		MaxEventsPerOwner: cfg.Settlement.MaxEventsPerOwner,
	})

	scheduler := settlement.NewScheduler(batcher, cfg.Settlement.Interval)
	if err := scheduler.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start settlement scheduler")
	}
	defer scheduler.Stop()

	srv := server.New(cfg, server.Deps{
		Engine:      engine,
		Registry:    registryStore,
		Keys:        keyStore,
		Ledger:      ledger,
		Usage:       usageStore,
		Settlements: settlementStore,
		Scheduler:   scheduler,
		Health: func(c *gin.Context) error {
			return db.Health(c.Request.Context())
		},
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: srv.Router(),
		// No WriteTimeout: proxied upstream responses may stream for
		// as long as the upstream deadline allows.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Gateway listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down gateway")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Forced shutdown")
	}

	log.Info().Msg("Gateway stopped")
}
