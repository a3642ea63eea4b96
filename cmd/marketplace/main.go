package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/computeswarm/swarm-backend/internal/config"
	consul_client "github.com/computeswarm/swarm-backend/internal/consul"
	"github.com/computeswarm/swarm-backend/internal/events"
	"github.com/computeswarm/swarm-backend/internal/logging"
	"github.com/computeswarm/swarm-backend/internal/marketplace"
	"github.com/computeswarm/swarm-backend/internal/registry"
	"github.com/computeswarm/swarm-backend/internal/server"
	"github.com/computeswarm/swarm-backend/internal/store"
	"github.com/computeswarm/swarm-backend/internal/sweeper"
)

func main() {
	// --- Configuration ---
	cfg, err := config.LoadMarketplaceConfig("configs/marketplace.yaml")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err) // Use standard log before Zap is up
	}

	// --- Logger ---
	logger, err := logging.Setup(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Stores ---
	jobs, nodes, cleanup, err := buildStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize stores", zap.Error(err))
	}
	defer cleanup()

	// --- Event Publisher (advisory; the service runs without it) ---
	var publisher events.Publisher = events.NopPublisher{}
	if cfg.NatsAddress != "" {
		natsPub, err := events.Connect(cfg.NatsAddress, cfg.NatsSubject, logger)
		if err != nil {
			logger.Warn("NATS unavailable, job events disabled", zap.Error(err))
		} else {
			publisher = natsPub
			defer natsPub.Close()
		}
	}

	// --- Core Services ---
	nodeRegistry := registry.NewNodeRegistry(nodes, cfg.NodeLivenessWindow, logger)
	svc := marketplace.NewService(jobs, nodeRegistry, publisher, logger)

	// --- Reclamation Sweeper ---
	sw := sweeper.New(jobs, publisher, logger)
	sw.Interval = cfg.SweepInterval
	sw.StaleClaimAge = cfg.StaleClaimAge
	sw.TimeoutMultiplier = cfg.TimeoutMultiplier
	go sw.Run(ctx)

	// --- Consul Service Registration ---
	var deregister func()
	if cfg.ConsulAddress != "" {
		consulClient, err := consul_client.Connect(cfg.ConsulAddress, logger)
		if err != nil {
			logger.Warn("Consul unavailable, skipping service registration", zap.Error(err))
		} else {
			serviceID := config.GenerateServiceID(cfg.ServiceIDPrefix)
			logger.Info("Generated unique service ID for Consul", zap.String("service_id", serviceID))
			if err := consul_client.RegisterService(consulClient, cfg, serviceID, logger); err != nil {
				logger.Warn("Failed to register service with Consul", zap.Error(err))
			} else {
				deregister = func() {
					_ = consul_client.DeregisterService(consulClient, serviceID, logger)
				}
			}
		}
	}

	// --- HTTP Server ---
	router := server.NewRouter(cfg, svc, logger)
	srv := server.NewServer(cfg.Port, router, logger)

	go func() {
		logger.Info("Starting Swarm Marketplace Service", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Could not listen on port", zap.String("port", cfg.Port), zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	<-ctx.Done()
	logger.Info("Shutdown signal received, starting graceful shutdown...")

	if deregister != nil {
		deregister()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown uncleanly", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("Server gracefully stopped")
}

// buildStores wires the configured backend. The memory backend is for
// development and tests; production runs on Postgres.
func buildStores(ctx context.Context, cfg *config.MarketplaceConfig, logger *zap.Logger) (store.JobStore, store.NodeStore, func(), error) {
	switch cfg.StoreBackend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		jobs := store.NewPostgresJobStore(pool, logger)
		nodes := store.NewPostgresNodeStore(pool, logger)
		if err := jobs.Initialize(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		if err := nodes.Initialize(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		logger.Info("Postgres stores initialized")
		return jobs, nodes, pool.Close, nil
	default:
		jobs := store.NewMemoryJobStore()
		nodes := store.NewMemoryNodeStore()
		logger.Info("In-memory stores initialized")
		return jobs, nodes, func() {}, nil
	}
}
