package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/computeswarm/swarm-backend/internal/agent"
	"github.com/computeswarm/swarm-backend/internal/agent/executor"
	"github.com/computeswarm/swarm-backend/internal/config"
	"github.com/computeswarm/swarm-backend/internal/events"
	"github.com/computeswarm/swarm-backend/internal/logging"
	"github.com/computeswarm/swarm-backend/internal/marketplace"
	"github.com/computeswarm/swarm-backend/internal/models"
	"github.com/computeswarm/swarm-backend/internal/registry"
	"github.com/computeswarm/swarm-backend/internal/store"
)

func main() {
	// --- Configuration ---
	cfg, err := config.LoadAgentConfig("configs/agent.yaml")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.SellerAddress == "" {
		log.Fatal("seller_address must be set in configs/agent.yaml")
	}
	price, err := decimal.NewFromString(cfg.PricePerHour)
	if err != nil || !price.IsPositive() {
		log.Fatalf("price_per_hour must be a positive decimal, got %q", cfg.PricePerHour)
	}

	// --- Logger ---
	logger, err := logging.Setup(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Marketplace Access ---
	// The agent talks to the marketplace through the shared store. Both
	// sides must point at the same backend; with Postgres that works across
	// hosts, with the memory backend only inside one process.
	mkt, cleanup, err := buildMarketplace(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to connect to marketplace store", zap.Error(err))
	}
	defer cleanup()

	// --- Agent ---
	a := agent.New(mkt, executor.NewScriptExecutor(logger), agent.Options{
		SellerAddress:     cfg.SellerAddress,
		PricePerHour:      price,
		HeartbeatInterval: cfg.HeartbeatInterval,
		PollInterval:      cfg.PollInterval,
	}, logger)

	logger.Info("Starting Swarm Seller Agent",
		zap.String("seller_address", cfg.SellerAddress),
		zap.String("price_per_hour", price.String()),
	)
	if err := a.Run(ctx); err != nil {
		logger.Fatal("Agent exited with error", zap.Error(err))
	}
	logger.Info("Agent gracefully stopped")
}

// buildMarketplace wires a storeMarketplace over the configured backend.
func buildMarketplace(ctx context.Context, cfg *config.AgentConfig, logger *zap.Logger) (agent.Marketplace, func(), error) {
	var (
		jobs    store.JobStore
		nodes   store.NodeStore
		cleanup = func() {}
	)
	switch cfg.StoreBackend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		pj := store.NewPostgresJobStore(pool, logger)
		pn := store.NewPostgresNodeStore(pool, logger)
		if err := pj.Initialize(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := pn.Initialize(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		jobs, nodes, cleanup = pj, pn, pool.Close
	default:
		jobs, nodes = store.NewMemoryJobStore(), store.NewMemoryNodeStore()
		logger.Warn("Using in-memory store; jobs submitted elsewhere will not be visible")
	}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.NatsAddress != "" {
		natsPub, err := events.Connect(cfg.NatsAddress, cfg.NatsSubject, logger)
		if err != nil {
			logger.Warn("NATS unavailable, job events disabled", zap.Error(err))
		} else {
			publisher = natsPub
			prev := cleanup
			cleanup = func() {
				natsPub.Close()
				prev()
			}
		}
	}

	reg := registry.NewNodeRegistry(nodes, 0, logger)
	svc := marketplace.NewService(jobs, reg, publisher, logger)
	return &storeMarketplace{svc: svc, registry: reg}, cleanup, nil
}

// storeMarketplace adapts the marketplace service and node registry to the
// agent's Marketplace contract.
type storeMarketplace struct {
	svc      *marketplace.Service
	registry *registry.NodeRegistry
}

func (m *storeMarketplace) RegisterNode(ctx context.Context, reg models.NodeRegistration) (string, error) {
	return m.registry.Register(ctx, reg)
}

func (m *storeMarketplace) Heartbeat(ctx context.Context, nodeID string, available bool) error {
	return m.registry.Heartbeat(ctx, nodeID, available)
}

func (m *storeMarketplace) Claim(ctx context.Context, offer models.ClaimOffer) (*models.ClaimResult, error) {
	return m.svc.Claim(ctx, offer)
}

func (m *storeMarketplace) StartJob(ctx context.Context, jobID string) error {
	return m.svc.StartJob(ctx, jobID)
}

func (m *storeMarketplace) CompleteJob(ctx context.Context, jobID string, report models.CompletionReport) error {
	return m.svc.CompleteJob(ctx, jobID, report)
}

func (m *storeMarketplace) FailJob(ctx context.Context, jobID string, report models.FailureReport) error {
	return m.svc.FailJob(ctx, jobID, report)
}
