package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/computeswarm/swarm-backend/internal/events"
	"github.com/computeswarm/swarm-backend/internal/models"
	"github.com/computeswarm/swarm-backend/internal/store"
)

// Defaults for the reclamation sweep.
const (
	DefaultInterval          = 60 * time.Second
	DefaultStaleClaimAge     = 5 * time.Minute
	DefaultTimeoutMultiplier = 2.0
)

// Sweeper is the background reclamation pass that repairs stuck jobs: it
// reverts abandoned claims back to PENDING and fails executions whose worker
// is presumed dead. It runs on a fixed interval, independent of the claim
// flow, and relies on the store's guarded transitions so it can never race a
// fresh claim into a bad state.
type Sweeper struct {
	jobs      store.JobStore
	publisher events.Publisher
	logger    *zap.Logger

	Interval          time.Duration
	StaleClaimAge     time.Duration
	TimeoutMultiplier float64
}

// New creates a sweeper with the default tuning.
func New(jobs store.JobStore, publisher events.Publisher, logger *zap.Logger) *Sweeper {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Sweeper{
		jobs:              jobs,
		publisher:         publisher,
		logger:            logger,
		Interval:          DefaultInterval,
		StaleClaimAge:     DefaultStaleClaimAge,
		TimeoutMultiplier: DefaultTimeoutMultiplier,
	}
}

// Run loops until ctx is cancelled, sweeping once per interval. The loop
// itself never exits on a sweep error; a failing store just means the next
// tick tries again.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("reclamation sweeper started",
		zap.Duration("interval", s.Interval),
		zap.Duration("stale_claim_age", s.StaleClaimAge),
		zap.Float64("timeout_multiplier", s.TimeoutMultiplier),
	)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reclamation sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs both sweep types. Each runs in its own failure boundary so
// a broken stale-claim release cannot mask stuck executions, and vice versa.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	if released, err := s.jobs.ReleaseStaleClaims(ctx, s.StaleClaimAge); err != nil {
		s.logger.Error("stale claim release failed", zap.Error(err))
	} else if released > 0 {
		s.logger.Info("stale claims released", zap.Int("count", released))
		s.publishSweepEvent(events.JobReclaimed, models.JobStatusPending, released)
	}

	if failed, err := s.jobs.FailStaleExecutions(ctx, s.TimeoutMultiplier); err != nil {
		s.logger.Error("stale execution check failed", zap.Error(err))
	} else if failed > 0 {
		s.logger.Warn("stale executions marked failed", zap.Int("count", failed))
		s.publishSweepEvent(events.JobFailed, models.JobStatusFailed, failed)
	}
}

// publishSweepEvent emits one advisory event per sweep outcome. The sweeps
// are bulk, so there is no per-job ID to attach; consumers that care about
// individual jobs read the store.
func (s *Sweeper) publishSweepEvent(kind string, status models.JobStatus, count int) {
	if count <= 0 {
		return
	}
	_ = s.publisher.PublishJobEvent(events.JobEvent{
		Kind:   kind,
		Status: string(status),
	})
}
