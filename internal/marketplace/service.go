package marketplace

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/computeswarm/swarm-backend/internal/billing"
	"github.com/computeswarm/swarm-backend/internal/events"
	"github.com/computeswarm/swarm-backend/internal/models"
	"github.com/computeswarm/swarm-backend/internal/store"
)

const maxGPUsPerJob = 8

// Service is the marketplace core: job submission, the claim matcher, and
// the lifecycle transitions workers report against. It is stateless;
// correctness comes from the store's atomic row transitions, so the service
// holds no lock across any store round trip.
type Service struct {
	jobs      store.JobStore
	registry  ActiveNodeCounter
	validator *billing.Validator
	publisher events.Publisher
	logger    *zap.Logger
}

// ActiveNodeCounter is the slice of the node registry the marketplace needs
// for queue statistics. The registry itself satisfies it.
type ActiveNodeCounter interface {
	CountActive(ctx context.Context) (int, error)
}

// NewService wires the marketplace service.
func NewService(jobs store.JobStore, registry ActiveNodeCounter, publisher events.Publisher, logger *zap.Logger) *Service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Service{
		jobs:      jobs,
		registry:  registry,
		validator: billing.NewValidator(logger),
		publisher: publisher,
		logger:    logger,
	}
}

// SubmitJob validates a submission and enqueues it as PENDING.
func (s *Service) SubmitJob(ctx context.Context, sub models.JobSubmission) (string, error) {
	if sub.BuyerAddress == "" {
		return "", fmt.Errorf("%w: buyer_address is required", models.ErrInvalidInput)
	}
	if sub.Script == "" {
		return "", fmt.Errorf("%w: script is required", models.ErrInvalidInput)
	}
	if !sub.MaxPricePerHour.IsPositive() {
		return "", fmt.Errorf("%w: max_price_per_hour must be positive", models.ErrInvalidInput)
	}
	if sub.TimeoutSeconds <= 0 {
		return "", fmt.Errorf("%w: timeout_seconds must be positive", models.ErrInvalidInput)
	}
	if sub.NumGPUs > maxGPUsPerJob {
		return "", fmt.Errorf("%w: num_gpus must be between 1 and %d", models.ErrInvalidInput, maxGPUsPerJob)
	}
	if sub.RequiredGPUType != "" && !sub.RequiredGPUType.Valid() {
		return "", fmt.Errorf("%w: invalid required_gpu_type %q", models.ErrInvalidInput, sub.RequiredGPUType)
	}

	job := models.NewComputeJob(sub)
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return "", err
	}

	s.logger.Info("job submitted",
		zap.String("job_id", job.JobID),
		zap.String("buyer_address", job.BuyerAddress),
		zap.String("max_price_per_hour", job.MaxPricePerHour.String()),
		zap.Int("num_gpus", job.NumGPUs),
	)
	s.publishEvent(job.JobID, events.JobSubmitted, models.JobStatusPending, "")
	return job.JobID, nil
}

// Claim runs one claim attempt for a node's offer. A Claimed=false result
// with no job is the normal empty-queue answer; the node idles and polls
// again. The select-and-assign itself is delegated to the store, which
// guarantees at most one winner per job under concurrent attempts.
func (s *Service) Claim(ctx context.Context, offer models.ClaimOffer) (*models.ClaimResult, error) {
	if err := offer.Validate(); err != nil {
		return nil, err
	}

	job, err := s.jobs.ClaimNextJob(ctx, &offer)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return &models.ClaimResult{Claimed: false}, nil
	}

	s.logger.Info("job claimed",
		zap.String("job_id", job.JobID),
		zap.String("node_id", offer.NodeID),
		zap.String("seller_address", offer.SellerAddress),
		zap.String("locked_price_per_hour", job.LockedPricePerHour.String()),
	)
	s.publishEvent(job.JobID, events.JobClaimed, models.JobStatusClaimed, offer.NodeID)
	return &models.ClaimResult{Claimed: true, Job: job}, nil
}

// StartJob marks a claimed job as executing. Safe to call again while the
// job is already EXECUTING.
func (s *Service) StartJob(ctx context.Context, jobID string) error {
	if err := s.jobs.StartJob(ctx, jobID); err != nil {
		return err
	}
	s.logger.Info("job execution started", zap.String("job_id", jobID))
	s.publishEvent(jobID, events.JobStarted, models.JobStatusExecuting, "")
	return nil
}

// CompleteJob records a worker's completion report. The reported cost is
// validated against the locked price; a mismatch is recovered by
// substituting the computed cost and never blocks completion.
func (s *Service) CompleteJob(ctx context.Context, jobID string, report models.CompletionReport) error {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	// The original queue let jobs claimed before price locking was deployed
	// complete against the buyer's ceiling; kept for the same reason.
	price := job.LockedPricePerHour
	if price.IsZero() {
		price = job.MaxPricePerHour
	}
	report.TotalCostUSD = s.validator.Validate(jobID, report.ExecutionDurationSeconds, price, report.TotalCostUSD)

	if err := s.jobs.CompleteJob(ctx, jobID, report); err != nil {
		return err
	}

	s.logger.Info("job completed",
		zap.String("job_id", jobID),
		zap.Int("exit_code", report.ExitCode),
		zap.String("total_cost_usd", report.TotalCostUSD.String()),
	)
	s.publishEvent(jobID, events.JobCompleted, models.JobStatusCompleted, job.NodeID)
	return nil
}

// FailJob records a worker's failure report.
func (s *Service) FailJob(ctx context.Context, jobID string, report models.FailureReport) error {
	if err := s.jobs.FailJob(ctx, jobID, report); err != nil {
		return err
	}
	s.logger.Info("job failed",
		zap.String("job_id", jobID),
		zap.String("error", report.Error),
	)
	s.publishEvent(jobID, events.JobFailed, models.JobStatusFailed, "")
	return nil
}

// CancelJob cancels a job on the buyer's behalf. Returns true when the job
// was cancelled; an EXECUTING or terminal job is rejected, not silently
// ignored.
func (s *Service) CancelJob(ctx context.Context, jobID, buyerAddress string) (bool, error) {
	if err := s.jobs.CancelJob(ctx, jobID, buyerAddress); err != nil {
		return false, err
	}
	s.logger.Info("job cancelled",
		zap.String("job_id", jobID),
		zap.String("buyer_address", buyerAddress),
	)
	s.publishEvent(jobID, events.JobCancelled, models.JobStatusCancelled, "")
	return true, nil
}

// GetJob retrieves a job by ID.
func (s *Service) GetJob(ctx context.Context, jobID string) (*models.ComputeJob, error) {
	return s.jobs.GetJob(ctx, jobID)
}

// ListPending returns queued jobs in FIFO order, optionally narrowed to
// those a node of the given GPU type could run.
func (s *Service) ListPending(ctx context.Context, gpuType models.GPUType, limit int) ([]*models.ComputeJob, error) {
	return s.jobs.ListPendingJobs(ctx, gpuType, limit)
}

// ListJobsByBuyer returns a buyer's jobs, newest first.
func (s *Service) ListJobsByBuyer(ctx context.Context, buyerAddress string, limit int) ([]*models.ComputeJob, error) {
	return s.jobs.ListJobsByBuyer(ctx, buyerAddress, limit)
}

// ListJobsBySeller returns jobs assigned to a seller, newest claim first.
func (s *Service) ListJobsBySeller(ctx context.Context, sellerAddress string, limit int) ([]*models.ComputeJob, error) {
	return s.jobs.ListJobsBySeller(ctx, sellerAddress, limit)
}

// QueueStats summarizes the marketplace for the stats endpoint.
type QueueStats struct {
	JobsByStatus map[models.JobStatus]int `json:"jobs_by_status"`
	ActiveNodes  int                      `json:"active_nodes"`
}

// Stats returns queue counts by status plus the active node count.
func (s *Service) Stats(ctx context.Context) (*QueueStats, error) {
	counts, err := s.jobs.CountJobsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	stats := &QueueStats{JobsByStatus: counts}
	if s.registry != nil {
		active, err := s.registry.CountActive(ctx)
		if err != nil {
			s.logger.Warn("failed to count active nodes for stats", zap.Error(err))
		} else {
			stats.ActiveNodes = active
		}
	}
	return stats, nil
}

func (s *Service) publishEvent(jobID, kind string, status models.JobStatus, nodeID string) {
	err := s.publisher.PublishJobEvent(events.JobEvent{
		JobID:  jobID,
		Kind:   kind,
		Status: string(status),
		NodeID: nodeID,
	})
	if err != nil {
		// Events are advisory; the store already holds the truth.
		s.logger.Debug("job event not published", zap.String("job_id", jobID), zap.Error(err))
	}
}
