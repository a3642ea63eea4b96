package store

import (
	"context"
	"time"

	"github.com/computeswarm/swarm-backend/internal/models"
)

// JobStore is the single source of truth for job state. All mutation goes
// through guarded, single-row atomic transitions keyed by the job's expected
// current status; there is no read-then-write path without a guard.
//
// This interface allows different backends to be used interchangeably: the
// in-memory store for a single-instance deployment and tests, PostgreSQL for
// anything durable.
type JobStore interface {
	// Initialize sets up any necessary structures (e.g. creates tables).
	Initialize(ctx context.Context) error

	// CreateJob inserts a new PENDING job. ErrAlreadyExists if the ID is taken.
	CreateJob(ctx context.Context, job *models.ComputeJob) error

	// GetJob retrieves a job by ID. ErrJobNotFound if unknown.
	GetJob(ctx context.Context, jobID string) (*models.ComputeJob, error)

	// ClaimNextJob atomically selects the oldest PENDING job eligible for the
	// offer and transitions it to CLAIMED, locking the offer's price onto it.
	// The select-and-assign is a single atomic unit against concurrent claim
	// attempts: no two offers can ever win the same job. A nil job with a nil
	// error means no eligible work was queued, which is not an error.
	ClaimNextJob(ctx context.Context, offer *models.ClaimOffer) (*models.ComputeJob, error)

	// StartJob transitions CLAIMED -> EXECUTING and records started_at.
	// Calling it again while the job is already EXECUTING is a no-op.
	StartJob(ctx context.Context, jobID string) error

	// CompleteJob transitions EXECUTING -> COMPLETED and records the results.
	// The report's TotalCostUSD must already be the validated final cost.
	CompleteJob(ctx context.Context, jobID string, report models.CompletionReport) error

	// FailJob transitions EXECUTING -> FAILED and records the error details.
	FailJob(ctx context.Context, jobID string, report models.FailureReport) error

	// CancelJob transitions PENDING or CLAIMED -> CANCELLED, on behalf of the
	// submitting buyer only. ErrNotAuthorized for any other caller,
	// ErrInvalidTransition once the job is EXECUTING or terminal.
	CancelJob(ctx context.Context, jobID, buyerAddress string) error

	// ReleaseStaleClaims reverts every job CLAIMED longer ago than staleAfter
	// back to PENDING, clearing the assignment and the locked price. Returns
	// the number of jobs released. Bulk and set-based, safe against
	// concurrent claims.
	ReleaseStaleClaims(ctx context.Context, staleAfter time.Duration) (int, error)

	// FailStaleExecutions fails every EXECUTING job whose runtime exceeds
	// timeout_seconds * multiplier, with a synthetic timeout error. Returns
	// the number of jobs failed.
	FailStaleExecutions(ctx context.Context, multiplier float64) (int, error)

	// ListPendingJobs returns queued jobs in FIFO order, optionally limited
	// to jobs a node of the given GPU type could run.
	ListPendingJobs(ctx context.Context, gpuType models.GPUType, limit int) ([]*models.ComputeJob, error)

	// ListJobsByBuyer returns a buyer's jobs, newest first.
	ListJobsByBuyer(ctx context.Context, buyerAddress string, limit int) ([]*models.ComputeJob, error)

	// ListJobsBySeller returns jobs assigned to a seller, newest claim first.
	ListJobsBySeller(ctx context.Context, sellerAddress string, limit int) ([]*models.ComputeJob, error)

	// CountJobsByStatus returns queue statistics.
	CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error)

	// Close releases any resources held by the store.
	Close() error
}

// StaleExecutionError is the synthetic result_error recorded by
// FailStaleExecutions when a worker is presumed dead.
const StaleExecutionError = "execution timed out: worker did not report completion within the allowed budget"
