package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/computeswarm/swarm-backend/internal/models"
	"github.com/shopspring/decimal"
)

// MemoryJobStore is an in-memory JobStore for single-instance deployments
// and tests. I need this to be safe for concurrent access: every claim
// attempt runs its select-and-assign under one mutex acquisition, which is
// the in-process equivalent of the row-locked claim the Postgres store does
// with FOR UPDATE SKIP LOCKED.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]*models.ComputeJob
}

// NewMemoryJobStore creates an empty in-memory job store.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]*models.ComputeJob),
	}
}

// Initialize is a no-op for the in-memory store.
func (s *MemoryJobStore) Initialize(ctx context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryJobStore) Close() error {
	return nil
}

// CreateJob inserts a new PENDING job.
func (s *MemoryJobStore) CreateJob(ctx context.Context, job *models.ComputeJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.JobID]; exists {
		return fmt.Errorf("job %s: %w", job.JobID, models.ErrAlreadyExists)
	}
	cp := *job
	s.jobs[job.JobID] = &cp
	return nil
}

// GetJob retrieves a copy of a job by ID.
func (s *MemoryJobStore) GetJob(ctx context.Context, jobID string) (*models.ComputeJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("job %s: %w", jobID, models.ErrJobNotFound)
	}
	cp := *job
	return &cp, nil
}

// ClaimNextJob atomically assigns the oldest eligible PENDING job to the
// offer. Selection is FIFO by created_at with job_id as the tie-break, so a
// lower-priced later job never jumps an earlier eligible one.
func (s *MemoryJobStore) ClaimNextJob(ctx context.Context, offer *models.ClaimOffer) (*models.ComputeJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *models.ComputeJob
	for _, job := range s.jobs {
		if job.Status != models.JobStatusPending || !offer.Eligible(job) {
			continue
		}
		if best == nil || earlier(job, best) {
			best = job
		}
	}
	if best == nil {
		return nil, nil // valid no-match outcome
	}

	now := time.Now().UTC()
	best.Status = models.JobStatusClaimed
	best.NodeID = offer.NodeID
	best.SellerAddress = offer.SellerAddress
	best.LockedPricePerHour = offer.PricePerHour
	best.ClaimedAt = &now

	cp := *best
	return &cp, nil
}

// earlier orders jobs for FIFO selection.
func earlier(a, b *models.ComputeJob) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.JobID < b.JobID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// StartJob transitions CLAIMED -> EXECUTING.
func (s *MemoryJobStore) StartJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return fmt.Errorf("job %s: %w", jobID, models.ErrJobNotFound)
	}
	if job.Status == models.JobStatusExecuting {
		return nil // idempotent-safe: start after start is a no-op
	}
	if !job.Status.CanTransition(models.JobStatusExecuting) {
		return fmt.Errorf("job %s is %s: %w", jobID, job.Status, models.ErrInvalidTransition)
	}
	now := time.Now().UTC()
	job.Status = models.JobStatusExecuting
	job.StartedAt = &now
	return nil
}

// CompleteJob transitions EXECUTING -> COMPLETED with results.
func (s *MemoryJobStore) CompleteJob(ctx context.Context, jobID string, report models.CompletionReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return fmt.Errorf("job %s: %w", jobID, models.ErrJobNotFound)
	}
	if !job.Status.CanTransition(models.JobStatusCompleted) {
		return fmt.Errorf("job %s is %s: %w", jobID, job.Status, models.ErrInvalidTransition)
	}
	now := time.Now().UTC()
	exitCode := report.ExitCode
	job.Status = models.JobStatusCompleted
	job.ResultOutput = report.Output
	job.ExitCode = &exitCode
	job.ExecutionDurationSeconds = report.ExecutionDurationSeconds
	job.TotalCostUSD = report.TotalCostUSD
	job.PaymentTxHash = report.PaymentTxHash
	job.CompletedAt = &now
	return nil
}

// FailJob transitions EXECUTING -> FAILED with error details.
func (s *MemoryJobStore) FailJob(ctx context.Context, jobID string, report models.FailureReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return fmt.Errorf("job %s: %w", jobID, models.ErrJobNotFound)
	}
	if !job.Status.CanTransition(models.JobStatusFailed) {
		return fmt.Errorf("job %s is %s: %w", jobID, job.Status, models.ErrInvalidTransition)
	}
	now := time.Now().UTC()
	job.Status = models.JobStatusFailed
	job.ResultError = report.Error
	if report.ExitCode != nil {
		code := *report.ExitCode
		job.ExitCode = &code
	}
	if report.ExecutionDurationSeconds != nil {
		job.ExecutionDurationSeconds = *report.ExecutionDurationSeconds
	}
	job.CompletedAt = &now
	return nil
}

// CancelJob transitions PENDING/CLAIMED -> CANCELLED for the submitting buyer.
func (s *MemoryJobStore) CancelJob(ctx context.Context, jobID, buyerAddress string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return fmt.Errorf("job %s: %w", jobID, models.ErrJobNotFound)
	}
	if job.BuyerAddress != buyerAddress {
		return fmt.Errorf("job %s belongs to another buyer: %w", jobID, models.ErrNotAuthorized)
	}
	if !job.Status.CanTransition(models.JobStatusCancelled) {
		return fmt.Errorf("job %s is %s: %w", jobID, job.Status, models.ErrInvalidTransition)
	}
	now := time.Now().UTC()
	job.Status = models.JobStatusCancelled
	job.CompletedAt = &now
	return nil
}

// ReleaseStaleClaims reverts abandoned claims back to PENDING.
func (s *MemoryJobStore) ReleaseStaleClaims(ctx context.Context, staleAfter time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-staleAfter)
	released := 0
	for _, job := range s.jobs {
		if job.Status != models.JobStatusClaimed || job.ClaimedAt == nil || !job.ClaimedAt.Before(cutoff) {
			continue
		}
		job.Status = models.JobStatusPending
		job.NodeID = ""
		job.SellerAddress = ""
		job.LockedPricePerHour = decimal.Decimal{}
		job.ClaimedAt = nil
		released++
	}
	return released, nil
}

// FailStaleExecutions fails executions that exceeded their timeout budget.
func (s *MemoryJobStore) FailStaleExecutions(ctx context.Context, multiplier float64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	failed := 0
	for _, job := range s.jobs {
		if job.Status != models.JobStatusExecuting || job.StartedAt == nil {
			continue
		}
		budget := time.Duration(float64(job.TimeoutSeconds)*multiplier) * time.Second
		if now.Sub(*job.StartedAt) <= budget {
			continue
		}
		job.Status = models.JobStatusFailed
		job.ResultError = StaleExecutionError
		job.CompletedAt = &now
		failed++
	}
	return failed, nil
}

// ListPendingJobs returns queued jobs in FIFO order.
func (s *MemoryJobStore) ListPendingJobs(ctx context.Context, gpuType models.GPUType, limit int) ([]*models.ComputeJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []*models.ComputeJob
	for _, job := range s.jobs {
		if job.Status != models.JobStatusPending {
			continue
		}
		if gpuType != "" && job.RequiredGPUType != "" && job.RequiredGPUType != gpuType {
			continue
		}
		cp := *job
		pending = append(pending, &cp)
	}
	sort.Slice(pending, func(i, j int) bool { return earlier(pending[i], pending[j]) })
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// ListJobsByBuyer returns a buyer's jobs, newest first.
func (s *MemoryJobStore) ListJobsByBuyer(ctx context.Context, buyerAddress string, limit int) ([]*models.ComputeJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []*models.ComputeJob
	for _, job := range s.jobs {
		if job.BuyerAddress != buyerAddress {
			continue
		}
		cp := *job
		jobs = append(jobs, &cp)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// ListJobsBySeller returns jobs assigned to a seller, newest claim first.
func (s *MemoryJobStore) ListJobsBySeller(ctx context.Context, sellerAddress string, limit int) ([]*models.ComputeJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []*models.ComputeJob
	for _, job := range s.jobs {
		if job.SellerAddress != sellerAddress {
			continue
		}
		cp := *job
		jobs = append(jobs, &cp)
	}
	sort.Slice(jobs, func(i, j int) bool {
		ci, cj := jobs[i].ClaimedAt, jobs[j].ClaimedAt
		if ci == nil || cj == nil {
			return cj == nil && ci != nil
		}
		return ci.After(*cj)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// CountJobsByStatus returns queue statistics.
func (s *MemoryJobStore) CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[models.JobStatus]int)
	for _, job := range s.jobs {
		counts[job.Status]++
	}
	return counts, nil
}
