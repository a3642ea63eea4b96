// Package agent implements the seller-side daemon: it registers the host as
// a compute node, keeps it alive with heartbeats, polls the marketplace for
// claimable work, and drives each claimed job through the local job manager.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/computeswarm/swarm-backend/internal/agent/executor"
	"github.com/computeswarm/swarm-backend/internal/agent/jobmanager"
	"github.com/computeswarm/swarm-backend/internal/billing"
	"github.com/computeswarm/swarm-backend/internal/hardware"
	"github.com/computeswarm/swarm-backend/internal/models"
)

// Marketplace is the narrow contract the agent needs from the marketplace
// side. The transport behind it (in-process service, HTTP client) is
// somebody else's concern.
type Marketplace interface {
	RegisterNode(ctx context.Context, reg models.NodeRegistration) (string, error)
	Heartbeat(ctx context.Context, nodeID string, available bool) error
	Claim(ctx context.Context, offer models.ClaimOffer) (*models.ClaimResult, error)
	StartJob(ctx context.Context, jobID string) error
	CompleteJob(ctx context.Context, jobID string, report models.CompletionReport) error
	FailJob(ctx context.Context, jobID string, report models.FailureReport) error
}

// Options tunes the agent loops.
type Options struct {
	SellerAddress     string
	PricePerHour      decimal.Decimal
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	ReportRetries     int
	ReportBackoff     time.Duration
}

func (o *Options) applyDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Second
	}
	if o.ReportRetries <= 0 {
		o.ReportRetries = 3
	}
	if o.ReportBackoff <= 0 {
		o.ReportBackoff = 2 * time.Second
	}
}

// Agent is one seller node process.
type Agent struct {
	marketplace Marketplace
	manager     *jobmanager.Manager
	detector    *hardware.Detector
	opts        Options
	logger      *zap.Logger

	nodeID string
	caps   hardware.Capabilities

	mu   sync.Mutex
	busy bool
}

// New creates an agent. The executor is whatever sandbox runtime the
// deployment provides.
func New(marketplace Marketplace, exec executor.Executor, opts Options, logger *zap.Logger) *Agent {
	opts.applyDefaults()
	return &Agent{
		marketplace: marketplace,
		manager:     jobmanager.New(exec, logger),
		detector:    hardware.NewDetector(logger),
		opts:        opts,
		logger:      logger,
	}
}

// Run registers the node, then runs the heartbeat and claim polling loops
// until ctx is cancelled. The two loops are independently scheduled; the
// poll loop skips claim attempts while a job is executing because the local
// concurrency policy is one job at a time.
func (a *Agent) Run(ctx context.Context) error {
	a.caps = a.detector.Detect(ctx)

	nodeID, err := a.marketplace.RegisterNode(ctx, models.NodeRegistration{
		SellerAddress: a.opts.SellerAddress,
		GPUType:       a.caps.GPUType,
		DeviceName:    a.caps.DeviceName,
		VRAMGB:        a.caps.VRAMGB,
		NumGPUs:       a.caps.NumGPUs,
		PricePerHour:  a.opts.PricePerHour,
	})
	if err != nil {
		return fmt.Errorf("registering node: %w", err)
	}
	a.nodeID = nodeID
	a.logger.Info("agent registered",
		zap.String("node_id", nodeID),
		zap.String("gpu_type", string(a.caps.GPUType)),
		zap.String("price_per_hour", a.opts.PricePerHour.String()),
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.heartbeatLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		a.pollLoop(ctx)
	}()
	wg.Wait()

	// Best-effort: tell the marketplace we're going away. Local state wins
	// if it is unreachable.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.marketplace.Heartbeat(shutdownCtx, a.nodeID, false); err != nil {
		a.logger.Warn("failed to report unavailability on shutdown", zap.Error(err))
	}
	return nil
}

// NodeID returns the registered node ID (empty before Run registers).
func (a *Agent) NodeID() string {
	return a.nodeID
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			available := !a.isBusy()
			if err := a.marketplace.Heartbeat(ctx, a.nodeID, available); err != nil {
				a.logger.Warn("heartbeat failed", zap.Error(err))
				continue
			}
			a.logger.Debug("heartbeat sent",
				zap.String("node_id", a.nodeID),
				zap.Bool("available", available),
			)
		}
	}
}

func (a *Agent) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(a.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.isBusy() {
				continue
			}
			a.tryClaim(ctx)
		}
	}
}

// tryClaim runs one claim attempt and, on a win, executes the job to
// completion before the poll loop resumes.
func (a *Agent) tryClaim(ctx context.Context) {
	result, err := a.marketplace.Claim(ctx, models.ClaimOffer{
		NodeID:        a.nodeID,
		SellerAddress: a.opts.SellerAddress,
		GPUType:       a.caps.GPUType,
		PricePerHour:  a.opts.PricePerHour,
		VRAMGB:        a.caps.VRAMGB,
		NumGPUs:       a.caps.NumGPUs,
	})
	if err != nil {
		a.logger.Warn("claim attempt failed", zap.Error(err))
		return
	}
	if !result.Claimed {
		return // nothing queued for us; idle and poll again
	}

	job := result.Job
	a.logger.Info("job claimed from queue",
		zap.String("job_id", job.JobID),
		zap.String("locked_price_per_hour", job.LockedPricePerHour.String()),
		zap.Int("timeout_seconds", job.TimeoutSeconds),
	)

	a.setBusy(true)
	defer a.setBusy(false)
	a.executeJob(ctx, job)
}

func (a *Agent) executeJob(ctx context.Context, job *models.ComputeJob) {
	_, err := a.manager.Create(job.JobID, job.BuyerAddress, job.Script, job.Requirements,
		job.TimeoutSeconds, executor.ResourceLimits{NumGPUs: job.NumGPUs})
	if err != nil {
		a.logger.Error("failed to register claimed job locally",
			zap.String("job_id", job.JobID), zap.Error(err))
		a.reportFailure(job.JobID, fmt.Sprintf("worker setup error: %v", err), nil, nil)
		return
	}

	if err := a.marketplace.StartJob(ctx, job.JobID); err != nil {
		a.logger.Error("failed to mark job executing",
			zap.String("job_id", job.JobID), zap.Error(err))
		// The claim may have been reclaimed while we were setting up; drop it.
		_ = a.manager.Cancel(job.JobID)
		return
	}

	start := time.Now()
	res, runErr := a.manager.Run(ctx, job.JobID)
	duration := decimal.NewFromFloat(time.Since(start).Seconds()).Round(3)

	if runErr != nil || res == nil || !res.Success {
		errText := failureText(runErr, res)
		var exitCode *int
		if res != nil {
			code := res.ExitCode
			exitCode = &code
		}
		a.reportFailure(job.JobID, errText, exitCode, &duration)
		return
	}

	cost := billing.ExpectedCost(duration, job.LockedPricePerHour)
	a.reportCompletion(job.JobID, models.CompletionReport{
		Output:                   res.Stdout,
		ExitCode:                 res.ExitCode,
		ExecutionDurationSeconds: duration,
		TotalCostUSD:             cost,
	})
}

// reportCompletion pushes the result upstream with bounded retries. If the
// marketplace stays unreachable the local terminal state stands and the
// reclamation sweep will eventually fail the job server-side.
func (a *Agent) reportCompletion(jobID string, report models.CompletionReport) {
	a.withRetries("completion", jobID, func(ctx context.Context) error {
		return a.marketplace.CompleteJob(ctx, jobID, report)
	})
}

func (a *Agent) reportFailure(jobID, errText string, exitCode *int, duration *decimal.Decimal) {
	report := models.FailureReport{
		Error:                    errText,
		ExitCode:                 exitCode,
		ExecutionDurationSeconds: duration,
	}
	a.withRetries("failure", jobID, func(ctx context.Context) error {
		return a.marketplace.FailJob(ctx, jobID, report)
	})
}

func (a *Agent) withRetries(what, jobID string, fn func(ctx context.Context) error) {
	for attempt := 1; attempt <= a.opts.ReportRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := fn(ctx)
		cancel()
		if err == nil {
			return
		}
		a.logger.Warn("report attempt failed",
			zap.String("kind", what),
			zap.String("job_id", jobID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt < a.opts.ReportRetries {
			time.Sleep(a.opts.ReportBackoff * time.Duration(attempt))
		}
	}
	a.logger.Error("giving up reporting job result; local state stands",
		zap.String("kind", what),
		zap.String("job_id", jobID),
	)
}

func (a *Agent) isBusy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.busy
}

func (a *Agent) setBusy(b bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.busy = b
}

// failureText summarizes a failed run for the marketplace's result_error field.
func failureText(runErr error, res *executor.Result) string {
	if runErr != nil {
		return runErr.Error()
	}
	if res != nil && res.Stderr != "" {
		return res.Stderr
	}
	return "execution failed"
}
