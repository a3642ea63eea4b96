package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/computeswarm/swarm-backend/internal/agent/executor"
	"github.com/computeswarm/swarm-backend/internal/models"
)

// fakeMarketplace records the calls the agent makes.
type fakeMarketplace struct {
	mu          sync.Mutex
	started     []string
	completions map[string]models.CompletionReport
	failures    map[string]models.FailureReport
	startErr    error
}

func newFakeMarketplace() *fakeMarketplace {
	return &fakeMarketplace{
		completions: make(map[string]models.CompletionReport),
		failures:    make(map[string]models.FailureReport),
	}
}

func (f *fakeMarketplace) RegisterNode(ctx context.Context, reg models.NodeRegistration) (string, error) {
	return "node-test", nil
}

func (f *fakeMarketplace) Heartbeat(ctx context.Context, nodeID string, available bool) error {
	return nil
}

func (f *fakeMarketplace) Claim(ctx context.Context, offer models.ClaimOffer) (*models.ClaimResult, error) {
	return &models.ClaimResult{Claimed: false}, nil
}

func (f *fakeMarketplace) StartJob(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, jobID)
	return nil
}

func (f *fakeMarketplace) CompleteJob(ctx context.Context, jobID string, report models.CompletionReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions[jobID] = report
	return nil
}

func (f *fakeMarketplace) FailJob(ctx context.Context, jobID string, report models.FailureReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[jobID] = report
	return nil
}

type stubExecutor struct {
	result *executor.Result
	err    error
}

func (s *stubExecutor) Execute(ctx context.Context, req executor.Request) (*executor.Result, error) {
	return s.result, s.err
}

func claimedJob(id string) *models.ComputeJob {
	now := time.Now().UTC()
	return &models.ComputeJob{
		JobID:              id,
		BuyerAddress:       "buyer-1",
		Script:             "print(1)",
		MaxPricePerHour:    decimal.RequireFromString("2.00"),
		TimeoutSeconds:     60,
		NumGPUs:            1,
		Status:             models.JobStatusClaimed,
		NodeID:             "node-test",
		SellerAddress:      "seller-1",
		LockedPricePerHour: decimal.RequireFromString("1.00"),
		ClaimedAt:          &now,
		CreatedAt:          now,
	}
}

func newTestAgent(mkt Marketplace, exec executor.Executor) *Agent {
	return New(mkt, exec, Options{
		SellerAddress: "seller-1",
		PricePerHour:  decimal.RequireFromString("1.00"),
		ReportRetries: 1,
		ReportBackoff: time.Millisecond,
	}, zap.NewNop())
}

func TestExecuteJobReportsCompletionWithComputedCost(t *testing.T) {
	mkt := newFakeMarketplace()
	a := newTestAgent(mkt, &stubExecutor{result: &executor.Result{
		Success:  true,
		Stdout:   "ok\n",
		ExitCode: 0,
	}})

	a.executeJob(context.Background(), claimedJob("job-1"))

	report, ok := mkt.completions["job-1"]
	if !ok {
		t.Fatalf("completion never reported; failures: %v", mkt.failures)
	}
	if report.Output != "ok\n" {
		t.Errorf("reported output = %q, want ok", report.Output)
	}
	// Fast run, 1s billing floor: cost = 1 * 1.00 / 3600.
	want := decimal.NewFromInt(1).Mul(decimal.RequireFromString("1.00")).Div(decimal.NewFromInt(3600))
	if !report.TotalCostUSD.Equal(want) {
		t.Errorf("reported cost = %s, want %s", report.TotalCostUSD, want)
	}
	if len(mkt.started) != 1 || mkt.started[0] != "job-1" {
		t.Errorf("started = %v, want [job-1]", mkt.started)
	}
}

func TestExecuteJobReportsFailure(t *testing.T) {
	mkt := newFakeMarketplace()
	a := newTestAgent(mkt, &stubExecutor{result: &executor.Result{
		Success:  false,
		Stderr:   "Traceback: boom",
		ExitCode: 1,
	}})

	a.executeJob(context.Background(), claimedJob("job-1"))

	report, ok := mkt.failures["job-1"]
	if !ok {
		t.Fatal("failure never reported")
	}
	if report.Error != "Traceback: boom" {
		t.Errorf("reported error = %q", report.Error)
	}
	if report.ExitCode == nil || *report.ExitCode != 1 {
		t.Errorf("reported exit code = %v, want 1", report.ExitCode)
	}
	if len(mkt.completions) != 0 {
		t.Errorf("unexpected completions: %v", mkt.completions)
	}
}

func TestExecuteJobDropsWorkWhenStartRejected(t *testing.T) {
	mkt := newFakeMarketplace()
	mkt.startErr = errors.New("job was reclaimed")
	a := newTestAgent(mkt, &stubExecutor{result: &executor.Result{Success: true}})

	a.executeJob(context.Background(), claimedJob("job-1"))

	if len(mkt.completions) != 0 || len(mkt.failures) != 0 {
		t.Errorf("no report expected after rejected start; got completions=%v failures=%v",
			mkt.completions, mkt.failures)
	}
	job, ok := a.manager.Get("job-1")
	if !ok {
		t.Fatal("local job record missing")
	}
	if job.State != "cancelled" {
		t.Errorf("local state = %s, want cancelled", job.State)
	}
}
