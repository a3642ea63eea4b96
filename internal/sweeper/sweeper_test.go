package sweeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/computeswarm/swarm-backend/internal/events"
	"github.com/computeswarm/swarm-backend/internal/models"
	"github.com/computeswarm/swarm-backend/internal/store"
)

// recordingPublisher captures published events for assertions.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.JobEvent
}

func (p *recordingPublisher) PublishJobEvent(e events.JobEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) kinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var kinds []string
	for _, e := range p.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func seedJob(t *testing.T, s store.JobStore, id string, timeoutSeconds int) {
	t.Helper()
	err := s.CreateJob(context.Background(), &models.ComputeJob{
		JobID:           id,
		BuyerAddress:    "buyer-1",
		Script:          "print(1)",
		MaxPricePerHour: decimal.RequireFromString("2.00"),
		TimeoutSeconds:  timeoutSeconds,
		NumGPUs:         1,
		Status:          models.JobStatusPending,
		CreatedAt:       time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateJob(%s): %v", id, err)
	}
}

func claimJob(t *testing.T, s store.JobStore, nodeID string) *models.ComputeJob {
	t.Helper()
	job, err := s.ClaimNextJob(context.Background(), &models.ClaimOffer{
		NodeID:        nodeID,
		SellerAddress: "seller-" + nodeID,
		GPUType:       models.GPUTypeCUDA,
		PricePerHour:  decimal.RequireFromString("1.00"),
		VRAMGB:        decimal.NewFromInt(24),
		NumGPUs:       1,
	})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job == nil {
		t.Fatal("expected a claim to succeed")
	}
	return job
}

func TestSweepOnceReleasesStaleClaims(t *testing.T) {
	s := store.NewMemoryJobStore()
	pub := &recordingPublisher{}
	sw := New(s, pub, zap.NewNop())
	sw.StaleClaimAge = 10 * time.Millisecond
	ctx := context.Background()

	seedJob(t, s, "job-1", 60)
	claimJob(t, s, "node-1")
	time.Sleep(30 * time.Millisecond)

	sw.SweepOnce(ctx)

	job, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != models.JobStatusPending {
		t.Errorf("status = %s, want PENDING after sweep", job.Status)
	}
	if job.NodeID != "" || !job.LockedPricePerHour.IsZero() {
		t.Errorf("assignment not cleared: %+v", job)
	}
	if got := pub.kinds(); len(got) != 1 || got[0] != events.JobReclaimed {
		t.Errorf("published kinds = %v, want [reclaimed]", got)
	}
}

func TestSweepOnceFailsStaleExecutions(t *testing.T) {
	s := store.NewMemoryJobStore()
	pub := &recordingPublisher{}
	sw := New(s, pub, zap.NewNop())
	ctx := context.Background()

	// A zero timeout budget makes any running job immediately stale.
	seedJob(t, s, "job-1", 0)
	claimJob(t, s, "node-1")
	if err := s.StartJob(ctx, "job-1"); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	sw.SweepOnce(ctx)

	job, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != models.JobStatusFailed {
		t.Errorf("status = %s, want FAILED after sweep", job.Status)
	}
	if job.ResultError != store.StaleExecutionError {
		t.Errorf("result_error = %q, want synthetic timeout error", job.ResultError)
	}
	if got := pub.kinds(); len(got) != 1 || got[0] != events.JobFailed {
		t.Errorf("published kinds = %v, want [failed]", got)
	}
}

func TestSweepOnceQuietWhenNothingStale(t *testing.T) {
	s := store.NewMemoryJobStore()
	pub := &recordingPublisher{}
	sw := New(s, pub, zap.NewNop())

	seedJob(t, s, "job-1", 3600)
	claimJob(t, s, "node-1")

	sw.SweepOnce(context.Background())

	job, err := s.GetJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != models.JobStatusClaimed {
		t.Errorf("status = %s, want CLAIMED untouched", job.Status)
	}
	if got := pub.kinds(); len(got) != 0 {
		t.Errorf("published kinds = %v, want none", got)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s := store.NewMemoryJobStore()
	sw := New(s, events.NopPublisher{}, zap.NewNop())
	sw.Interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after context cancellation")
	}
}
