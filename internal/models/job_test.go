package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestJobStatusTransitions(t *testing.T) {
	tests := []struct {
		from    JobStatus
		to      JobStatus
		allowed bool
	}{
		{JobStatusPending, JobStatusClaimed, true},
		{JobStatusPending, JobStatusCancelled, true},
		{JobStatusPending, JobStatusExecuting, false},
		{JobStatusPending, JobStatusCompleted, false},
		{JobStatusClaimed, JobStatusExecuting, true},
		{JobStatusClaimed, JobStatusCancelled, true},
		{JobStatusClaimed, JobStatusPending, true}, // reclamation edge
		{JobStatusClaimed, JobStatusCompleted, false},
		{JobStatusExecuting, JobStatusCompleted, true},
		{JobStatusExecuting, JobStatusFailed, true}, // includes timeout reclamation
		{JobStatusExecuting, JobStatusCancelled, false},
		{JobStatusExecuting, JobStatusPending, false},
		{JobStatusCompleted, JobStatusPending, false},
		{JobStatusFailed, JobStatusPending, false},
		{JobStatusCancelled, JobStatusClaimed, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.allowed {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
		}
	}
}

func TestJobStatusIsTerminal(t *testing.T) {
	terminal := []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled}
	live := []JobStatus{JobStatusPending, JobStatusClaimed, JobStatusExecuting}

	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range live {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestParseGPUType(t *testing.T) {
	tests := []struct {
		in      string
		want    GPUType
		wantErr bool
	}{
		{"cuda", GPUTypeCUDA, false},
		{"CUDA", GPUTypeCUDA, false},
		{" Mps ", GPUTypeMPS, false},
		{"rocm", GPUTypeROCm, false},
		{"cpu", GPUTypeCPU, false},
		{"tpu", GPUTypeUnknown, true},
		{"", GPUTypeUnknown, true},
	}
	for _, tt := range tests {
		got, err := ParseGPUType(tt.in)
		if got != tt.want {
			t.Errorf("ParseGPUType(%q) = %s, want %s", tt.in, got, tt.want)
		}
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseGPUType(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
	}
}

func TestClaimOfferEligible(t *testing.T) {
	offer := &ClaimOffer{
		NodeID:        "node-1",
		SellerAddress: "seller-1",
		GPUType:       GPUTypeCUDA,
		PricePerHour:  decimal.RequireFromString("1.00"),
		VRAMGB:        decimal.NewFromInt(24),
		NumGPUs:       2,
	}

	base := ComputeJob{
		MaxPricePerHour: decimal.RequireFromString("2.00"),
		NumGPUs:         1,
	}

	tests := []struct {
		name   string
		mutate func(*ComputeJob)
		want   bool
	}{
		{"defaults are eligible", func(j *ComputeJob) {}, true},
		{"typed requirement matching", func(j *ComputeJob) { j.RequiredGPUType = GPUTypeCUDA }, true},
		{"typed requirement mismatched", func(j *ComputeJob) { j.RequiredGPUType = GPUTypeROCm }, false},
		{"price ceiling below offer", func(j *ComputeJob) { j.MaxPricePerHour = decimal.RequireFromString("0.99") }, false},
		{"vram floor above offer", func(j *ComputeJob) { j.MinVRAMGB = decimal.NewFromInt(48) }, false},
		{"vram floor at offer", func(j *ComputeJob) { j.MinVRAMGB = decimal.NewFromInt(24) }, true},
		{"gpu count above offer", func(j *ComputeJob) { j.NumGPUs = 4 }, false},
		{"gpu count at offer", func(j *ComputeJob) { j.NumGPUs = 2 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := base
			tt.mutate(&job)
			if got := offer.Eligible(&job); got != tt.want {
				t.Errorf("Eligible = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewComputeJobDefaults(t *testing.T) {
	job := NewComputeJob(JobSubmission{
		BuyerAddress:    "buyer-1",
		Script:          "print(1)",
		MaxPricePerHour: decimal.RequireFromString("1.00"),
		TimeoutSeconds:  60,
	})

	if job.Status != JobStatusPending {
		t.Errorf("new job status = %s, want PENDING", job.Status)
	}
	if job.NumGPUs != 1 {
		t.Errorf("NumGPUs defaulted to %d, want 1", job.NumGPUs)
	}
	if job.JobID == "" {
		t.Error("JobID not generated")
	}
	if job.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
}
