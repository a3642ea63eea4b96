package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// JobStatus is the authoritative, server-side lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusClaimed   JobStatus = "CLAIMED"
	JobStatusExecuting JobStatus = "EXECUTING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// IsTerminal reports whether no further mutation of the job is valid.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// jobTransitions encodes the allowed status edges, including the two
// reclamation edges: CLAIMED->PENDING (abandoned claim) and
// EXECUTING->FAILED (execution timeout).
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:   {JobStatusClaimed, JobStatusCancelled},
	JobStatusClaimed:   {JobStatusExecuting, JobStatusCancelled, JobStatusPending},
	JobStatusExecuting: {JobStatusCompleted, JobStatusFailed},
}

// CanTransition reports whether the state machine allows moving from s to next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ComputeJob is a buyer's unit of work in the marketplace queue.
//
// LockedPricePerHour and NodeID are set exactly once, at claim time, and are
// immutable afterwards: billing is always against the price snapshotted when
// the node won the claim, never against the node's current advertised price.
// TotalCostUSD is set exactly once, at the terminal COMPLETED state.
type ComputeJob struct {
	JobID        string `json:"job_id"`
	BuyerAddress string `json:"buyer_address"`

	Script       string   `json:"script"`
	Requirements []string `json:"requirements,omitempty"` // extra pip packages

	MaxPricePerHour decimal.Decimal `json:"max_price_per_hour"`
	TimeoutSeconds  int             `json:"timeout_seconds"`

	// Resource requirements. RequiredGPUType empty means any GPU type is
	// acceptable; MinVRAMGB zero means no VRAM floor.
	RequiredGPUType GPUType         `json:"required_gpu_type,omitempty"`
	MinVRAMGB       decimal.Decimal `json:"min_vram_gb,omitempty"`
	NumGPUs         int             `json:"num_gpus"` // 1-8

	Status JobStatus `json:"status"`

	// Assignment, populated at claim time.
	NodeID             string          `json:"node_id,omitempty"`
	SellerAddress      string          `json:"seller_address,omitempty"`
	LockedPricePerHour decimal.Decimal `json:"locked_price_per_hour,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Results, populated at a terminal state.
	ExitCode                 *int            `json:"exit_code,omitempty"`
	ResultOutput             string          `json:"result_output,omitempty"`
	ResultError              string          `json:"result_error,omitempty"`
	ExecutionDurationSeconds decimal.Decimal `json:"execution_duration_seconds,omitempty"`
	TotalCostUSD             decimal.Decimal `json:"total_cost_usd,omitempty"`
	PaymentTxHash            string          `json:"payment_tx_hash,omitempty"`
}

// NewJobID generates a marketplace job identifier.
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// JobSubmission carries the buyer-supplied fields of a new job.
type JobSubmission struct {
	BuyerAddress    string          `json:"buyer_address"`
	Script          string          `json:"script"`
	Requirements    []string        `json:"requirements,omitempty"`
	MaxPricePerHour decimal.Decimal `json:"max_price_per_hour"`
	TimeoutSeconds  int             `json:"timeout_seconds"`
	RequiredGPUType GPUType         `json:"required_gpu_type,omitempty"`
	MinVRAMGB       decimal.Decimal `json:"min_vram_gb,omitempty"`
	NumGPUs         int             `json:"num_gpus"`
}

// NewComputeJob builds a PENDING job from a validated submission.
func NewComputeJob(sub JobSubmission) *ComputeJob {
	numGPUs := sub.NumGPUs
	if numGPUs < 1 {
		numGPUs = 1
	}
	return &ComputeJob{
		JobID:           NewJobID(),
		BuyerAddress:    sub.BuyerAddress,
		Script:          sub.Script,
		Requirements:    sub.Requirements,
		MaxPricePerHour: sub.MaxPricePerHour,
		TimeoutSeconds:  sub.TimeoutSeconds,
		RequiredGPUType: sub.RequiredGPUType,
		MinVRAMGB:       sub.MinVRAMGB,
		NumGPUs:         numGPUs,
		Status:          JobStatusPending,
		CreatedAt:       time.Now().UTC(),
	}
}

// CompletionReport is what a worker submits when its execution finishes.
type CompletionReport struct {
	Output                   string          `json:"output"`
	ExitCode                 int             `json:"exit_code"`
	ExecutionDurationSeconds decimal.Decimal `json:"execution_duration_seconds"`
	TotalCostUSD             decimal.Decimal `json:"total_cost_usd"`
	PaymentTxHash            string          `json:"payment_tx_hash,omitempty"`
}

// FailureReport is what a worker submits when its execution fails.
type FailureReport struct {
	Error                    string           `json:"error"`
	ExitCode                 *int             `json:"exit_code,omitempty"`
	ExecutionDurationSeconds *decimal.Decimal `json:"execution_duration_seconds,omitempty"`
}
