package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ClaimOffer is a node's bid for work: the capabilities and price it brings
// to a claim attempt. The price here is what gets locked on the job if the
// claim wins.
type ClaimOffer struct {
	NodeID        string          `json:"node_id"`
	SellerAddress string          `json:"seller_address"`
	GPUType       GPUType         `json:"gpu_type"`
	PricePerHour  decimal.Decimal `json:"price_per_hour"`
	VRAMGB        decimal.Decimal `json:"vram_gb"`
	NumGPUs       int             `json:"num_gpus"`
}

// Validate checks the offer fields before it reaches the matcher.
func (o *ClaimOffer) Validate() error {
	if o.NodeID == "" {
		return fmt.Errorf("%w: node_id is required", ErrInvalidInput)
	}
	if o.SellerAddress == "" {
		return fmt.Errorf("%w: seller_address is required", ErrInvalidInput)
	}
	if !o.GPUType.Valid() {
		return fmt.Errorf("%w: invalid gpu_type %q", ErrInvalidInput, o.GPUType)
	}
	if !o.PricePerHour.IsPositive() {
		return fmt.Errorf("%w: price_per_hour must be positive", ErrInvalidInput)
	}
	if o.NumGPUs < 1 {
		o.NumGPUs = 1
	}
	return nil
}

// Eligible reports whether a PENDING job can be matched to this offer.
// All four predicates from the matching contract must hold.
func (o *ClaimOffer) Eligible(job *ComputeJob) bool {
	if job.RequiredGPUType != "" && job.RequiredGPUType != o.GPUType {
		return false
	}
	if job.MaxPricePerHour.LessThan(o.PricePerHour) {
		return false
	}
	if !job.MinVRAMGB.IsZero() && job.MinVRAMGB.GreaterThan(o.VRAMGB) {
		return false
	}
	if job.NumGPUs > o.NumGPUs {
		return false
	}
	return true
}

// ClaimResult is the outcome of a claim attempt. Claimed=false with a nil
// Job is the normal "queue had nothing for you" answer, not an error.
type ClaimResult struct {
	Claimed bool        `json:"claimed"`
	Job     *ComputeJob `json:"job,omitempty"`
}
