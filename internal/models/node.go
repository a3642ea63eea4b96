package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultLivenessWindow is the heartbeat recency threshold beyond which a
// node is excluded from matching.
const DefaultLivenessWindow = 5 * time.Minute

// ComputeNode represents a seller's registered compute node.
//
// Nodes are never hard-deleted: a node that stops heartbeating simply goes
// stale and drops out of the active set. Liveness is a pure function of
// time (IsActive), not a stored flag.
type ComputeNode struct {
	NodeID        string `json:"node_id"`
	SellerAddress string `json:"seller_address"`

	GPUType    GPUType         `json:"gpu_type"`
	DeviceName string          `json:"device_name,omitempty"`
	VRAMGB     decimal.Decimal `json:"vram_gb"`
	NumGPUs    int             `json:"num_gpus"` // >= 1

	PricePerHour decimal.Decimal `json:"price_per_hour"` // USD, > 0

	IsAvailable   bool      `json:"is_available"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// NewNodeID generates a marketplace node identifier.
func NewNodeID() string {
	return "node_" + uuid.New().String()
}

// IsActive reports whether the node is eligible for matching: it must be
// marked available and have heartbeated within the liveness window.
func (n *ComputeNode) IsActive(now time.Time, window time.Duration) bool {
	if window <= 0 {
		window = DefaultLivenessWindow
	}
	return n.IsAvailable && now.Sub(n.LastHeartbeat) < window
}

// Heartbeat refreshes the node's liveness timestamp and availability.
func (n *ComputeNode) Heartbeat(available bool) {
	n.LastHeartbeat = time.Now().UTC()
	n.IsAvailable = available
}

// NodeRegistration carries the seller-supplied fields of a new node.
type NodeRegistration struct {
	SellerAddress string          `json:"seller_address"`
	GPUType       GPUType         `json:"gpu_type"`
	DeviceName    string          `json:"device_name,omitempty"`
	VRAMGB        decimal.Decimal `json:"vram_gb"`
	NumGPUs       int             `json:"num_gpus"`
	PricePerHour  decimal.Decimal `json:"price_per_hour"`
}

// NodeFilter narrows an active-node listing.
type NodeFilter struct {
	GPUType   GPUType         // empty: any
	MaxPrice  decimal.Decimal // zero: no ceiling
	MinVRAMGB decimal.Decimal // zero: no floor
}

// Matches reports whether the node satisfies the filter.
func (f NodeFilter) Matches(n *ComputeNode) bool {
	if f.GPUType != "" && n.GPUType != f.GPUType {
		return false
	}
	if !f.MaxPrice.IsZero() && n.PricePerHour.GreaterThan(f.MaxPrice) {
		return false
	}
	if !f.MinVRAMGB.IsZero() && n.VRAMGB.LessThan(f.MinVRAMGB) {
		return false
	}
	return true
}
