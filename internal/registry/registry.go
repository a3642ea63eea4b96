package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/computeswarm/swarm-backend/internal/models"
	"github.com/computeswarm/swarm-backend/internal/store"
)

// NodeRegistry tracks registered compute nodes and their liveness.
//
// A node is active iff it is marked available and has heartbeated within the
// liveness window. There is no "offline" transition anywhere: liveness is a
// pure function of time, so a dead node disappears from matching on its own.
type NodeRegistry struct {
	nodes          store.NodeStore
	livenessWindow time.Duration
	logger         *zap.Logger
}

// NewNodeRegistry creates a registry over the given node store. A
// non-positive livenessWindow falls back to the 5 minute default.
func NewNodeRegistry(nodes store.NodeStore, livenessWindow time.Duration, logger *zap.Logger) *NodeRegistry {
	if livenessWindow <= 0 {
		livenessWindow = models.DefaultLivenessWindow
	}
	return &NodeRegistry{
		nodes:          nodes,
		livenessWindow: livenessWindow,
		logger:         logger,
	}
}

// Register stores a new node with a server-generated ID, available and
// freshly heartbeated. Returns the generated node ID.
func (r *NodeRegistry) Register(ctx context.Context, reg models.NodeRegistration) (string, error) {
	if reg.SellerAddress == "" {
		return "", fmt.Errorf("%w: seller_address is required", models.ErrInvalidInput)
	}
	if !reg.GPUType.Valid() {
		return "", fmt.Errorf("%w: invalid gpu_type %q", models.ErrInvalidInput, reg.GPUType)
	}
	if !reg.PricePerHour.IsPositive() {
		return "", fmt.Errorf("%w: price_per_hour must be positive", models.ErrInvalidInput)
	}
	numGPUs := reg.NumGPUs
	if numGPUs < 1 {
		numGPUs = 1
	}

	now := time.Now().UTC()
	node := &models.ComputeNode{
		NodeID:        models.NewNodeID(),
		SellerAddress: reg.SellerAddress,
		GPUType:       reg.GPUType,
		DeviceName:    reg.DeviceName,
		VRAMGB:        reg.VRAMGB,
		NumGPUs:       numGPUs,
		PricePerHour:  reg.PricePerHour,
		IsAvailable:   true,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	if err := r.nodes.UpsertNode(ctx, node); err != nil {
		return "", err
	}

	r.logger.Info("node registered",
		zap.String("node_id", node.NodeID),
		zap.String("seller_address", node.SellerAddress),
		zap.String("gpu_type", string(node.GPUType)),
		zap.String("price_per_hour", node.PricePerHour.String()),
	)
	return node.NodeID, nil
}

// Heartbeat refreshes a node's liveness timestamp and availability. It is
// idempotent; an unknown node ID is an error surfaced to the caller.
func (r *NodeRegistry) Heartbeat(ctx context.Context, nodeID string, available bool) error {
	if err := r.nodes.UpdateHeartbeat(ctx, nodeID, available); err != nil {
		return err
	}
	r.logger.Debug("heartbeat recorded",
		zap.String("node_id", nodeID),
		zap.Bool("available", available),
	)
	return nil
}

// SetAvailability marks a node available or unavailable for matching. It
// also refreshes the heartbeat, matching the registration-side semantics.
func (r *NodeRegistry) SetAvailability(ctx context.Context, nodeID string, available bool) error {
	return r.nodes.UpdateHeartbeat(ctx, nodeID, available)
}

// GetNode retrieves a node by ID.
func (r *NodeRegistry) GetNode(ctx context.Context, nodeID string) (*models.ComputeNode, error) {
	return r.nodes.GetNode(ctx, nodeID)
}

// ListActive returns nodes passing the liveness check and the filter,
// ordered by ascending price.
func (r *NodeRegistry) ListActive(ctx context.Context, gpuType models.GPUType, maxPrice, minVRAM decimal.Decimal) ([]*models.ComputeNode, error) {
	cutoff := time.Now().UTC().Add(-r.livenessWindow)
	filter := models.NodeFilter{
		GPUType:   gpuType,
		MaxPrice:  maxPrice,
		MinVRAMGB: minVRAM,
	}
	return r.nodes.ListActiveNodes(ctx, filter, cutoff)
}

// CountActive returns the number of currently active nodes.
func (r *NodeRegistry) CountActive(ctx context.Context) (int, error) {
	nodes, err := r.ListActive(ctx, "", decimal.Decimal{}, decimal.Decimal{})
	if err != nil {
		return 0, err
	}
	return len(nodes), nil
}
