package store

import (
	"context"
	"time"

	"github.com/computeswarm/swarm-backend/internal/models"
)

// NodeStore persists registered compute nodes. Nodes are upserted on
// registration and mutated only by heartbeat/availability updates; they are
// never hard-deleted, they just fall out of the active set when stale.
type NodeStore interface {
	// Initialize sets up any necessary structures.
	Initialize(ctx context.Context) error

	// UpsertNode stores or replaces a node record.
	UpsertNode(ctx context.Context, node *models.ComputeNode) error

	// GetNode retrieves a node by ID. ErrNodeNotFound if unknown.
	GetNode(ctx context.Context, nodeID string) (*models.ComputeNode, error)

	// UpdateHeartbeat refreshes last_heartbeat and availability.
	// ErrNodeNotFound if unknown; otherwise idempotent.
	UpdateHeartbeat(ctx context.Context, nodeID string, available bool) error

	// ListActiveNodes returns nodes whose last heartbeat is at or after the
	// cutoff and which are marked available, filtered and ordered by
	// ascending price.
	ListActiveNodes(ctx context.Context, filter models.NodeFilter, cutoff time.Time) ([]*models.ComputeNode, error)

	// Close releases any resources held by the store.
	Close() error
}
