package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/computeswarm/swarm-backend/internal/models"
)

// MemoryNodeStore is a thread-safe in-memory NodeStore.
type MemoryNodeStore struct {
	mu    sync.RWMutex
	nodes map[string]*models.ComputeNode
}

// NewMemoryNodeStore creates an empty in-memory node store.
func NewMemoryNodeStore() *MemoryNodeStore {
	return &MemoryNodeStore{
		nodes: make(map[string]*models.ComputeNode),
	}
}

// Initialize is a no-op for the in-memory store.
func (s *MemoryNodeStore) Initialize(ctx context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryNodeStore) Close() error {
	return nil
}

// UpsertNode stores or replaces a node record.
func (s *MemoryNodeStore) UpsertNode(ctx context.Context, node *models.ComputeNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *node
	s.nodes[node.NodeID] = &cp
	return nil
}

// GetNode retrieves a copy of a node by ID.
func (s *MemoryNodeStore) GetNode(ctx context.Context, nodeID string) (*models.ComputeNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, exists := s.nodes[nodeID]
	if !exists {
		return nil, fmt.Errorf("node %s: %w", nodeID, models.ErrNodeNotFound)
	}
	cp := *node
	return &cp, nil
}

// UpdateHeartbeat refreshes last_heartbeat and availability.
func (s *MemoryNodeStore) UpdateHeartbeat(ctx context.Context, nodeID string, available bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, exists := s.nodes[nodeID]
	if !exists {
		return fmt.Errorf("node %s: %w", nodeID, models.ErrNodeNotFound)
	}
	node.Heartbeat(available)
	return nil
}

// ListActiveNodes returns live, available, filter-matching nodes ordered by
// ascending price.
func (s *MemoryNodeStore) ListActiveNodes(ctx context.Context, filter models.NodeFilter, cutoff time.Time) ([]*models.ComputeNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*models.ComputeNode
	for _, node := range s.nodes {
		if !node.IsAvailable || node.LastHeartbeat.Before(cutoff) {
			continue
		}
		if !filter.Matches(node) {
			continue
		}
		cp := *node
		active = append(active, &cp)
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].PricePerHour.Equal(active[j].PricePerHour) {
			return active[i].NodeID < active[j].NodeID
		}
		return active[i].PricePerHour.LessThan(active[j].PricePerHour)
	})
	return active, nil
}
