package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/computeswarm/swarm-backend/internal/models"
	"github.com/computeswarm/swarm-backend/internal/store"
)

func testRegistration(seller, price string) models.NodeRegistration {
	return models.NodeRegistration{
		SellerAddress: seller,
		GPUType:       models.GPUTypeCUDA,
		DeviceName:    "RTX 4090",
		VRAMGB:        decimal.NewFromInt(24),
		NumGPUs:       1,
		PricePerHour:  decimal.RequireFromString(price),
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := NewNodeRegistry(store.NewMemoryNodeStore(), 0, zap.NewNop())
	ctx := context.Background()

	nodeID, err := r.Register(ctx, testRegistration("seller-1", "1.00"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if nodeID == "" {
		t.Fatal("Register returned empty node ID")
	}

	node, err := r.GetNode(ctx, nodeID)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if !node.IsAvailable {
		t.Error("freshly registered node should be available")
	}
	if node.LastHeartbeat.IsZero() {
		t.Error("registration should count as a heartbeat")
	}
}

func TestRegisterValidation(t *testing.T) {
	r := NewNodeRegistry(store.NewMemoryNodeStore(), 0, zap.NewNop())
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*models.NodeRegistration)
	}{
		{"missing seller address", func(reg *models.NodeRegistration) { reg.SellerAddress = "" }},
		{"invalid gpu type", func(reg *models.NodeRegistration) { reg.GPUType = "tpu" }},
		{"zero price", func(reg *models.NodeRegistration) { reg.PricePerHour = decimal.Zero }},
		{"negative price", func(reg *models.NodeRegistration) { reg.PricePerHour = decimal.RequireFromString("-1") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := testRegistration("seller-1", "1.00")
			tt.mutate(&reg)
			if _, err := r.Register(ctx, reg); !errors.Is(err, models.ErrInvalidInput) {
				t.Errorf("Register = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestHeartbeatUnknownNode(t *testing.T) {
	r := NewNodeRegistry(store.NewMemoryNodeStore(), 0, zap.NewNop())

	err := r.Heartbeat(context.Background(), "node-missing", true)
	if !errors.Is(err, models.ErrNodeNotFound) {
		t.Errorf("Heartbeat on unknown node = %v, want ErrNodeNotFound", err)
	}
}

func TestListActiveExcludesStaleAndUnavailable(t *testing.T) {
	nodes := store.NewMemoryNodeStore()
	r := NewNodeRegistry(nodes, time.Minute, zap.NewNop())
	ctx := context.Background()

	liveID, err := r.Register(ctx, testRegistration("seller-live", "1.00"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	staleID, err := r.Register(ctx, testRegistration("seller-stale", "0.50"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	busyID, err := r.Register(ctx, testRegistration("seller-busy", "0.25"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Backdate the stale node's heartbeat past the window.
	staleNode, err := nodes.GetNode(ctx, staleID)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	staleNode.LastHeartbeat = time.Now().UTC().Add(-2 * time.Minute)
	if err := nodes.UpsertNode(ctx, staleNode); err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}

	if err := r.SetAvailability(ctx, busyID, false); err != nil {
		t.Fatalf("SetAvailability: %v", err)
	}

	active, err := r.ListActive(ctx, "", decimal.Decimal{}, decimal.Decimal{})
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 || active[0].NodeID != liveID {
		t.Fatalf("active = %v, want only %s", nodeIDs(active), liveID)
	}

	count, err := r.CountActive(ctx)
	if err != nil {
		t.Fatalf("CountActive: %v", err)
	}
	if count != 1 {
		t.Errorf("CountActive = %d, want 1", count)
	}
}

func TestListActiveOrdersByPrice(t *testing.T) {
	r := NewNodeRegistry(store.NewMemoryNodeStore(), 0, zap.NewNop())
	ctx := context.Background()

	if _, err := r.Register(ctx, testRegistration("seller-mid", "1.00")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := r.Register(ctx, testRegistration("seller-cheap", "0.40")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := r.Register(ctx, testRegistration("seller-dear", "3.00")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	active, err := r.ListActive(ctx, "", decimal.Decimal{}, decimal.Decimal{})
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	want := []string{"seller-cheap", "seller-mid", "seller-dear"}
	if len(active) != len(want) {
		t.Fatalf("got %d active nodes, want %d", len(active), len(want))
	}
	for i, node := range active {
		if node.SellerAddress != want[i] {
			t.Errorf("active[%d] = %s, want %s", i, node.SellerAddress, want[i])
		}
	}
}

func nodeIDs(nodes []*models.ComputeNode) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.NodeID
	}
	return ids
}
