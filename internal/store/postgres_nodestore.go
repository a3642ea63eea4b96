package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/computeswarm/swarm-backend/internal/models"
)

// PostgresNodeStore implements NodeStore on PostgreSQL via pgx. The liveness
// check is pushed into the query (heartbeat cutoff as a predicate), so a
// node that stops heartbeating silently drops out of the active set without
// anyone writing an "offline" transition.
type PostgresNodeStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresNodeStore creates a PostgresNodeStore over a connected pool.
func NewPostgresNodeStore(db *pgxpool.Pool, logger *zap.Logger) *PostgresNodeStore {
	return &PostgresNodeStore{db: db, logger: logger}
}

const nodeColumns = `
	node_id, seller_address, gpu_type, device_name, vram_gb, num_gpus,
	price_per_hour, is_available, registered_at, last_heartbeat`

// Initialize creates the compute_nodes table if it doesn't exist.
func (s *PostgresNodeStore) Initialize(ctx context.Context) error {
	createSQL := `
	CREATE TABLE IF NOT EXISTS compute_nodes (
		node_id VARCHAR(64) PRIMARY KEY,
		seller_address VARCHAR(128) NOT NULL,
		gpu_type VARCHAR(16) NOT NULL,
		device_name VARCHAR(128) NOT NULL DEFAULT '',
		vram_gb NUMERIC(10,2) NOT NULL,
		num_gpus INTEGER NOT NULL DEFAULT 1,
		price_per_hour NUMERIC(16,6) NOT NULL,
		is_available BOOLEAN NOT NULL DEFAULT TRUE,
		registered_at TIMESTAMPTZ NOT NULL,
		last_heartbeat TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_nodes_active ON compute_nodes (last_heartbeat) WHERE is_available;
	CREATE INDEX IF NOT EXISTS idx_nodes_seller ON compute_nodes (seller_address);
	`
	if _, err := s.db.Exec(ctx, createSQL); err != nil {
		s.logger.Error("Failed to create 'compute_nodes' table", zap.Error(err))
		return fmt.Errorf("initializing compute_nodes table: %w", err)
	}
	s.logger.Info("'compute_nodes' table checked/created successfully")
	return nil
}

// Close closes the underlying connection pool. The pool is shared with the
// job store, so Close here is a no-op; the owner closes it once.
func (s *PostgresNodeStore) Close() error {
	return nil
}

// UpsertNode stores or replaces a node record.
func (s *PostgresNodeStore) UpsertNode(ctx context.Context, node *models.ComputeNode) error {
	upsertSQL := `
	INSERT INTO compute_nodes (
		node_id, seller_address, gpu_type, device_name, vram_gb, num_gpus,
		price_per_hour, is_available, registered_at, last_heartbeat
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (node_id) DO UPDATE SET
		seller_address = EXCLUDED.seller_address,
		gpu_type = EXCLUDED.gpu_type,
		device_name = EXCLUDED.device_name,
		vram_gb = EXCLUDED.vram_gb,
		num_gpus = EXCLUDED.num_gpus,
		price_per_hour = EXCLUDED.price_per_hour,
		is_available = EXCLUDED.is_available,
		last_heartbeat = EXCLUDED.last_heartbeat
	`
	_, err := s.db.Exec(ctx, upsertSQL,
		node.NodeID,
		node.SellerAddress,
		string(node.GPUType),
		node.DeviceName,
		node.VRAMGB,
		node.NumGPUs,
		node.PricePerHour,
		node.IsAvailable,
		node.RegisteredAt,
		node.LastHeartbeat,
	)
	if err != nil {
		s.logger.Error("Failed to upsert node", zap.String("node_id", node.NodeID), zap.Error(err))
		return fmt.Errorf("upserting node %s: %w", node.NodeID, err)
	}
	return nil
}

// GetNode retrieves a node by ID.
func (s *PostgresNodeStore) GetNode(ctx context.Context, nodeID string) (*models.ComputeNode, error) {
	row := s.db.QueryRow(ctx, `SELECT `+nodeColumns+` FROM compute_nodes WHERE node_id = $1`, nodeID)
	node, err := scanNode(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("node %s: %w", nodeID, models.ErrNodeNotFound)
		}
		return nil, fmt.Errorf("getting node %s: %w", nodeID, err)
	}
	return node, nil
}

// UpdateHeartbeat refreshes last_heartbeat and availability.
func (s *PostgresNodeStore) UpdateHeartbeat(ctx context.Context, nodeID string, available bool) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE compute_nodes SET last_heartbeat = now(), is_available = $2
		WHERE node_id = $1`, nodeID, available)
	if err != nil {
		return fmt.Errorf("updating heartbeat for node %s: %w", nodeID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("node %s: %w", nodeID, models.ErrNodeNotFound)
	}
	return nil
}

// ListActiveNodes returns live, available, filter-matching nodes ordered by
// ascending price.
func (s *PostgresNodeStore) ListActiveNodes(ctx context.Context, filter models.NodeFilter, cutoff time.Time) ([]*models.ComputeNode, error) {
	query := `SELECT ` + nodeColumns + ` FROM compute_nodes
		WHERE is_available AND last_heartbeat >= $1`
	args := []any{cutoff}

	if filter.GPUType != "" {
		args = append(args, string(filter.GPUType))
		query += fmt.Sprintf(` AND gpu_type = $%d`, len(args))
	}
	if !filter.MaxPrice.IsZero() {
		args = append(args, filter.MaxPrice)
		query += fmt.Sprintf(` AND price_per_hour <= $%d`, len(args))
	}
	if !filter.MinVRAMGB.IsZero() {
		args = append(args, filter.MinVRAMGB)
		query += fmt.Sprintf(` AND vram_gb >= $%d`, len(args))
	}
	query += ` ORDER BY price_per_hour ASC, node_id ASC`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing active nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*models.ComputeNode
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning node row: %w", err)
		}
		nodes = append(nodes, node)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterating node rows: %w", rows.Err())
	}
	return nodes, nil
}

func scanNode(row pgx.Row) (*models.ComputeNode, error) {
	node := &models.ComputeNode{}
	var gpuType string
	err := row.Scan(
		&node.NodeID,
		&node.SellerAddress,
		&gpuType,
		&node.DeviceName,
		&node.VRAMGB,
		&node.NumGPUs,
		&node.PricePerHour,
		&node.IsAvailable,
		&node.RegisteredAt,
		&node.LastHeartbeat,
	)
	if err != nil {
		return nil, err
	}
	node.GPUType = models.GPUType(gpuType)
	return node, nil
}
