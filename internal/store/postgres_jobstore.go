package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/computeswarm/swarm-backend/internal/models"
)

// PostgresJobStore implements JobStore on PostgreSQL via pgx.
//
// Every status transition is a guarded single-row UPDATE keyed by the
// expected current status, so correctness never depends on an application
// lock being held across the round trip. The claim itself takes a row lock
// with FOR UPDATE SKIP LOCKED: concurrent claimers skip rows another
// transaction is deciding on instead of queueing or retrying, which keeps
// many idle polling nodes from producing retry storms.
type PostgresJobStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresJobStore creates a PostgresJobStore over a connected pool.
func NewPostgresJobStore(db *pgxpool.Pool, logger *zap.Logger) *PostgresJobStore {
	return &PostgresJobStore{db: db, logger: logger}
}

const jobColumns = `
	job_id, buyer_address, script, requirements, max_price_per_hour,
	timeout_seconds, required_gpu_type, min_vram_gb, num_gpus, status,
	node_id, seller_address, locked_price_per_hour, created_at, claimed_at,
	started_at, completed_at, exit_code, result_output, result_error,
	execution_duration_seconds, total_cost_usd, payment_tx_hash`

// Initialize creates the jobs table and its indexes if they don't exist.
func (s *PostgresJobStore) Initialize(ctx context.Context) error {
	createSQL := `
	CREATE TABLE IF NOT EXISTS jobs (
		job_id VARCHAR(64) PRIMARY KEY,
		buyer_address VARCHAR(128) NOT NULL,
		script TEXT NOT NULL,
		requirements JSONB,
		max_price_per_hour NUMERIC(16,6) NOT NULL,
		timeout_seconds INTEGER NOT NULL,
		required_gpu_type VARCHAR(16),
		min_vram_gb NUMERIC(10,2),
		num_gpus INTEGER NOT NULL DEFAULT 1,
		status VARCHAR(16) NOT NULL,
		node_id VARCHAR(64),
		seller_address VARCHAR(128),
		locked_price_per_hour NUMERIC(16,6),
		created_at TIMESTAMPTZ NOT NULL,
		claimed_at TIMESTAMPTZ,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		exit_code INTEGER,
		result_output TEXT,
		result_error TEXT,
		execution_duration_seconds NUMERIC(16,4),
		total_cost_usd NUMERIC(16,6),
		payment_tx_hash VARCHAR(128)
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);
	CREATE INDEX IF NOT EXISTS idx_jobs_pending_fifo ON jobs (created_at, job_id) WHERE status = 'PENDING';
	CREATE INDEX IF NOT EXISTS idx_jobs_buyer ON jobs (buyer_address);
	CREATE INDEX IF NOT EXISTS idx_jobs_seller ON jobs (seller_address) WHERE seller_address IS NOT NULL;
	`
	if _, err := s.db.Exec(ctx, createSQL); err != nil {
		s.logger.Error("Failed to create 'jobs' table", zap.Error(err))
		return fmt.Errorf("initializing jobs table: %w", err)
	}
	s.logger.Info("'jobs' table checked/created successfully")
	return nil
}

// Close closes the underlying connection pool.
func (s *PostgresJobStore) Close() error {
	if s.db != nil {
		s.db.Close()
	}
	return nil
}

// CreateJob inserts a new PENDING job.
func (s *PostgresJobStore) CreateJob(ctx context.Context, job *models.ComputeJob) error {
	requirementsJSON, err := json.Marshal(job.Requirements)
	if err != nil {
		return fmt.Errorf("marshalling requirements for job %s: %w", job.JobID, err)
	}

	insertSQL := `
	INSERT INTO jobs (
		job_id, buyer_address, script, requirements, max_price_per_hour,
		timeout_seconds, required_gpu_type, min_vram_gb, num_gpus, status, created_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (job_id) DO NOTHING
	`
	tag, err := s.db.Exec(ctx, insertSQL,
		job.JobID,
		job.BuyerAddress,
		job.Script,
		requirementsJSON,
		job.MaxPricePerHour,
		job.TimeoutSeconds,
		nullString(string(job.RequiredGPUType)),
		nullDecimal(job.MinVRAMGB),
		job.NumGPUs,
		job.Status,
		job.CreatedAt,
	)
	if err != nil {
		s.logger.Error("Failed to insert job", zap.String("job_id", job.JobID), zap.Error(err))
		return fmt.Errorf("inserting job %s: %w", job.JobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", job.JobID, models.ErrAlreadyExists)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *PostgresJobStore) GetJob(ctx context.Context, jobID string) (*models.ComputeJob, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", jobID, models.ErrJobNotFound)
		}
		return nil, fmt.Errorf("getting job %s: %w", jobID, err)
	}
	return job, nil
}

// ClaimNextJob atomically claims the oldest eligible PENDING job for the
// offer. The inner SELECT takes the row lock; concurrent claim attempts skip
// locked rows, so at most one offer ever wins a given job and losers fall
// through to the next eligible job or to an empty result.
func (s *PostgresJobStore) ClaimNextJob(ctx context.Context, offer *models.ClaimOffer) (*models.ComputeJob, error) {
	claimSQL := `
	UPDATE jobs SET
		status = 'CLAIMED',
		node_id = $1,
		seller_address = $2,
		locked_price_per_hour = $3,
		claimed_at = now()
	WHERE job_id = (
		SELECT job_id FROM jobs
		WHERE status = 'PENDING'
		  AND (required_gpu_type IS NULL OR required_gpu_type = $4)
		  AND max_price_per_hour >= $3
		  AND (min_vram_gb IS NULL OR min_vram_gb <= $5)
		  AND num_gpus <= $6
		ORDER BY created_at ASC, job_id ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	)
	RETURNING ` + jobColumns

	row := s.db.QueryRow(ctx, claimSQL,
		offer.NodeID,
		offer.SellerAddress,
		offer.PricePerHour,
		string(offer.GPUType),
		offer.VRAMGB,
		offer.NumGPUs,
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // nothing eligible queued; not an error
		}
		s.logger.Error("Claim query failed", zap.String("node_id", offer.NodeID), zap.Error(err))
		return nil, fmt.Errorf("claiming job for node %s: %w", offer.NodeID, err)
	}
	return job, nil
}

// StartJob transitions CLAIMED -> EXECUTING, guarded by the current status.
func (s *PostgresJobStore) StartJob(ctx context.Context, jobID string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs SET status = 'EXECUTING', started_at = now()
		WHERE job_id = $1 AND status = 'CLAIMED'`, jobID)
	if err != nil {
		return fmt.Errorf("starting job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.explainFailedTransition(ctx, jobID, models.JobStatusExecuting)
}

// CompleteJob transitions EXECUTING -> COMPLETED with results.
func (s *PostgresJobStore) CompleteJob(ctx context.Context, jobID string, report models.CompletionReport) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs SET
			status = 'COMPLETED',
			result_output = $2,
			exit_code = $3,
			execution_duration_seconds = $4,
			total_cost_usd = $5,
			payment_tx_hash = $6,
			completed_at = now()
		WHERE job_id = $1 AND status = 'EXECUTING'`,
		jobID,
		report.Output,
		report.ExitCode,
		report.ExecutionDurationSeconds,
		report.TotalCostUSD,
		nullString(report.PaymentTxHash),
	)
	if err != nil {
		return fmt.Errorf("completing job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.explainFailedTransition(ctx, jobID, models.JobStatusCompleted)
}

// FailJob transitions EXECUTING -> FAILED with error details.
func (s *PostgresJobStore) FailJob(ctx context.Context, jobID string, report models.FailureReport) error {
	var exitCode sql.NullInt32
	if report.ExitCode != nil {
		exitCode = sql.NullInt32{Int32: int32(*report.ExitCode), Valid: true}
	}
	var duration decimal.NullDecimal
	if report.ExecutionDurationSeconds != nil {
		duration = decimal.NullDecimal{Decimal: *report.ExecutionDurationSeconds, Valid: true}
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE jobs SET
			status = 'FAILED',
			result_error = $2,
			exit_code = COALESCE($3, exit_code),
			execution_duration_seconds = COALESCE($4, execution_duration_seconds),
			completed_at = now()
		WHERE job_id = $1 AND status = 'EXECUTING'`,
		jobID, report.Error, exitCode, duration,
	)
	if err != nil {
		return fmt.Errorf("failing job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.explainFailedTransition(ctx, jobID, models.JobStatusFailed)
}

// CancelJob transitions PENDING/CLAIMED -> CANCELLED for the submitting buyer.
func (s *PostgresJobStore) CancelJob(ctx context.Context, jobID, buyerAddress string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs SET status = 'CANCELLED', completed_at = now()
		WHERE job_id = $1 AND buyer_address = $2 AND status IN ('PENDING', 'CLAIMED')`,
		jobID, buyerAddress)
	if err != nil {
		return fmt.Errorf("cancelling job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Zero rows: distinguish unknown job, wrong buyer, and bad state.
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.BuyerAddress != buyerAddress {
		return fmt.Errorf("job %s belongs to another buyer: %w", jobID, models.ErrNotAuthorized)
	}
	return fmt.Errorf("job %s is %s: %w", jobID, job.Status, models.ErrInvalidTransition)
}

// ReleaseStaleClaims reverts abandoned claims to PENDING in one set-based
// statement, clearing the assignment and the locked price.
func (s *PostgresJobStore) ReleaseStaleClaims(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-staleAfter)
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs SET
			status = 'PENDING',
			node_id = NULL,
			seller_address = NULL,
			locked_price_per_hour = NULL,
			claimed_at = NULL
		WHERE status = 'CLAIMED' AND claimed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("releasing stale claims: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// FailStaleExecutions fails executions running longer than their timeout
// budget times the multiplier, in one set-based statement.
func (s *PostgresJobStore) FailStaleExecutions(ctx context.Context, multiplier float64) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs SET
			status = 'FAILED',
			result_error = $1,
			completed_at = now()
		WHERE status = 'EXECUTING'
		  AND started_at IS NOT NULL
		  AND EXTRACT(EPOCH FROM (now() - started_at)) > timeout_seconds * $2`,
		StaleExecutionError, multiplier)
	if err != nil {
		return 0, fmt.Errorf("failing stale executions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListPendingJobs returns queued jobs in FIFO order.
func (s *PostgresJobStore) ListPendingJobs(ctx context.Context, gpuType models.GPUType, limit int) ([]*models.ComputeJob, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = 'PENDING'`
	args := []any{}
	if gpuType != "" {
		query += ` AND (required_gpu_type IS NULL OR required_gpu_type = $1)`
		args = append(args, string(gpuType))
	}
	query += fmt.Sprintf(` ORDER BY created_at ASC, job_id ASC LIMIT %d`, listLimit(limit))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing pending jobs: %w", err)
	}
	return scanJobRows(rows)
}

// ListJobsByBuyer returns a buyer's jobs, newest first.
func (s *PostgresJobStore) ListJobsByBuyer(ctx context.Context, buyerAddress string, limit int) ([]*models.ComputeJob, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE buyer_address = $1 ORDER BY created_at DESC LIMIT $2`,
		buyerAddress, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("listing jobs for buyer %s: %w", buyerAddress, err)
	}
	return scanJobRows(rows)
}

// ListJobsBySeller returns jobs assigned to a seller, newest claim first.
func (s *PostgresJobStore) ListJobsBySeller(ctx context.Context, sellerAddress string, limit int) ([]*models.ComputeJob, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE seller_address = $1 ORDER BY claimed_at DESC NULLS LAST LIMIT $2`,
		sellerAddress, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("listing jobs for seller %s: %w", sellerAddress, err)
	}
	return scanJobRows(rows)
}

// CountJobsByStatus returns queue statistics.
func (s *PostgresJobStore) CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}
		counts[models.JobStatus(status)] = count
	}
	return counts, rows.Err()
}

func listLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullDecimal(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: !d.IsZero()}
}

// scanJob maps one row onto a ComputeJob, resolving nullable columns.
func scanJob(row pgx.Row) (*models.ComputeJob, error) {
	job := &models.ComputeJob{}
	var (
		requirementsJSON []byte
		requiredGPUType  sql.NullString
		minVRAM          decimal.NullDecimal
		nodeID           sql.NullString
		sellerAddress    sql.NullString
		lockedPrice      decimal.NullDecimal
		claimedAt        sql.NullTime
		startedAt        sql.NullTime
		completedAt      sql.NullTime
		exitCode         sql.NullInt32
		resultOutput     sql.NullString
		resultError      sql.NullString
		duration         decimal.NullDecimal
		totalCost        decimal.NullDecimal
		paymentTxHash    sql.NullString
	)

	err := row.Scan(
		&job.JobID,
		&job.BuyerAddress,
		&job.Script,
		&requirementsJSON,
		&job.MaxPricePerHour,
		&job.TimeoutSeconds,
		&requiredGPUType,
		&minVRAM,
		&job.NumGPUs,
		&job.Status,
		&nodeID,
		&sellerAddress,
		&lockedPrice,
		&job.CreatedAt,
		&claimedAt,
		&startedAt,
		&completedAt,
		&exitCode,
		&resultOutput,
		&resultError,
		&duration,
		&totalCost,
		&paymentTxHash,
	)
	if err != nil {
		return nil, err
	}

	if len(requirementsJSON) > 0 {
		if err := json.Unmarshal(requirementsJSON, &job.Requirements); err != nil {
			return nil, fmt.Errorf("unmarshalling requirements for job %s: %w", job.JobID, err)
		}
	}
	if requiredGPUType.Valid {
		job.RequiredGPUType = models.GPUType(requiredGPUType.String)
	}
	if minVRAM.Valid {
		job.MinVRAMGB = minVRAM.Decimal
	}
	if nodeID.Valid {
		job.NodeID = nodeID.String
	}
	if sellerAddress.Valid {
		job.SellerAddress = sellerAddress.String
	}
	if lockedPrice.Valid {
		job.LockedPricePerHour = lockedPrice.Decimal
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		job.ClaimedAt = &t
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if exitCode.Valid {
		code := int(exitCode.Int32)
		job.ExitCode = &code
	}
	if resultOutput.Valid {
		job.ResultOutput = resultOutput.String
	}
	if resultError.Valid {
		job.ResultError = resultError.String
	}
	if duration.Valid {
		job.ExecutionDurationSeconds = duration.Decimal
	}
	if totalCost.Valid {
		job.TotalCostUSD = totalCost.Decimal
	}
	if paymentTxHash.Valid {
		job.PaymentTxHash = paymentTxHash.String
	}
	return job, nil
}

func scanJobRows(rows pgx.Rows) ([]*models.ComputeJob, error) {
	defer rows.Close()

	var jobs []*models.ComputeJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterating job rows: %w", rows.Err())
	}
	return jobs, nil
}

// explainFailedTransition turns a zero-row guarded UPDATE into the precise
// error: unknown job vs. a state the transition is not valid from.
func (s *PostgresJobStore) explainFailedTransition(ctx context.Context, jobID string, target models.JobStatus) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if target == models.JobStatusExecuting && job.Status == models.JobStatusExecuting {
		return nil // start after start is idempotent
	}
	return fmt.Errorf("job %s is %s, cannot move to %s: %w", jobID, job.Status, target, models.ErrInvalidTransition)
}
