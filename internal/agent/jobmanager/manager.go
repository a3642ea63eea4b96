package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/computeswarm/swarm-backend/internal/agent/executor"
	"github.com/computeswarm/swarm-backend/internal/models"
)

// State is the worker-local lifecycle of one claimed job. This is a
// finer-grained view of the single EXECUTING interval the marketplace sees:
// it exists to sequence local setup before the executor is invoked and to
// guarantee only one execution attempt is active per worker process.
type State string

const (
	StateClaimed   State = "claimed"
	StatePreparing State = "preparing" // environment setup, image pull
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// IsTerminal reports whether the local job reached a final state.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// ErrJobActive is returned when Run is called while another job is active.
// That is a caller error: the claim loop must not claim a second job while
// one is running, so a second Run is never silently queued.
var ErrJobActive = errors.New("another job is already active on this worker")

// JobContext holds everything the worker tracks for one claimed job.
type JobContext struct {
	JobID          string
	BuyerAddress   string
	Script         string
	Requirements   []string
	TimeoutSeconds int
	Limits         executor.ResourceLimits

	State     State
	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
	Result    *executor.Result
	Err       error
}

// Manager drives claimed jobs through the local state machine
// CLAIMED -> PREPARING -> RUNNING -> {COMPLETED|FAILED|CANCELLED},
// delegating the actual run to the Executor contract.
type Manager struct {
	exec   executor.Executor
	logger *zap.Logger

	mu          sync.Mutex
	jobs        map[string]*JobContext
	activeJobID string

	// MaxConcurrentJobs caps simultaneously running jobs. The default
	// policy is one at a time; anything above 1 is opt-in.
	MaxConcurrentJobs int
	activeCount       int
}

// New creates a job manager with the default single-job concurrency policy.
func New(exec executor.Executor, logger *zap.Logger) *Manager {
	return &Manager{
		exec:              exec,
		logger:            logger,
		jobs:              make(map[string]*JobContext),
		MaxConcurrentJobs: 1,
	}
}

// Create registers a claimed job in CLAIMED state. A duplicate job ID is
// rejected with ErrAlreadyExists.
func (m *Manager) Create(jobID, buyerAddress, script string, requirements []string, timeoutSeconds int, limits executor.ResourceLimits) (*JobContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[jobID]; exists {
		return nil, fmt.Errorf("job %s: %w", jobID, models.ErrAlreadyExists)
	}
	job := &JobContext{
		JobID:          jobID,
		BuyerAddress:   buyerAddress,
		Script:         script,
		Requirements:   requirements,
		TimeoutSeconds: timeoutSeconds,
		Limits:         limits,
		State:          StateClaimed,
		CreatedAt:      time.Now().UTC(),
	}
	m.jobs[jobID] = job
	m.logger.Info("local job registered",
		zap.String("job_id", jobID),
		zap.String("state", string(job.State)),
	)
	return job, nil
}

// Run executes a registered job through its lifecycle and returns the
// executor result. Executor failures and panics inside the run are mapped
// to the FAILED state and returned as errors; they never propagate uncaught.
// Cooperative cancellation via ctx maps to CANCELLED.
func (m *Manager) Run(ctx context.Context, jobID string) (result *executor.Result, err error) {
	m.mu.Lock()
	job, exists := m.jobs[jobID]
	if !exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("job %s: %w", jobID, models.ErrJobNotFound)
	}
	if job.State != StateClaimed {
		m.mu.Unlock()
		return nil, fmt.Errorf("job %s is %s: %w", jobID, job.State, models.ErrInvalidTransition)
	}
	if m.activeCount >= m.MaxConcurrentJobs {
		m.mu.Unlock()
		return nil, fmt.Errorf("job %s: %w", jobID, ErrJobActive)
	}
	m.activeCount++
	m.activeJobID = jobID
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.activeCount--
		if m.activeJobID == jobID {
			m.activeJobID = ""
		}
		m.mu.Unlock()

		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked during execution: %v", jobID, r)
			m.finish(job, StateFailed, nil, err)
			result = nil
		}
	}()

	m.transition(job, StatePreparing)

	m.transition(job, StateRunning)
	now := time.Now().UTC()
	m.setStarted(job, now)

	res, execErr := m.exec.Execute(ctx, executor.Request{
		JobID:          job.JobID,
		Script:         job.Script,
		Requirements:   job.Requirements,
		TimeoutSeconds: job.TimeoutSeconds,
		Limits:         job.Limits,
	})

	switch {
	case ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled):
		m.finish(job, StateCancelled, res, ctx.Err())
		return res, ctx.Err()
	case execErr != nil:
		m.finish(job, StateFailed, res, execErr)
		return res, execErr
	case res == nil || !res.Success:
		failure := fmt.Errorf("job %s exited with code %d", jobID, exitCodeOf(res))
		m.finish(job, StateFailed, res, failure)
		return res, failure
	default:
		m.finish(job, StateCompleted, res, nil)
		return res, nil
	}
}

// Cancel moves a non-terminal job to CANCELLED. Used on worker shutdown for
// jobs that never ran; a running job is cancelled through its context.
func (m *Manager) Cancel(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, exists := m.jobs[jobID]
	if !exists {
		return fmt.Errorf("job %s: %w", jobID, models.ErrJobNotFound)
	}
	if job.State.IsTerminal() {
		return fmt.Errorf("job %s is %s: %w", jobID, job.State, models.ErrInvalidTransition)
	}
	if job.State == StateRunning {
		return fmt.Errorf("job %s is running, cancel via its context: %w", jobID, models.ErrInvalidTransition)
	}
	m.transitionLocked(job, StateCancelled)
	now := time.Now().UTC()
	job.EndedAt = &now
	return nil
}

// Get returns the context of a registered job.
func (m *Manager) Get(jobID string) (*JobContext, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	return job, ok
}

// ActiveJobID returns the currently running job's ID, if any.
func (m *Manager) ActiveJobID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeJobID
}

// transition logs and applies a state change. Every transition is logged
// with (job_id, from, to), fast path included, for auditability.
func (m *Manager) transition(job *JobContext, next State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitionLocked(job, next)
}

func (m *Manager) transitionLocked(job *JobContext, next State) {
	from := job.State
	job.State = next
	m.logger.Info("job state transition",
		zap.String("job_id", job.JobID),
		zap.String("from_state", string(from)),
		zap.String("to_state", string(next)),
	)
}

func (m *Manager) setStarted(job *JobContext, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job.StartedAt = &t
}

// finish records a terminal state with its result and end timestamp.
func (m *Manager) finish(job *JobContext, state State, res *executor.Result, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job.State.IsTerminal() {
		return
	}
	m.transitionLocked(job, state)
	now := time.Now().UTC()
	job.EndedAt = &now
	job.Result = res
	job.Err = err
}

func exitCodeOf(res *executor.Result) int {
	if res == nil {
		return -1
	}
	return res.ExitCode
}
