package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// ScriptExecutor runs job scripts as local subprocesses. It is the default
// runtime for the agent binary; deployments wanting container isolation plug
// in their own Executor.
type ScriptExecutor struct {
	Interpreter  string // defaults to python3
	WorkspaceDir string // defaults to the OS temp dir
	logger       *zap.Logger
}

// NewScriptExecutor creates a subprocess executor.
func NewScriptExecutor(logger *zap.Logger) *ScriptExecutor {
	return &ScriptExecutor{
		Interpreter: "python3",
		logger:      logger,
	}
}

// Execute writes the script into a per-job workspace, runs it under the
// interpreter with the job's timeout, and captures its output. The timeout
// hard-kills the process via CommandContext.
func (se *ScriptExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	workspace, err := se.makeWorkspace(req.JobID)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(workspace)

	scriptPath := filepath.Join(workspace, "main.py")
	if err := os.WriteFile(scriptPath, []byte(req.Script), 0755); err != nil {
		return nil, fmt.Errorf("failed to write script file: %w", err)
	}

	if len(req.Requirements) > 0 {
		if err := se.installRequirements(ctx, workspace, req.Requirements); err != nil {
			return nil, err
		}
	}

	execCtx := ctx
	if req.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, se.Interpreter, scriptPath)
	cmd.Dir = workspace
	// Installed requirements live under workspace/deps; the interpreter only
	// sees them if PYTHONPATH says so.
	cmd.Env = append(os.Environ(), "PYTHONPATH="+pythonPath(filepath.Join(workspace, "deps")))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	se.logger.Info("Executing job script",
		zap.String("job_id", req.JobID),
		zap.String("interpreter", se.Interpreter),
		zap.Int("timeout_seconds", req.TimeoutSeconds),
	)
	runErr := cmd.Run()
	elapsed := time.Since(start)

	result := &Result{
		Stdout:        truncate(stdout.String(), req.Limits.MaxOutputBytes),
		Stderr:        truncate(stderr.String(), req.Limits.MaxOutputBytes),
		ExecutionTime: elapsed,
	}

	switch {
	case runErr == nil:
		result.Success = true
		result.ExitCode = 0
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		result.ExitCode = -2
		result.Stderr = fmt.Sprintf("execution timed out after %ds\n%s", req.TimeoutSeconds, result.Stderr)
		se.logger.Warn("Job script timed out", zap.String("job_id", req.JobID))
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			return result, fmt.Errorf("script execution failed: %w", runErr)
		}
	}

	se.logger.Info("Job script finished",
		zap.String("job_id", req.JobID),
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("duration", elapsed),
	)
	return result, nil
}

// installRequirements pip-installs the job's extra packages into the
// workspace before the run.
func (se *ScriptExecutor) installRequirements(ctx context.Context, workspace string, requirements []string) error {
	args := append([]string{"-m", "pip", "install", "--target", filepath.Join(workspace, "deps")}, requirements...)
	cmd := exec.CommandContext(ctx, se.Interpreter, args...)
	cmd.Dir = workspace
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to install requirements: %w: %s", err, string(out))
	}
	return nil
}

func (se *ScriptExecutor) makeWorkspace(jobID string) (string, error) {
	base := se.WorkspaceDir
	if base == "" {
		base = os.TempDir()
	}
	workspace := filepath.Join(base, "swarm-"+jobID)
	if err := os.MkdirAll(workspace, 0755); err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}
	return workspace, nil
}

// pythonPath prepends the per-job deps directory to any PYTHONPATH the agent
// itself was started with.
func pythonPath(depsDir string) string {
	if existing := os.Getenv("PYTHONPATH"); existing != "" {
		return depsDir + string(os.PathListSeparator) + existing
	}
	return depsDir
}

func truncate(s string, max int64) string {
	if max > 0 && int64(len(s)) > max {
		return s[:max]
	}
	return s
}
