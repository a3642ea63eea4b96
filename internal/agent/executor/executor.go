// Package executor defines the contract with the execution runtime and
// ships a plain subprocess implementation. The job manager only ever talks
// to the interface, so a deployment can swap in a container-isolated
// runtime without touching the lifecycle code.
package executor

import (
	"context"
	"time"
)

// Request describes one execution the job manager hands to the runtime.
type Request struct {
	JobID          string
	Script         string
	Requirements   []string // extra pip packages to install before the run
	TimeoutSeconds int
	Limits         ResourceLimits
}

// ResourceLimits caps what the runtime may hand the script.
type ResourceLimits struct {
	NumGPUs           int
	GPUMemoryPerGPU   string // e.g. "16GiB"; empty means no per-GPU cap
	MaxOutputBytes    int64  // truncate stdout/stderr beyond this
	NetworkDisabled   bool
	WorkspaceReadOnly bool
}

// Result is the outcome of one execution attempt.
type Result struct {
	Success       bool
	Stdout        string
	Stderr        string
	ExitCode      int
	ExecutionTime time.Duration
}

// Executor runs a job's script to completion. Implementations must
// hard-terminate the run when the timeout elapses and must never leave
// orphaned subprocesses behind; the ctx cancels the run early (cooperative
// cancellation from the job manager).
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}
