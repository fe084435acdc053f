// ============================================================================
// Arbor Worker Invoker - Task Execution Contract
// ============================================================================
//
// Package: internal/invoker
// File: invoker.go
// Function: Defines how one unit of work is handed to a worker and how the
// worker reports back
//
// Contract:
//   A worker is an external executable. It receives the task string as its
//   final argument, job context through ARBOR_* environment variables, and
//   reports a JSON document on stdout. A non-zero exit is a worker failure;
//   stderr is captured as diagnostic text.
//
// Environment isolation:
//   Every invocation gets its own environment slice (exec.Cmd.Env). Nothing
//   is ever written to the process-global environment, so concurrent
//   invocations with different credentials or job contexts cannot race.
//
// Recursive self-reference:
//   A worker that is itself an orchestrator client reads ARBOR_JOB_ID,
//   ARBOR_DEPTH, ARBOR_REMAINING_JOBS and ARBOR_API_ADDR to spawn its own
//   children through the same admission path that spawned it.
//
// ============================================================================

package invoker

import (
	"context"
	"fmt"

	"github.com/krizzo101/arbor/pkg/types"
)

// Environment variables set for every worker invocation.
const (
	EnvJobID         = "ARBOR_JOB_ID"
	EnvParentJobID   = "ARBOR_PARENT_JOB_ID"
	EnvDepth         = "ARBOR_DEPTH"
	EnvMaxDepth      = "ARBOR_MAX_DEPTH"
	EnvRemainingJobs = "ARBOR_REMAINING_JOBS"
	EnvResultPath    = "ARBOR_RESULT_PATH"
	EnvAPIAddr       = "ARBOR_API_ADDR"
)

// Request carries one unit of work to a worker.
type Request struct {
	JobID types.JobID
	Task  string
	// Env holds per-invocation variables layered on top of the parent
	// process environment. Includes the ARBOR_* job context and any
	// caller-supplied credentials.
	Env map[string]string
}

// WorkerError reports a worker that ran and failed. It is recorded on the
// failing job, never propagated into the scheduler's control flow.
type WorkerError struct {
	Message    string
	Diagnostic string // stderr tail
	ExitCode   int
}

func (e *WorkerError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("worker failure (exit %d): %s", e.ExitCode, e.Message)
	}
	return "worker failure: " + e.Message
}

// Invoker executes one task and returns its structured result.
//
// Implementations must be safe for concurrent use; the scheduler invokes one
// goroutine per running job. Cancellation and deadlines arrive through ctx:
// context.DeadlineExceeded means the job timed out, context.Canceled means it
// was killed.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*types.Result, error)
}

// Func adapts a plain function to the Invoker interface.
type Func func(ctx context.Context, req Request) (*types.Result, error)

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, req Request) (*types.Result, error) {
	return f(ctx, req)
}
