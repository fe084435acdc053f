package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/krizzo101/arbor/pkg/types"
)

// diagnosticLimit bounds how much stderr is kept on a failure record.
const diagnosticLimit = 2048

// ErrEmptyCommand is returned when an ExecInvoker is built without a command.
var ErrEmptyCommand = errors.New("worker command must not be empty")

// ExecInvoker runs the configured worker executable, one process per task.
//
// The task string is appended as the final argument of the configured
// command, e.g. command ["claude", "-p"] and task "review main.go" become
// `claude -p "review main.go"`.
type ExecInvoker struct {
	command []string
}

// NewExecInvoker builds an invoker around the given argv prefix.
func NewExecInvoker(command []string) (*ExecInvoker, error) {
	if len(command) == 0 {
		return nil, ErrEmptyCommand
	}
	return &ExecInvoker{command: append([]string(nil), command...)}, nil
}

// Invoke launches the worker process and waits for it to finish.
//
// Outcome mapping:
//   - exit 0 with JSON stdout: result with that payload
//   - exit 0 with non-JSON stdout: result with the text wrapped as a JSON string
//   - non-zero exit: *WorkerError carrying the stderr tail
//   - ctx deadline/cancel: the process is killed and ctx.Err() is returned
func (e *ExecInvoker) Invoke(ctx context.Context, req Request) (*types.Result, error) {
	argv := append(append([]string(nil), e.command...), req.Task)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	// per-invocation environment, layered over the parent process env
	env := os.Environ()
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	// the context verdict outranks the exit status: CommandContext kills
	// the process on expiry and Run reports that as a signal death
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	if runErr != nil {
		we := &WorkerError{
			Message:    runErr.Error(),
			Diagnostic: tail(stderr.String(), diagnosticLimit),
			ExitCode:   -1,
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			we.ExitCode = exitErr.ExitCode()
			we.Message = "worker exited with status " + exitErr.String()
		}
		return nil, we
	}

	return parseOutput(stdout.Bytes(), elapsed)
}

// parseOutput turns worker stdout into a Result.
//
// Workers may emit an envelope {"payload": ..., "usage": {...}} to report
// token/cost usage; any other JSON document is taken as the payload itself,
// and non-JSON text is wrapped as a JSON string so the payload stays
// structured.
func parseOutput(out []byte, elapsed time.Duration) (*types.Result, error) {
	usage := types.Usage{ElapsedMS: elapsed.Milliseconds()}
	trimmed := bytes.TrimSpace(out)

	if len(trimmed) == 0 {
		return &types.Result{Payload: json.RawMessage(`null`), Usage: usage}, nil
	}

	if json.Valid(trimmed) {
		var envelope struct {
			Payload json.RawMessage `json:"payload"`
			Usage   *types.Usage    `json:"usage"`
		}
		if err := json.Unmarshal(trimmed, &envelope); err == nil && envelope.Payload != nil {
			if envelope.Usage != nil {
				usage.Tokens = envelope.Usage.Tokens
				usage.CostUSD = envelope.Usage.CostUSD
			}
			return &types.Result{Payload: envelope.Payload, Usage: usage}, nil
		}
		return &types.Result{Payload: append(json.RawMessage(nil), trimmed...), Usage: usage}, nil
	}

	wrapped, err := json.Marshal(string(trimmed))
	if err != nil {
		return nil, &WorkerError{Message: "unencodable worker output", ExitCode: 0}
	}
	return &types.Result{Payload: wrapped, Usage: usage}, nil
}

// tail returns at most limit bytes from the end of s, trimmed.
func tail(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return s[len(s)-limit:]
}
