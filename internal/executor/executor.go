package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andrey/deskpilot/internal/task"
	"github.com/andrey/deskpilot/internal/tools"
)

// DefaultTimeout bounds tools that declare no timeout of their own.
const DefaultTimeout = 60 * time.Second

// Executor performs one validated invocation against a tool module.
// It never returns an error: every failure mode (tool crash, timeout,
// unknown tool, tool-level failure) is normalized into an
// ExecutionResult so the verifier and the decision policy never handle
// heterogeneous raw errors.
type Executor struct {
	Registry       *tools.Registry
	DefaultTimeout time.Duration
	// Overrides replaces declared tool timeouts by name, typically from
	// the operator's config.
	Overrides map[string]time.Duration
}

func New(registry *tools.Registry) *Executor {
	return &Executor{Registry: registry, DefaultTimeout: DefaultTimeout}
}

// Execute dispatches the invocation with a hard timeout. Precedence:
// the per-call override, then the configured per-tool override, then
// the tool's declared timeout, then the executor default.
func (e *Executor) Execute(ctx context.Context, inv *task.Invocation, override time.Duration) *task.ExecutionResult {
	started := time.Now()

	module, desc, err := e.Registry.Resolve(inv.Tool)
	if err != nil {
		return &task.ExecutionResult{
			ErrorDetail: err.Error(),
			FailureKind: task.FailureUnavailable,
			Duration:    time.Since(started),
		}
	}

	timeout := override
	if timeout <= 0 {
		timeout = e.Overrides[inv.Tool]
	}
	if timeout <= 0 {
		timeout = desc.Timeout
	}
	if timeout <= 0 {
		timeout = e.DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	env, err := e.invoke(runCtx, module, inv.Args)
	duration := time.Since(started)

	switch {
	case err != nil:
		res := &task.ExecutionResult{
			ErrorDetail: err.Error(),
			FailureKind: task.FailureToolError,
			Duration:    duration,
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			res.FailureKind = task.FailureTimeout
			res.ErrorDetail = fmt.Sprintf("tool %s exceeded its %s timeout", inv.Tool, timeout)
		} else if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			res.FailureKind = task.FailureCancelled
			res.ErrorDetail = "invocation cancelled"
		}
		return res

	case !env.Success:
		res := &task.ExecutionResult{
			ErrorDetail: env.ErrorDetail,
			FailureKind: task.FailureToolError,
			Duration:    duration,
			ArtifactRef: env.ArtifactRef,
		}
		// The tool may have failed because the deadline fired mid-action.
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			res.FailureKind = task.FailureTimeout
		} else if errors.Is(ctx.Err(), context.Canceled) {
			res.FailureKind = task.FailureCancelled
		}
		return res

	default:
		return &task.ExecutionResult{
			Success:     true,
			Payload:     env.Payload,
			Duration:    duration,
			ArtifactRef: env.ArtifactRef,
		}
	}
}

// invoke isolates the module call so a panicking tool degrades into a
// failed result instead of taking the orchestrator down.
func (e *Executor) invoke(ctx context.Context, module tools.Module, args map[string]any) (env tools.Envelope, err error) {
	defer func() {
		if r := recover(); r != nil {
			env = tools.Envelope{}
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return module.Invoke(ctx, args)
}
