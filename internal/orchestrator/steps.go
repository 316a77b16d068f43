package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/google/uuid"

	"github.com/andrey/deskpilot/internal/task"
	"github.com/andrey/deskpilot/internal/tools"
)

type stepOutcome int

const (
	outcomeDone stepOutcome = iota
	outcomeSkipped
	outcomeExhausted
	outcomeBlocked
	outcomeCancelled
)

// groupResult merges the outcomes of one execution unit.
type groupResult struct {
	cancelled  bool
	needReplan bool
	reason     string
}

// executeGroup runs one step, or the members of one parallel group
// concurrently. Each member gets its own validation, execution and
// verification; outcomes merge deterministically afterwards. A single
// failure inside a group does not interrupt its siblings.
func (o *Orchestrator) executeGroup(ctx context.Context, t *task.Task, group []*task.Step) groupResult {
	outcomes := make([]stepOutcome, len(group))

	if len(group) == 1 {
		outcomes[0] = o.runStep(ctx, t, group[0], true)
	} else {
		var wg sync.WaitGroup
		for i, st := range group {
			wg.Add(1)
			go func(i int, st *task.Step) {
				defer wg.Done()
				outcomes[i] = o.runStep(ctx, t, st, false)
			}(i, st)
		}
		wg.Wait()
	}

	var res groupResult
	for i, out := range outcomes {
		switch out {
		case outcomeCancelled:
			res.cancelled = true
		case outcomeExhausted:
			res.needReplan = true
			res.reason = fmt.Sprintf("step %d (%s): %s", group[i].Ordinal, group[i].Tool, group[i].FailReason)
		case outcomeBlocked:
			res.needReplan = true
			res.reason = fmt.Sprintf("step %d (%s) blocked: %s", group[i].Ordinal, group[i].Tool, group[i].FailReason)
		}
	}
	return res
}

// runStep drives one step through its attempt loop: validate, execute,
// verify, then decide between done, retry, skip and escalation. The
// retry budget counts charged attempts; the first inconclusive verdict
// of a step is granted once for free so flaky evidence does not burn a
// retry immediately.
func (o *Orchestrator) runStep(ctx context.Context, t *task.Task, step *task.Step, solo bool) stepOutcome {
	args := step.Args
	o.setStepStatus(step, task.StepRunning, "")
	o.bus.publish(Event{Kind: EventStepStarted, TaskID: t.ID, StepID: step.ID, Ordinal: step.Ordinal, Tool: step.Tool})

	for {
		if ctx.Err() != nil {
			o.setStepStatus(step, task.StepFailed, "cancelled")
			return outcomeCancelled
		}

		_, desc, err := o.deps.Registry.Resolve(step.Tool)
		if err != nil {
			// The tool was present at validation time; treat its
			// disappearance like an exhausted step and let replanning
			// route around it.
			o.setStepStatus(step, task.StepFailed, err.Error())
			return outcomeExhausted
		}
		sanitized, err := tools.SanitizeArgs(desc, o.substitute(t.ID, args))
		if err != nil {
			o.setStepStatus(step, task.StepFailed, err.Error())
			return outcomeExhausted
		}

		inv := &task.Invocation{
			ID:      uuid.NewString(),
			StepID:  step.ID,
			Attempt: len(step.Attempts) + 1,
			Tool:    step.Tool,
			Args:    sanitized,
		}

		decision := o.deps.Validator.Validate(ctx, inv, desc)
		if decision.Effect == task.DecisionConfirm {
			decision = o.resolveConfirmation(ctx, inv, desc)
		}
		inv.Decision = &decision
		o.stateMu.Lock()
		step.Attempts = append(step.Attempts, inv)
		o.stateMu.Unlock()
		o.persist(o.deps.Store.AppendInvocation(inv))
		o.deps.Logger.LogSecurity(t.ID, step.ID, string(decision.Effect), decision.Reason)

		if decision.Effect == task.DecisionBlock {
			// Blocked invocations never execute and never carry a result.
			// Only a step the plan declared skippable may be absorbed; an
			// undeclared one escalates to replanning.
			o.bus.publish(Event{Kind: EventStepBlocked, TaskID: t.ID, StepID: step.ID, Ordinal: step.Ordinal, Tool: step.Tool, Detail: decision.Reason})
			if !step.Skippable {
				o.setStepStatus(step, task.StepFailed, "blocked: "+decision.Reason)
				return outcomeBlocked
			}
			o.setStepStatus(step, task.StepSkipped, "blocked: "+decision.Reason)
			o.bus.publish(Event{Kind: EventStepFinished, TaskID: t.ID, StepID: step.ID, Ordinal: step.Ordinal, Detail: "skipped"})
			return outcomeSkipped
		}

		result := o.deps.Executor.Execute(ctx, inv, 0)
		o.stateMu.Lock()
		inv.Result = result
		o.stateMu.Unlock()
		o.persist(o.deps.Store.AppendResult(inv.ID, result))

		if result.FailureKind == task.FailureCancelled || ctx.Err() != nil {
			o.setStepStatus(step, task.StepFailed, "cancelled")
			return outcomeCancelled
		}

		o.setStepStatus(step, task.StepVerifying, "")
		if solo {
			o.setTaskStatus(t, task.StatusVerifying)
		}
		verdict := o.judge(ctx, step, result)
		verdict.InvocationID = inv.ID
		o.stateMu.Lock()
		step.Verdicts = append(step.Verdicts, verdict)
		o.stateMu.Unlock()
		o.persist(o.deps.Store.AppendVerdict(verdict))
		o.deps.Logger.LogVerdict(t.ID, step.ID, string(verdict.Value), verdict.Rationale)
		if solo {
			o.setTaskStatus(t, task.StatusExecuting)
		}

		if verdict.Value == task.VerdictSatisfied {
			o.setStepStatus(step, task.StepDone, "")
			o.recordOutput(t, step, result)
			o.bus.publish(Event{Kind: EventStepFinished, TaskID: t.ID, StepID: step.ID, Ordinal: step.Ordinal, Detail: "done"})
			return outcomeDone
		}

		if chargedAttempts(step) >= o.deps.Budgets.RetryLimit {
			o.setStepStatus(step, task.StepFailed, "retry budget exhausted: "+verdict.Rationale)
			o.bus.publish(Event{Kind: EventStepFinished, TaskID: t.ID, StepID: step.ID, Ordinal: step.Ordinal, Detail: "failed"})
			return outcomeExhausted
		}

		o.setStepStatus(step, task.StepRunning, "")
		// Bounded local repair: the planner may correct the arguments
		// for the same tool before the next attempt. Failure to revise
		// just reuses the current arguments. Group members retry with
		// their original arguments; task history is not stable while
		// siblings are in flight.
		if solo {
			if revised, err := o.deps.Planner.ReviseArgs(ctx, t.Goal, step, t.History()); err == nil && len(revised) > 0 {
				args = revised
			}
		}
	}
}

// resolveConfirmation turns a require-confirmation decision into allow
// or block. Without a confirmer there is nobody to ask, so the safe
// answer is a block.
func (o *Orchestrator) resolveConfirmation(ctx context.Context, inv *task.Invocation, desc tools.Descriptor) task.SecurityDecision {
	if o.deps.Confirmer == nil {
		return task.SecurityDecision{Effect: task.DecisionBlock, Reason: "confirmation required but no confirmer available"}
	}
	if o.deps.Confirmer.Confirm(ctx, inv, desc) {
		return task.SecurityDecision{Effect: task.DecisionAllow, Reason: "confirmed by user"}
	}
	return task.SecurityDecision{Effect: task.DecisionBlock, Reason: "confirmation refused"}
}

// judge produces the verdict for one executed attempt. Failed
// executions are unsatisfied without consulting the verifier; a
// verifier transport failure counts as inconclusive evidence.
func (o *Orchestrator) judge(ctx context.Context, step *task.Step, result *task.ExecutionResult) *task.Verdict {
	if !result.Success {
		return &task.Verdict{
			StepID:    step.ID,
			Value:     task.VerdictUnsatisfied,
			Rationale: fmt.Sprintf("execution failed (%s): %s", result.FailureKind, result.ErrorDetail),
		}
	}
	v, err := o.deps.Verifier.Verify(ctx, step, result)
	if err != nil {
		return &task.Verdict{
			StepID:    step.ID,
			Value:     task.VerdictInconclusive,
			Rationale: "verifier unavailable: " + err.Error(),
		}
	}
	return v
}

// chargedAttempts counts the attempts that consume retry budget. One
// inconclusive verdict per step is free; every further non-satisfied
// verdict charges, so a step issues at most RetryLimit+1 invocations.
func chargedAttempts(step *task.Step) int {
	charged := 0
	graceUsed := false
	for _, v := range step.Verdicts {
		switch v.Value {
		case task.VerdictSatisfied:
		case task.VerdictInconclusive:
			if !graceUsed {
				graceUsed = true
				continue
			}
			charged++
		default:
			charged++
		}
	}
	return charged
}

func (o *Orchestrator) setStepStatus(step *task.Step, status task.StepStatus, failReason string) {
	o.stateMu.Lock()
	step.Status = status
	step.FailReason = failReason
	o.stateMu.Unlock()
	o.persist(o.deps.Store.UpdateStepStatus(step.ID, status, failReason))
}

// recordOutput publishes a completed step's output into the session
// context so later steps and plan revisions can reference it.
func (o *Orchestrator) recordOutput(t *task.Task, step *task.Step, result *task.ExecutionResult) {
	if result.Payload != "" {
		payload := result.Payload
		if len(payload) > 2000 {
			payload = payload[:2000]
		}
		o.persist(o.deps.Store.SetContextValue(t.ID, fmt.Sprintf("step_%d_output", step.Ordinal), payload))
	}
	if result.ArtifactRef != "" {
		o.persist(o.deps.Store.SetContextValue(t.ID, "last_artifact", result.ArtifactRef))
	}
}

var varPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_.-]+)\}`)

// substitute expands ${key} references in string arguments from the
// session context. Unknown keys are left verbatim.
func (o *Orchestrator) substitute(taskID string, args map[string]any) map[string]any {
	snapshot, err := o.deps.Store.ContextSnapshot(taskID)
	if err != nil || len(snapshot) == 0 {
		return args
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		s, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		out[k] = varPattern.ReplaceAllStringFunc(s, func(m string) string {
			key := m[2 : len(m)-1]
			if val, ok := snapshot[key]; ok {
				return val
			}
			return m
		})
	}
	return out
}
