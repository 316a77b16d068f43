package task

import (
	"time"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	StatusPlanning   TaskStatus = "planning"
	StatusExecuting  TaskStatus = "executing"
	StatusVerifying  TaskStatus = "verifying"
	StatusReplanning TaskStatus = "replanning"
	StatusSucceeded  TaskStatus = "succeeded"
	StatusFailed     TaskStatus = "failed"
	StatusAborted    TaskStatus = "aborted"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusAborted
}

// StepStatus mirrors a subset of the task lifecycle for one planned action.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepVerifying StepStatus = "verifying"
	StepDone      StepStatus = "done"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// RiskClass categorizes a tool's potential for damage.
type RiskClass string

const (
	RiskSafe        RiskClass = "safe"
	RiskSensitive   RiskClass = "sensitive"
	RiskDestructive RiskClass = "destructive"
)

// Task is one end-to-end user automation request.
type Task struct {
	ID         string     `json:"id"`
	Goal       string     `json:"goal"`
	Status     TaskStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt time.Time  `json:"finished_at,omitempty"`

	// Plan is the current revision; prior revisions are retained
	// read-only for audit.
	Plan       *Plan   `json:"plan,omitempty"`
	PriorPlans []*Plan `json:"prior_plans,omitempty"`

	// ReplansUsed counts full Replanning transitions against the budget.
	ReplansUsed int `json:"replans_used"`
}

// Clone returns a deep copy of the task, safe to hand to readers
// outside the goroutine driving it.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	out.Plan = t.Plan.clone()
	if t.PriorPlans != nil {
		out.PriorPlans = make([]*Plan, len(t.PriorPlans))
		for i, p := range t.PriorPlans {
			out.PriorPlans[i] = p.clone()
		}
	}
	return &out
}

// Plan is an ordered sequence of steps produced by one planner invocation.
type Plan struct {
	TaskID    string  `json:"task_id"`
	Revision  int     `json:"revision"`
	Rationale string  `json:"rationale,omitempty"`
	Steps     []*Step `json:"steps"`
}

// StepDraft is the planner's raw output for one step, before validation
// against the tool registry.
type StepDraft struct {
	Tool             string         `json:"tool"`
	Args             map[string]any `json:"args"`
	SuccessCriterion string         `json:"success_criterion"`
	Skippable        bool           `json:"skippable"`
	ParallelGroup    int            `json:"parallel_group,omitempty"`
}

// Step is one planned tool action. Immutable once created except for
// its status and result history.
type Step struct {
	ID               string         `json:"id"`
	Ordinal          int            `json:"ordinal"`
	Tool             string         `json:"tool"`
	Args             map[string]any `json:"args"`
	SuccessCriterion string         `json:"success_criterion"`
	// A blocked step is skipped only when the plan explicitly declared
	// it skippable; the zero value forces replanning, so a plan that
	// stays silent gets the safe default.
	Skippable bool `json:"skippable"`
	// ParallelGroup marks a contiguous run of independent steps. Zero
	// means sequential. Group membership is an explicit planner
	// annotation, never inferred.
	ParallelGroup int `json:"parallel_group,omitempty"`

	Status     StepStatus    `json:"status"`
	FailReason string        `json:"fail_reason,omitempty"`
	Attempts   []*Invocation `json:"attempts,omitempty"`
	Verdicts   []*Verdict    `json:"verdicts,omitempty"`
}

func (p *Plan) clone() *Plan {
	if p == nil {
		return nil
	}
	out := *p
	out.Steps = make([]*Step, len(p.Steps))
	for i, s := range p.Steps {
		out.Steps[i] = s.clone()
	}
	return &out
}

func (s *Step) clone() *Step {
	out := *s
	out.Args = cloneArgs(s.Args)
	if s.Attempts != nil {
		out.Attempts = make([]*Invocation, len(s.Attempts))
		for i, inv := range s.Attempts {
			out.Attempts[i] = inv.clone()
		}
	}
	if s.Verdicts != nil {
		out.Verdicts = make([]*Verdict, len(s.Verdicts))
		for i, v := range s.Verdicts {
			c := *v
			out.Verdicts[i] = &c
		}
	}
	return &out
}

func (inv *Invocation) clone() *Invocation {
	out := *inv
	out.Args = cloneArgs(inv.Args)
	if inv.Decision != nil {
		d := *inv.Decision
		out.Decision = &d
	}
	if inv.Result != nil {
		r := *inv.Result
		out.Result = &r
	}
	return &out
}

func cloneArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

// LastResult returns the execution result of the most recent attempt.
func (s *Step) LastResult() *ExecutionResult {
	for i := len(s.Attempts) - 1; i >= 0; i-- {
		if s.Attempts[i].Result != nil {
			return s.Attempts[i].Result
		}
	}
	return nil
}

// LastVerdict returns the most recent verdict, or nil.
func (s *Step) LastVerdict() *Verdict {
	if len(s.Verdicts) == 0 {
		return nil
	}
	return s.Verdicts[len(s.Verdicts)-1]
}

// Invocation is one concrete, validated attempt to execute a step.
// Append-only history, never mutated after its result is written.
type Invocation struct {
	ID      string         `json:"id"`
	StepID  string         `json:"step_id"`
	Attempt int            `json:"attempt"`
	Tool    string         `json:"tool"`
	Args    map[string]any `json:"args"`

	Decision *SecurityDecision `json:"decision,omitempty"`
	Result   *ExecutionResult  `json:"result,omitempty"`
}

// ExecFailureKind classifies a failed execution for the decision policy,
// so it never has to inspect heterogeneous raw errors.
type ExecFailureKind string

const (
	FailureNone        ExecFailureKind = ""
	FailureTimeout     ExecFailureKind = "timeout"
	FailureToolError   ExecFailureKind = "tool_error"
	FailureUnavailable ExecFailureKind = "tool_unavailable"
	FailureCancelled   ExecFailureKind = "cancelled"
)

// ExecutionResult is the normalized outcome of one invocation.
type ExecutionResult struct {
	Success     bool            `json:"success"`
	Payload     string          `json:"payload,omitempty"`
	ErrorDetail string          `json:"error_detail,omitempty"`
	FailureKind ExecFailureKind `json:"failure_kind,omitempty"`
	Duration    time.Duration   `json:"duration"`
	// ArtifactRef points at a captured artifact, e.g. a screenshot path.
	ArtifactRef string `json:"artifact_ref,omitempty"`
}

// VerdictValue is the verifier's judgment on a step result.
type VerdictValue string

const (
	VerdictSatisfied    VerdictValue = "satisfied"
	VerdictUnsatisfied  VerdictValue = "unsatisfied"
	VerdictInconclusive VerdictValue = "inconclusive"
)

// Verdict ties one judgment to one (step, result) pair.
type Verdict struct {
	StepID       string       `json:"step_id"`
	InvocationID string       `json:"invocation_id"`
	Value        VerdictValue `json:"value"`
	Confidence   float64      `json:"confidence"`
	Rationale    string       `json:"rationale,omitempty"`
}

// DecisionEffect is the security validator's gating outcome.
type DecisionEffect string

const (
	DecisionAllow   DecisionEffect = "allow"
	DecisionBlock   DecisionEffect = "block"
	DecisionConfirm DecisionEffect = "require-confirmation"
	DecisionBackup  DecisionEffect = "require-backup"
)

// SecurityDecision gates one invocation before execution. Immutable once
// made. A fulfilled require-backup carries the backup handle.
type SecurityDecision struct {
	Effect       DecisionEffect `json:"effect"`
	Reason       string         `json:"reason,omitempty"`
	BackupHandle string         `json:"backup_handle,omitempty"`
}

// HistoryEntry summarizes one resolved step for planner context during
// replanning and local repair.
type HistoryEntry struct {
	Ordinal   int            `json:"ordinal"`
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args"`
	Status    StepStatus     `json:"status"`
	Outcome   string         `json:"outcome,omitempty"`
	Verdict   VerdictValue   `json:"verdict,omitempty"`
	Rationale string         `json:"rationale,omitempty"`
}

// History flattens a task's current and prior plans into planner context,
// oldest first.
func (t *Task) History() []HistoryEntry {
	var out []HistoryEntry
	plans := append(append([]*Plan{}, t.PriorPlans...), t.Plan)
	for _, p := range plans {
		if p == nil {
			continue
		}
		for _, s := range p.Steps {
			if s.Status == StepPending {
				continue
			}
			e := HistoryEntry{
				Ordinal: s.Ordinal,
				Tool:    s.Tool,
				Args:    s.Args,
				Status:  s.Status,
			}
			if r := s.LastResult(); r != nil {
				if r.Success {
					e.Outcome = r.Payload
				} else {
					e.Outcome = r.ErrorDetail
				}
			}
			if s.FailReason != "" && e.Outcome == "" {
				e.Outcome = s.FailReason
			}
			if v := s.LastVerdict(); v != nil {
				e.Verdict = v.Value
				e.Rationale = v.Rationale
			}
			out = append(out, e)
		}
	}
	return out
}
