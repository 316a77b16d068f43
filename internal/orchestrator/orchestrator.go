package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andrey/deskpilot/internal/observability"
	"github.com/andrey/deskpilot/internal/task"
	"github.com/andrey/deskpilot/internal/tools"
)

// Planner proposes and repairs plans.
type Planner interface {
	Plan(ctx context.Context, goal string, snapshot map[string]string, history []task.HistoryEntry, manifest []tools.Descriptor) ([]task.StepDraft, string, error)
	ReviseArgs(ctx context.Context, goal string, step *task.Step, history []task.HistoryEntry) (map[string]any, error)
}

// Verifier judges one (step, result) pair.
type Verifier interface {
	Verify(ctx context.Context, step *task.Step, result *task.ExecutionResult) (*task.Verdict, error)
}

// Validator gates one invocation before execution.
type Validator interface {
	Validate(ctx context.Context, inv *task.Invocation, desc tools.Descriptor) task.SecurityDecision
}

// Executor runs one validated invocation.
type Executor interface {
	Execute(ctx context.Context, inv *task.Invocation, override time.Duration) *task.ExecutionResult
}

// Confirmer resolves require-confirmation decisions with the user.
// A nil Confirmer downgrades every confirmation request to a block.
type Confirmer interface {
	Confirm(ctx context.Context, inv *task.Invocation, desc tools.Descriptor) bool
}

// Store is the persistence surface the state machine drives. Every
// transition is written before the next action is taken.
type Store interface {
	CreateTask(t *task.Task) error
	UpdateTaskStatus(id string, status task.TaskStatus) error
	SetTaskReplans(id string, replans int) error
	OpenTasks() ([]string, error)
	SavePlan(p *task.Plan) error
	UpdateStepStatus(stepID string, status task.StepStatus, failReason string) error
	AppendInvocation(inv *task.Invocation) error
	AppendResult(invocationID string, r *task.ExecutionResult) error
	AppendVerdict(v *task.Verdict) error
	SetContextValue(taskID, key, value string) error
	ContextSnapshot(taskID string) (map[string]string, error)
	LoadTask(id string) (*task.Task, error)
}

// Budgets bounds retries and replans. Zero values take the defaults.
type Budgets struct {
	// RetryLimit caps charged attempts per step.
	RetryLimit int
	// ReplanBudget caps full replanning transitions per task.
	ReplanBudget int
}

const (
	DefaultRetryLimit   = 3
	DefaultReplanBudget = 2
)

// Deps collects every collaborator the orchestrator drives.
type Deps struct {
	Planner   Planner
	Verifier  Verifier
	Validator Validator
	Executor  Executor
	Store     Store
	Registry  *tools.Registry
	Confirmer Confirmer
	Logger    *observability.Logger
	Budgets   Budgets
}

// Orchestrator owns the task state machine. All decisions about
// retrying, replanning, skipping and terminating live here; the
// collaborators stay policy-free.
type Orchestrator struct {
	deps Deps
	bus  *eventBus

	mu       sync.Mutex
	active   map[string]*run
	prepared map[string]*task.Task

	// stateMu guards the mutable fields of live tasks (statuses,
	// attempt history, plan swaps) so Status can snapshot a consistent
	// copy while the run goroutine keeps writing.
	stateMu sync.Mutex
}

type run struct {
	t         *task.Task
	cancel    context.CancelFunc
	cancelled bool
}

func New(deps Deps) *Orchestrator {
	if deps.Budgets.RetryLimit == 0 {
		deps.Budgets.RetryLimit = DefaultRetryLimit
	}
	if deps.Budgets.ReplanBudget == 0 {
		deps.Budgets.ReplanBudget = DefaultReplanBudget
	}
	return &Orchestrator{
		deps:     deps,
		bus:      newEventBus(),
		active:   make(map[string]*run),
		prepared: make(map[string]*task.Task),
	}
}

// Subscribe returns a channel of lifecycle events and a cancel function.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	return o.bus.subscribe()
}

// Start creates a task for the goal and produces its initial plan. The
// task id is returned even when planning fails; in that case the task
// is already terminal and the planning error is returned alongside.
func (o *Orchestrator) Start(ctx context.Context, goal string) (string, error) {
	t := &task.Task{
		ID:        uuid.NewString(),
		Goal:      goal,
		Status:    task.StatusPlanning,
		CreatedAt: time.Now(),
	}
	if err := o.deps.Store.CreateTask(t); err != nil {
		return "", err
	}
	o.bus.publish(Event{Kind: EventTaskStarted, TaskID: t.ID, Goal: goal, Status: t.Status})
	o.deps.Logger.LogTask(t.ID, string(t.Status), goal)

	plan, err := o.requestPlan(ctx, t)
	if err != nil {
		o.finish(t, task.StatusFailed, "planning failed: "+err.Error())
		return t.ID, err
	}
	t.Plan = plan
	o.persist(o.deps.Store.SavePlan(plan))
	o.bus.publish(Event{Kind: EventPlanReady, TaskID: t.ID, Detail: plan.Rationale})
	o.setTaskStatus(t, task.StatusExecuting)

	o.mu.Lock()
	o.prepared[t.ID] = t
	o.mu.Unlock()
	return t.ID, nil
}

// Run drives the task to a terminal status. It returns the task in its
// final state; reaching Failed or Aborted is a normal return, not an
// error. Calling Run on a terminal task returns ErrTaskTerminal.
func (o *Orchestrator) Run(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := o.checkout(taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return t, task.ErrTaskTerminal
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &run{t: t, cancel: cancel}
	o.mu.Lock()
	o.active[taskID] = r
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.active, taskID)
		o.mu.Unlock()
	}()

	// A task recovered mid-planning has no plan yet.
	if t.Plan == nil {
		plan, err := o.requestPlan(runCtx, t)
		if err != nil {
			o.finish(t, task.StatusFailed, "planning failed: "+err.Error())
			return t, nil
		}
		o.stateMu.Lock()
		t.Plan = plan
		o.stateMu.Unlock()
		o.persist(o.deps.Store.SavePlan(plan))
		o.bus.publish(Event{Kind: EventPlanReady, TaskID: t.ID, Detail: plan.Rationale})
		o.setTaskStatus(t, task.StatusExecuting)
	}

	for {
		if o.interrupted(runCtx, r) {
			o.finish(t, task.StatusAborted, "cancelled")
			return t, nil
		}

		group := nextGroup(t.Plan)
		if len(group) == 0 {
			o.finish(t, task.StatusSucceeded, "all steps resolved")
			return t, nil
		}

		outcomes := o.executeGroup(runCtx, t, group)

		if outcomes.cancelled {
			o.finish(t, task.StatusAborted, "cancelled")
			return t, nil
		}
		if outcomes.needReplan {
			if err := o.replan(runCtx, t, outcomes.reason); err != nil {
				o.finish(t, task.StatusFailed, err.Error())
				return t, nil
			}
		}
	}
}

// Cancel aborts a task. In-flight work is interrupted; a task with no
// active run is marked aborted directly. Cancelling a terminal task is
// a no-op.
func (o *Orchestrator) Cancel(taskID string) error {
	o.mu.Lock()
	r, running := o.active[taskID]
	if running {
		r.cancelled = true
		r.cancel()
	}
	o.mu.Unlock()
	if running {
		return nil
	}

	o.mu.Lock()
	if t, ok := o.prepared[taskID]; ok {
		delete(o.prepared, taskID)
		o.mu.Unlock()
		if !t.Status.Terminal() {
			o.finish(t, task.StatusAborted, "cancelled before execution")
		}
		return nil
	}
	o.mu.Unlock()

	t, err := o.deps.Store.LoadTask(taskID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return nil
	}
	o.finish(t, task.StatusAborted, "cancelled")
	return nil
}

// Status returns the task's current state, preferring the in-memory
// copy of an active run over the persisted one. Live tasks are returned
// as detached snapshots; callers never see the run goroutine's writes.
func (o *Orchestrator) Status(taskID string) (*task.Task, error) {
	o.mu.Lock()
	var t *task.Task
	if r, ok := o.active[taskID]; ok {
		t = r.t
	} else if p, ok := o.prepared[taskID]; ok {
		t = p
	}
	o.mu.Unlock()

	if t != nil {
		o.stateMu.Lock()
		snap := t.Clone()
		o.stateMu.Unlock()
		return snap, nil
	}
	return o.deps.Store.LoadTask(taskID)
}

// Recover reloads every non-terminal task from the store and stages it
// for Run. Steps interrupted mid-flight are reset to pending so they
// re-execute; a step is never silently skipped.
func (o *Orchestrator) Recover() ([]string, error) {
	ids, err := o.deps.Store.OpenTasks()
	if err != nil {
		return nil, err
	}
	var recovered []string
	for _, id := range ids {
		t, err := o.deps.Store.LoadTask(id)
		if err != nil {
			log.Printf("recover: cannot load task %s: %v", id, err)
			continue
		}
		if t.Plan != nil {
			for _, st := range t.Plan.Steps {
				if st.Status == task.StepRunning || st.Status == task.StepVerifying {
					st.Status = task.StepPending
					o.persist(o.deps.Store.UpdateStepStatus(st.ID, task.StepPending, ""))
				}
			}
		}
		if t.Status == task.StatusVerifying || t.Status == task.StatusReplanning {
			o.setTaskStatus(t, task.StatusExecuting)
		}
		o.mu.Lock()
		o.prepared[id] = t
		o.mu.Unlock()
		recovered = append(recovered, id)
	}
	return recovered, nil
}

// checkout fetches the task for Run, preferring a staged in-memory copy.
func (o *Orchestrator) checkout(taskID string) (*task.Task, error) {
	o.mu.Lock()
	if t, ok := o.prepared[taskID]; ok {
		delete(o.prepared, taskID)
		o.mu.Unlock()
		return t, nil
	}
	o.mu.Unlock()
	return o.deps.Store.LoadTask(taskID)
}

func (o *Orchestrator) interrupted(ctx context.Context, r *run) bool {
	o.mu.Lock()
	cancelled := r.cancelled
	o.mu.Unlock()
	return cancelled || ctx.Err() != nil
}

// requestPlan asks the planner for a plan and validates it against the
// registry. A structurally invalid plan earns exactly one re-request
// with the rejection spelled out; a second invalid plan surfaces as a
// malformed PlanningError.
func (o *Orchestrator) requestPlan(ctx context.Context, t *task.Task) (*task.Plan, error) {
	snapshot, err := o.deps.Store.ContextSnapshot(t.ID)
	if err != nil {
		snapshot = map[string]string{}
	}
	manifest := o.deps.Registry.Descriptors()

	drafts, rationale, err := o.deps.Planner.Plan(ctx, t.Goal, snapshot, t.History(), manifest)
	if err != nil {
		return nil, err
	}
	plan, verr := o.materialize(t, drafts, rationale)
	if verr == nil {
		return plan, nil
	}

	retrySnapshot := make(map[string]string, len(snapshot)+1)
	for k, v := range snapshot {
		retrySnapshot[k] = v
	}
	retrySnapshot["plan_rejected"] = verr.Error()
	drafts, rationale, err = o.deps.Planner.Plan(ctx, t.Goal, retrySnapshot, t.History(), manifest)
	if err != nil {
		return nil, err
	}
	plan, verr = o.materialize(t, drafts, rationale)
	if verr != nil {
		return nil, task.NewPlanningError(task.PlanningMalformed, verr)
	}
	return plan, nil
}

// materialize turns planner drafts into a validated plan revision.
// Every step must name a registered tool, satisfy that tool's required
// arguments and carry a success criterion.
func (o *Orchestrator) materialize(t *task.Task, drafts []task.StepDraft, rationale string) (*task.Plan, error) {
	revision := 1
	if t.Plan != nil {
		revision = t.Plan.Revision + 1
	}
	plan := &task.Plan{TaskID: t.ID, Revision: revision, Rationale: rationale}

	for i, d := range drafts {
		_, desc, err := o.deps.Registry.Resolve(d.Tool)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		args, err := tools.SanitizeArgs(desc, d.Args)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		if d.SuccessCriterion == "" {
			return nil, fmt.Errorf("step %d (%s): missing success criterion", i+1, d.Tool)
		}
		group := d.ParallelGroup
		if group < 0 {
			group = 0
		}
		plan.Steps = append(plan.Steps, &task.Step{
			ID:               uuid.NewString(),
			Ordinal:          i + 1,
			Tool:             d.Tool,
			Args:             args,
			SuccessCriterion: d.SuccessCriterion,
			Skippable:        d.Skippable,
			ParallelGroup:    group,
			Status:           task.StepPending,
		})
	}
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("plan contains no steps")
	}
	return plan, nil
}

// replan archives the current plan and requests a revised one carrying
// the full execution history. Exhausting the replan budget fails the
// task.
func (o *Orchestrator) replan(ctx context.Context, t *task.Task, reason string) error {
	if t.ReplansUsed >= o.deps.Budgets.ReplanBudget {
		return fmt.Errorf("%w after %d replans: %s", task.ErrReplanBudgetExhausted, t.ReplansUsed, reason)
	}
	o.setTaskStatus(t, task.StatusReplanning)
	o.stateMu.Lock()
	t.ReplansUsed++
	replans := t.ReplansUsed
	o.stateMu.Unlock()
	o.persist(o.deps.Store.SetTaskReplans(t.ID, replans))
	o.persist(o.deps.Store.SetContextValue(t.ID, "last_replan_reason", reason))

	o.setTaskStatus(t, task.StatusPlanning)
	plan, err := o.requestPlan(ctx, t)
	if err != nil {
		return fmt.Errorf("replanning failed: %w", err)
	}
	o.stateMu.Lock()
	t.PriorPlans = append(t.PriorPlans, t.Plan)
	t.Plan = plan
	o.stateMu.Unlock()
	o.persist(o.deps.Store.SavePlan(plan))
	o.deps.Logger.Log(observability.Event{
		Type:   observability.EventTypeReplan,
		TaskID: t.ID,
		Data:   map[string]any{"revision": plan.Revision, "reason": reason},
	})
	o.bus.publish(Event{Kind: EventReplanned, TaskID: t.ID, Detail: reason})
	o.setTaskStatus(t, task.StatusExecuting)
	return nil
}

func (o *Orchestrator) setTaskStatus(t *task.Task, status task.TaskStatus) {
	o.stateMu.Lock()
	t.Status = status
	o.stateMu.Unlock()
	o.persist(o.deps.Store.UpdateTaskStatus(t.ID, status))
}

func (o *Orchestrator) finish(t *task.Task, status task.TaskStatus, detail string) {
	o.stateMu.Lock()
	t.Status = status
	t.FinishedAt = time.Now()
	o.stateMu.Unlock()
	o.persist(o.deps.Store.UpdateTaskStatus(t.ID, status))
	o.deps.Logger.LogTask(t.ID, string(status), detail)
	o.bus.publish(Event{Kind: EventTaskFinished, TaskID: t.ID, Status: status, Detail: detail})
}

// persist logs storage failures without aborting the run; the in-memory
// state machine stays authoritative for the current process.
func (o *Orchestrator) persist(err error) {
	if err != nil {
		log.Printf("orchestrator: persistence error: %v", err)
	}
}

// nextGroup returns the next unit of work: either a single sequential
// step or a contiguous run of pending steps sharing a non-zero
// parallel group. An empty result means the plan is fully resolved.
func nextGroup(plan *task.Plan) []*task.Step {
	for i, st := range plan.Steps {
		if st.Status != task.StepPending {
			continue
		}
		if st.ParallelGroup == 0 {
			return []*task.Step{st}
		}
		group := []*task.Step{st}
		for j := i + 1; j < len(plan.Steps); j++ {
			next := plan.Steps[j]
			if next.Status != task.StepPending || next.ParallelGroup != st.ParallelGroup {
				break
			}
			group = append(group, next)
		}
		return group
	}
	return nil
}
