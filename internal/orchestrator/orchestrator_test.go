package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrey/deskpilot/internal/task"
	"github.com/andrey/deskpilot/internal/tools"
)

// ---- fakes ----

type memStore struct {
	mu          sync.Mutex
	tasks       map[string]*task.Task
	invocations []*task.Invocation
	results     map[string]*task.ExecutionResult
	verdicts    []*task.Verdict
	contexts    map[string]map[string]string
	savedPlans  int
}

func newMemStore() *memStore {
	return &memStore{
		tasks:    make(map[string]*task.Task),
		results:  make(map[string]*task.ExecutionResult),
		contexts: make(map[string]map[string]string),
	}
}

func (m *memStore) CreateTask(t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
	return nil
}

func (m *memStore) UpdateTaskStatus(id string, status task.TaskStatus) error { return nil }
func (m *memStore) SetTaskReplans(id string, replans int) error              { return nil }
func (m *memStore) SavePlan(p *task.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.savedPlans++
	return nil
}
func (m *memStore) UpdateStepStatus(stepID string, status task.StepStatus, failReason string) error {
	return nil
}

func (m *memStore) OpenTasks() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, t := range m.tasks {
		if !t.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memStore) AppendInvocation(inv *task.Invocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invocations = append(m.invocations, inv)
	return nil
}

func (m *memStore) AppendResult(invocationID string, r *task.ExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[invocationID] = r
	return nil
}

func (m *memStore) AppendVerdict(v *task.Verdict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verdicts = append(m.verdicts, v)
	return nil
}

func (m *memStore) SetContextValue(taskID, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.contexts[taskID] == nil {
		m.contexts[taskID] = make(map[string]string)
	}
	m.contexts[taskID][key] = value
	return nil
}

func (m *memStore) ContextSnapshot(taskID string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.contexts[taskID]))
	for k, v := range m.contexts[taskID] {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) LoadTask(id string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, task.ErrTaskNotFound
	}
	return t, nil
}

func (m *memStore) invocationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.invocations)
}

func (m *memStore) resultFor(invID string) *task.ExecutionResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.results[invID]
}

type fakePlanner struct {
	mu        sync.Mutex
	plans     [][]task.StepDraft
	errs      []error
	calls     int
	snapshots []map[string]string
	revise    func(step *task.Step) (map[string]any, error)
}

func (f *fakePlanner) Plan(ctx context.Context, goal string, snapshot map[string]string, history []task.HistoryEntry, manifest []tools.Descriptor) ([]task.StepDraft, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	f.snapshots = append(f.snapshots, snapshot)
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, "", f.errs[i]
	}
	if i >= len(f.plans) {
		i = len(f.plans) - 1
	}
	return f.plans[i], "planned", nil
}

func (f *fakePlanner) ReviseArgs(ctx context.Context, goal string, step *task.Step, history []task.HistoryEntry) (map[string]any, error) {
	if f.revise == nil {
		return nil, errors.New("no repair available")
	}
	return f.revise(step)
}

func (f *fakePlanner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeVerifier struct {
	mu     sync.Mutex
	script []task.VerdictValue
	calls  int
}

func (f *fakeVerifier) Verify(ctx context.Context, step *task.Step, result *task.ExecutionResult) (*task.Verdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	val := task.VerdictSatisfied
	if f.calls < len(f.script) {
		val = f.script[f.calls]
	}
	f.calls++
	return &task.Verdict{StepID: step.ID, Value: val, Confidence: 0.9, Rationale: string(val)}, nil
}

func (f *fakeVerifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeValidator struct {
	decisions map[string]task.SecurityDecision
}

func (f *fakeValidator) Validate(ctx context.Context, inv *task.Invocation, desc tools.Descriptor) task.SecurityDecision {
	if d, ok := f.decisions[inv.Tool]; ok {
		return d
	}
	return task.SecurityDecision{Effect: task.DecisionAllow, Reason: "allowed"}
}

type fakeExecutor struct {
	mu     sync.Mutex
	script []*task.ExecutionResult
	calls  int
	seen   []*task.Invocation
}

func (f *fakeExecutor) Execute(ctx context.Context, inv *task.Invocation, override time.Duration) *task.ExecutionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, inv)
	i := f.calls
	f.calls++
	if i < len(f.script) {
		return f.script[i]
	}
	return &task.ExecutionResult{Success: true, Payload: "ok"}
}

func (f *fakeExecutor) seenArgs() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, inv := range f.seen {
		out = append(out, inv.Args)
	}
	return out
}

type blockingExecutor struct {
	entered chan struct{}
	once    sync.Once
}

func (b *blockingExecutor) Execute(ctx context.Context, inv *task.Invocation, override time.Duration) *task.ExecutionResult {
	b.once.Do(func() { close(b.entered) })
	<-ctx.Done()
	return &task.ExecutionResult{FailureKind: task.FailureCancelled, ErrorDetail: "invocation cancelled"}
}

type yesConfirmer struct{ asked int }

func (y *yesConfirmer) Confirm(ctx context.Context, inv *task.Invocation, desc tools.Descriptor) bool {
	y.asked++
	return true
}

// ---- harness ----

type harness struct {
	orch     *Orchestrator
	store    *memStore
	planner  *fakePlanner
	verifier *fakeVerifier
	executor *fakeExecutor
}

func testRegistry(names ...string) *tools.Registry {
	r := tools.NewRegistry()
	for _, n := range names {
		r.Register(&registryTool{name: n})
	}
	r.Freeze()
	return r
}

type registryTool struct{ name string }

func (r *registryTool) Descriptor() tools.Descriptor {
	return tools.Descriptor{
		Name: r.name,
		Risk: task.RiskSafe,
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
		},
	}
}

func (r *registryTool) Invoke(ctx context.Context, args map[string]any) (tools.Envelope, error) {
	return tools.Ok("unused"), nil
}

func newHarness(deps Deps) *harness {
	h := &harness{
		store:    newMemStore(),
		planner:  &fakePlanner{},
		verifier: &fakeVerifier{},
		executor: &fakeExecutor{},
	}
	if deps.Store == nil {
		deps.Store = h.store
	} else {
		h.store = deps.Store.(*memStore)
	}
	if deps.Planner == nil {
		deps.Planner = h.planner
	} else {
		h.planner = deps.Planner.(*fakePlanner)
	}
	if deps.Verifier == nil {
		deps.Verifier = h.verifier
	}
	if deps.Validator == nil {
		deps.Validator = &fakeValidator{}
	}
	if deps.Executor == nil {
		deps.Executor = h.executor
	}
	if deps.Registry == nil {
		deps.Registry = testRegistry("echo", "risky")
	}
	h.orch = New(deps)
	return h
}

func draft(tool string, group int, skippable bool) task.StepDraft {
	return task.StepDraft{
		Tool:             tool,
		Args:             map[string]any{"text": "x"},
		SuccessCriterion: "it worked",
		Skippable:        skippable,
		ParallelGroup:    group,
	}
}

func startAndRun(t *testing.T, h *harness, goal string) *task.Task {
	t.Helper()
	id, err := h.orch.Start(context.Background(), goal)
	require.NoError(t, err)
	tk, err := h.orch.Run(context.Background(), id)
	require.NoError(t, err)
	return tk
}

// ---- scenarios ----

func TestRunHappyPath(t *testing.T) {
	h := newHarness(Deps{Planner: &fakePlanner{plans: [][]task.StepDraft{
		{draft("echo", 0, false), draft("echo", 0, false)},
	}}})

	tk := startAndRun(t, h, "do two things")

	assert.Equal(t, task.StatusSucceeded, tk.Status)
	require.Len(t, tk.Plan.Steps, 2)
	for _, st := range tk.Plan.Steps {
		assert.Equal(t, task.StepDone, st.Status)
		assert.Len(t, st.Attempts, 1)
		assert.Len(t, st.Verdicts, 1)
	}
	assert.Equal(t, 2, h.store.invocationCount())
	assert.Equal(t, "ok", h.store.contexts[tk.ID]["step_1_output"])
}

func TestUnsatisfiedRetriesThenSucceeds(t *testing.T) {
	h := newHarness(Deps{
		Planner:  &fakePlanner{plans: [][]task.StepDraft{{draft("echo", 0, false)}}},
		Verifier: &fakeVerifier{script: []task.VerdictValue{task.VerdictUnsatisfied, task.VerdictUnsatisfied, task.VerdictSatisfied}},
	})

	tk := startAndRun(t, h, "flaky step")

	assert.Equal(t, task.StatusSucceeded, tk.Status)
	assert.Equal(t, 3, h.store.invocationCount())
	assert.Equal(t, task.StepDone, tk.Plan.Steps[0].Status)
}

func TestExecutionFailuresChargeRetriesWithoutVerifier(t *testing.T) {
	verifier := &fakeVerifier{}
	h := newHarness(Deps{
		Planner:  &fakePlanner{plans: [][]task.StepDraft{{draft("echo", 0, false)}}},
		Verifier: verifier,
		Executor: &fakeExecutor{script: []*task.ExecutionResult{
			{FailureKind: task.FailureTimeout, ErrorDetail: "deadline"},
			{FailureKind: task.FailureToolError, ErrorDetail: "flake"},
			{Success: true, Payload: "ok"},
		}},
	})

	tk := startAndRun(t, h, "unstable tool")

	assert.Equal(t, task.StatusSucceeded, tk.Status)
	assert.Equal(t, 3, h.store.invocationCount())
	// Failed executions are judged unsatisfied locally, never sent out.
	assert.Equal(t, 1, verifier.callCount())
	assert.Len(t, tk.Plan.Steps[0].Verdicts, 3)
}

func TestRetryExhaustionReplansThenFails(t *testing.T) {
	planner := &fakePlanner{plans: [][]task.StepDraft{
		{draft("echo", 0, false)},
		{draft("echo", 0, false)},
	}}
	h := newHarness(Deps{
		Planner:  planner,
		Verifier: &fakeVerifier{script: []task.VerdictValue{task.VerdictUnsatisfied, task.VerdictUnsatisfied, task.VerdictUnsatisfied, task.VerdictUnsatisfied}},
		Budgets:  Budgets{RetryLimit: 2, ReplanBudget: 1},
	})

	tk := startAndRun(t, h, "never works")

	assert.Equal(t, task.StatusFailed, tk.Status)
	assert.Equal(t, 1, tk.ReplansUsed)
	assert.Equal(t, 2, planner.callCount())
	assert.Equal(t, 4, h.store.invocationCount(), "2 attempts per plan revision")
	require.Len(t, tk.PriorPlans, 1)
}

func TestFirstInconclusiveVerdictIsFree(t *testing.T) {
	h := newHarness(Deps{
		Planner: &fakePlanner{plans: [][]task.StepDraft{{draft("echo", 0, false)}}},
		Verifier: &fakeVerifier{script: []task.VerdictValue{
			task.VerdictInconclusive,
			task.VerdictUnsatisfied,
			task.VerdictUnsatisfied,
			task.VerdictUnsatisfied,
		}},
		Budgets: Budgets{RetryLimit: 3, ReplanBudget: -1},
	})

	tk := startAndRun(t, h, "murky evidence")

	assert.Equal(t, task.StatusFailed, tk.Status)
	assert.Equal(t, 4, h.store.invocationCount(), "one free inconclusive on top of the retry limit")
}

func TestRepeatedInconclusiveChargesAfterGrace(t *testing.T) {
	h := newHarness(Deps{
		Planner: &fakePlanner{plans: [][]task.StepDraft{{draft("echo", 0, false)}}},
		Verifier: &fakeVerifier{script: []task.VerdictValue{
			task.VerdictInconclusive,
			task.VerdictInconclusive,
			task.VerdictInconclusive,
			task.VerdictInconclusive,
		}},
		Budgets: Budgets{RetryLimit: 3, ReplanBudget: -1},
	})

	tk := startAndRun(t, h, "always murky")

	assert.Equal(t, task.StatusFailed, tk.Status)
	assert.Equal(t, 4, h.store.invocationCount(), "grace applies exactly once per step")
}

func TestBlockedSkippableStepIsSkipped(t *testing.T) {
	h := newHarness(Deps{
		Planner: &fakePlanner{plans: [][]task.StepDraft{
			{draft("risky", 0, true), draft("echo", 0, false)},
		}},
		Validator: &fakeValidator{decisions: map[string]task.SecurityDecision{
			"risky": {Effect: task.DecisionBlock, Reason: "policy"},
		}},
	})

	tk := startAndRun(t, h, "partly blocked")

	assert.Equal(t, task.StatusSucceeded, tk.Status)

	blocked := tk.Plan.Steps[0]
	assert.Equal(t, task.StepSkipped, blocked.Status)
	require.Len(t, blocked.Attempts, 1)
	assert.Equal(t, task.DecisionBlock, blocked.Attempts[0].Decision.Effect)
	assert.Nil(t, blocked.Attempts[0].Result, "blocked invocations never execute")
	assert.Nil(t, h.store.resultFor(blocked.Attempts[0].ID))
	assert.Empty(t, blocked.Verdicts, "nothing to verify without a result")

	assert.Equal(t, task.StepDone, tk.Plan.Steps[1].Status)
}

func TestBlockedUndeclaredStepForcesReplan(t *testing.T) {
	// A plan that says nothing about skippability gets the safe default:
	// a block escalates to replanning, never a silent skip.
	planner := &fakePlanner{plans: [][]task.StepDraft{
		{{Tool: "risky", Args: map[string]any{"text": "x"}, SuccessCriterion: "it worked"}},
		{draft("echo", 0, false)},
	}}
	h := newHarness(Deps{
		Planner: planner,
		Validator: &fakeValidator{decisions: map[string]task.SecurityDecision{
			"risky": {Effect: task.DecisionBlock, Reason: "policy"},
		}},
	})

	tk := startAndRun(t, h, "undeclared blocked")

	assert.Equal(t, task.StatusSucceeded, tk.Status)
	assert.Equal(t, 1, tk.ReplansUsed)
	require.Len(t, tk.PriorPlans, 1)
	assert.Equal(t, task.StepFailed, tk.PriorPlans[0].Steps[0].Status)
	assert.Contains(t, tk.PriorPlans[0].Steps[0].FailReason, "blocked")
	assert.Contains(t, h.store.contexts[tk.ID]["last_replan_reason"], "blocked")
}

func TestConfirmationWithoutConfirmerBlocks(t *testing.T) {
	h := newHarness(Deps{
		Planner: &fakePlanner{plans: [][]task.StepDraft{
			{draft("risky", 0, true), draft("echo", 0, false)},
		}},
		Validator: &fakeValidator{decisions: map[string]task.SecurityDecision{
			"risky": {Effect: task.DecisionConfirm, Reason: "sensitive"},
		}},
	})

	tk := startAndRun(t, h, "needs confirmation")

	assert.Equal(t, task.StatusSucceeded, tk.Status)
	assert.Equal(t, task.StepSkipped, tk.Plan.Steps[0].Status)
}

func TestConfirmationGrantedProceeds(t *testing.T) {
	confirmer := &yesConfirmer{}
	h := newHarness(Deps{
		Planner: &fakePlanner{plans: [][]task.StepDraft{{draft("risky", 0, false)}}},
		Validator: &fakeValidator{decisions: map[string]task.SecurityDecision{
			"risky": {Effect: task.DecisionConfirm, Reason: "sensitive"},
		}},
		Confirmer: confirmer,
	})

	tk := startAndRun(t, h, "needs confirmation")

	assert.Equal(t, task.StatusSucceeded, tk.Status)
	assert.Equal(t, 1, confirmer.asked)
	st := tk.Plan.Steps[0]
	assert.Equal(t, task.StepDone, st.Status)
	assert.Equal(t, task.DecisionAllow, st.Attempts[0].Decision.Effect)
}

func TestStartFailsWhenPlannerRefuses(t *testing.T) {
	refusal := task.NewPlanningError(task.PlanningRefused, errors.New("declined"))
	h := newHarness(Deps{Planner: &fakePlanner{errs: []error{refusal}, plans: [][]task.StepDraft{nil}}})

	id, err := h.orch.Start(context.Background(), "impossible goal")
	require.Error(t, err)
	var perr *task.PlanningError
	assert.ErrorAs(t, err, &perr)

	tk, serr := h.orch.Status(id)
	require.NoError(t, serr)
	assert.Equal(t, task.StatusFailed, tk.Status)
}

func TestStructurallyInvalidPlanGetsOneReRequest(t *testing.T) {
	planner := &fakePlanner{plans: [][]task.StepDraft{
		{draft("ghost", 0, false)}, // unknown tool
		{draft("echo", 0, false)},
	}}
	h := newHarness(Deps{Planner: planner})

	tk := startAndRun(t, h, "needs a valid plan")

	assert.Equal(t, task.StatusSucceeded, tk.Status)
	require.Equal(t, 2, planner.callCount())
	assert.Contains(t, planner.snapshots[1]["plan_rejected"], "tool not found")
}

func TestStructurallyInvalidPlanTwiceIsMalformed(t *testing.T) {
	planner := &fakePlanner{plans: [][]task.StepDraft{
		{draft("ghost", 0, false)},
		{draft("ghost", 0, false)},
	}}
	h := newHarness(Deps{Planner: planner})

	_, err := h.orch.Start(context.Background(), "hopeless")
	var perr *task.PlanningError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, task.PlanningMalformed, perr.Kind)
	assert.Equal(t, 2, planner.callCount())
}

func TestCancelAbortsInFlightStep(t *testing.T) {
	exec := &blockingExecutor{entered: make(chan struct{})}
	h := newHarness(Deps{
		Planner:  &fakePlanner{plans: [][]task.StepDraft{{draft("echo", 0, false)}}},
		Executor: exec,
	})

	id, err := h.orch.Start(context.Background(), "long running")
	require.NoError(t, err)

	done := make(chan *task.Task, 1)
	go func() {
		tk, _ := h.orch.Run(context.Background(), id)
		done <- tk
	}()

	<-exec.entered
	require.NoError(t, h.orch.Cancel(id))

	select {
	case tk := <-done:
		assert.Equal(t, task.StatusAborted, tk.Status)
		assert.Equal(t, task.StepFailed, tk.Plan.Steps[0].Status)
		assert.Equal(t, "cancelled", tk.Plan.Steps[0].FailReason)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not observe cancellation")
	}

	// Cancel is idempotent on a terminal task.
	require.NoError(t, h.orch.Cancel(id))
	tk, err := h.orch.Status(id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusAborted, tk.Status)
}

func TestCancelBeforeRunAborts(t *testing.T) {
	h := newHarness(Deps{Planner: &fakePlanner{plans: [][]task.StepDraft{{draft("echo", 0, false)}}}})

	id, err := h.orch.Start(context.Background(), "queued goal")
	require.NoError(t, err)
	require.NoError(t, h.orch.Cancel(id))

	tk, err := h.orch.Status(id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusAborted, tk.Status)

	_, err = h.orch.Run(context.Background(), id)
	assert.ErrorIs(t, err, task.ErrTaskTerminal)
}

func TestParallelGroupRunsEveryMember(t *testing.T) {
	h := newHarness(Deps{Planner: &fakePlanner{plans: [][]task.StepDraft{
		{draft("echo", 1, false), draft("echo", 1, false), draft("echo", 1, false)},
	}}})

	tk := startAndRun(t, h, "three at once")

	assert.Equal(t, task.StatusSucceeded, tk.Status)
	assert.Equal(t, 3, h.store.invocationCount())
	for _, st := range tk.Plan.Steps {
		assert.Equal(t, task.StepDone, st.Status)
		assert.Len(t, st.Verdicts, 1, "each member is verified individually")
	}
}

func TestParallelGroupBlockedMemberForcesReplan(t *testing.T) {
	planner := &fakePlanner{plans: [][]task.StepDraft{
		{draft("echo", 1, false), draft("risky", 1, false)},
		{draft("echo", 0, false)},
	}}
	h := newHarness(Deps{
		Planner: planner,
		Validator: &fakeValidator{decisions: map[string]task.SecurityDecision{
			"risky": {Effect: task.DecisionBlock, Reason: "policy"},
		}},
	})

	tk := startAndRun(t, h, "mixed group")

	assert.Equal(t, task.StatusSucceeded, tk.Status)
	assert.Equal(t, 1, tk.ReplansUsed)
	// The sibling in the group still ran to completion before the merge.
	assert.Equal(t, task.StepDone, tk.PriorPlans[0].Steps[0].Status)
	assert.Equal(t, task.StepFailed, tk.PriorPlans[0].Steps[1].Status)
}

func TestContextSubstitutionBetweenSteps(t *testing.T) {
	exec := &fakeExecutor{script: []*task.ExecutionResult{
		{Success: true, Payload: "SECRET-TOKEN"},
		{Success: true, Payload: "ok"},
	}}
	planner := &fakePlanner{plans: [][]task.StepDraft{{
		draft("echo", 0, false),
		{Tool: "echo", Args: map[string]any{"text": "use ${step_1_output} here"}, SuccessCriterion: "used"},
	}}}
	h := newHarness(Deps{Planner: planner, Executor: exec})

	tk := startAndRun(t, h, "chained steps")

	assert.Equal(t, task.StatusSucceeded, tk.Status)
	args := exec.seenArgs()
	require.Len(t, args, 2)
	assert.Equal(t, "use SECRET-TOKEN here", args[1]["text"])
}

func TestRecoverResetsInterruptedSteps(t *testing.T) {
	h := newHarness(Deps{})
	interrupted := &task.Task{
		ID:        "zombie-1",
		Goal:      "resume me",
		Status:    task.StatusVerifying,
		CreatedAt: time.Now(),
		Plan: &task.Plan{TaskID: "zombie-1", Revision: 1, Steps: []*task.Step{
			{ID: "z1", Ordinal: 1, Tool: "echo", Args: map[string]any{"text": "x"}, SuccessCriterion: "c", Status: task.StepDone},
			{ID: "z2", Ordinal: 2, Tool: "echo", Args: map[string]any{"text": "x"}, SuccessCriterion: "c", Status: task.StepRunning},
		}},
	}
	require.NoError(t, h.store.CreateTask(interrupted))

	ids, err := h.orch.Recover()
	require.NoError(t, err)
	require.Equal(t, []string{"zombie-1"}, ids)
	assert.Equal(t, task.StepPending, interrupted.Plan.Steps[1].Status, "interrupted step re-executes, never silently skipped")

	tk, err := h.orch.Run(context.Background(), "zombie-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusSucceeded, tk.Status)
	assert.Equal(t, 1, h.store.invocationCount(), "only the interrupted step runs again")
}

func TestLocalRepairUsesRevisedArgs(t *testing.T) {
	exec := &fakeExecutor{}
	planner := &fakePlanner{
		plans: [][]task.StepDraft{{draft("echo", 0, false)}},
		revise: func(step *task.Step) (map[string]any, error) {
			return map[string]any{"text": "repaired"}, nil
		},
	}
	h := newHarness(Deps{
		Planner:  planner,
		Executor: exec,
		Verifier: &fakeVerifier{script: []task.VerdictValue{task.VerdictUnsatisfied, task.VerdictSatisfied}},
	})

	tk := startAndRun(t, h, "repairable")

	assert.Equal(t, task.StatusSucceeded, tk.Status)
	args := exec.seenArgs()
	require.Len(t, args, 2)
	assert.Equal(t, "x", args[0]["text"])
	assert.Equal(t, "repaired", args[1]["text"])
}

func TestStatusReturnsDetachedSnapshot(t *testing.T) {
	exec := &blockingExecutor{entered: make(chan struct{})}
	h := newHarness(Deps{
		Planner:  &fakePlanner{plans: [][]task.StepDraft{{draft("echo", 0, false)}}},
		Executor: exec,
	})

	id, err := h.orch.Start(context.Background(), "long running")
	require.NoError(t, err)

	done := make(chan *task.Task, 1)
	go func() {
		tk, _ := h.orch.Run(context.Background(), id)
		done <- tk
	}()
	<-exec.entered

	snap, err := h.orch.Status(id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusExecuting, snap.Status)
	require.Len(t, snap.Plan.Steps, 1)
	assert.Equal(t, task.StepRunning, snap.Plan.Steps[0].Status)

	// Writes to the snapshot never reach the live run.
	snap.Status = task.StatusSucceeded
	snap.Plan.Steps[0].Status = task.StepDone

	again, err := h.orch.Status(id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusExecuting, again.Status)
	assert.Equal(t, task.StepRunning, again.Plan.Steps[0].Status)

	require.NoError(t, h.orch.Cancel(id))
	select {
	case tk := <-done:
		assert.Equal(t, task.StatusAborted, tk.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not observe cancellation")
	}
}

func TestEventsStreamLifecycle(t *testing.T) {
	h := newHarness(Deps{Planner: &fakePlanner{plans: [][]task.StepDraft{{draft("echo", 0, false)}}}})

	events, unsub := h.orch.Subscribe()
	defer unsub()

	tk := startAndRun(t, h, "observable")
	require.Equal(t, task.StatusSucceeded, tk.Status)

	var kinds []EventKind
	for {
		select {
		case evt := <-events:
			kinds = append(kinds, evt.Kind)
			if evt.Kind == EventTaskFinished {
				assert.Equal(t, task.StatusSucceeded, evt.Status)
				assert.Contains(t, kinds, EventTaskStarted)
				assert.Contains(t, kinds, EventPlanReady)
				assert.Contains(t, kinds, EventStepStarted)
				return
			}
		case <-time.After(time.Second):
			t.Fatalf("missing task_finished event, saw %v", kinds)
		}
	}
}
