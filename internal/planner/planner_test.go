package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/andrey/deskpilot/internal/task"
	"github.com/andrey/deskpilot/internal/tools"
)

type fakeModel struct {
	responses []*llms.ContentResponse
	errs      []error
	calls     int
	lastMsgs  []llms.MessageContent
}

func (m *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	i := m.calls
	m.calls++
	m.lastMsgs = messages
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if i >= len(m.responses) {
		i = len(m.responses) - 1
	}
	return m.responses[i], nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return "", errors.New("not implemented")
}

func toolCallResponse(name, args string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		ToolCalls: []llms.ToolCall{{
			Type:         "function",
			FunctionCall: &llms.FunctionCall{Name: name, Arguments: args},
		}},
	}}}
}

func proseResponse(text string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: text}}}
}

func manifest() []tools.Descriptor {
	return []tools.Descriptor{{
		Name:        "web.search",
		Description: "Search the web.",
		Risk:        task.RiskSafe,
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"query": map[string]any{"type": "string"}},
			"required":   []string{"query"},
		},
	}}
}

func TestPlanParsesProposedSteps(t *testing.T) {
	model := &fakeModel{responses: []*llms.ContentResponse{
		toolCallResponse("propose_plan", `{
			"rationale": "search then summarize",
			"steps": [
				{"tool": "web.search", "args": {"query": "golang news"}, "success_criterion": "results listed", "skippable": true},
				{"tool": "web.search", "args": {"query": "golang releases"}, "success_criterion": "results listed", "parallel_group": 1}
			]
		}`),
	}}

	p := New(model, "")
	drafts, rationale, err := p.Plan(context.Background(), "find go news", nil, nil, manifest())
	require.NoError(t, err)
	assert.Equal(t, "search then summarize", rationale)
	require.Len(t, drafts, 2)
	assert.Equal(t, "web.search", drafts[0].Tool)
	assert.True(t, drafts[0].Skippable)
	assert.False(t, drafts[1].Skippable, "undeclared steps stay required")
	assert.Equal(t, 1, drafts[1].ParallelGroup)
}

func TestPlanRetriesOnceOnMalformedOutput(t *testing.T) {
	model := &fakeModel{responses: []*llms.ContentResponse{
		toolCallResponse("propose_plan", `{not json`),
		toolCallResponse("propose_plan", `{"steps": [{"tool": "web.search", "args": {"query": "x"}, "success_criterion": "done"}]}`),
	}}

	p := New(model, "")
	drafts, _, err := p.Plan(context.Background(), "goal", nil, nil, manifest())
	require.NoError(t, err)
	assert.Len(t, drafts, 1)
	assert.Equal(t, 2, model.calls)
}

func TestPlanMalformedTwiceSurfacesError(t *testing.T) {
	model := &fakeModel{responses: []*llms.ContentResponse{
		toolCallResponse("propose_plan", `{"steps": []}`),
		toolCallResponse("propose_plan", `{"steps": []}`),
	}}

	p := New(model, "")
	_, _, err := p.Plan(context.Background(), "goal", nil, nil, manifest())
	var perr *task.PlanningError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, task.PlanningMalformed, perr.Kind)
	assert.Equal(t, 2, model.calls)
}

func TestPlanProseAnswerIsRefusal(t *testing.T) {
	model := &fakeModel{responses: []*llms.ContentResponse{
		proseResponse("I cannot automate that for you."),
	}}

	p := New(model, "")
	_, _, err := p.Plan(context.Background(), "goal", nil, nil, manifest())
	var perr *task.PlanningError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, task.PlanningRefused, perr.Kind)
}

func TestPlanTimeoutClassified(t *testing.T) {
	model := &fakeModel{errs: []error{context.DeadlineExceeded}, responses: []*llms.ContentResponse{nil}}

	p := New(model, "")
	_, _, err := p.Plan(context.Background(), "goal", nil, nil, manifest())
	var perr *task.PlanningError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, task.PlanningTimeout, perr.Kind)
}

func TestPlanCapsSteps(t *testing.T) {
	model := &fakeModel{responses: []*llms.ContentResponse{
		toolCallResponse("propose_plan", `{"steps": [
			{"tool": "web.search", "args": {"query": "1"}, "success_criterion": "c"},
			{"tool": "web.search", "args": {"query": "2"}, "success_criterion": "c"},
			{"tool": "web.search", "args": {"query": "3"}, "success_criterion": "c"}
		]}`),
	}}

	p := New(model, "")
	p.MaxSteps = 2
	drafts, _, err := p.Plan(context.Background(), "goal", nil, nil, manifest())
	require.NoError(t, err)
	assert.Len(t, drafts, 2)
}

func TestReviseArgsReturnsCorrectedMapping(t *testing.T) {
	model := &fakeModel{responses: []*llms.ContentResponse{
		toolCallResponse("revise_args", `{"args": {"query": "golang 1.25 release notes"}}`),
	}}

	p := New(model, "")
	step := &task.Step{Tool: "web.search", Args: map[string]any{"query": "golang"}, SuccessCriterion: "notes found"}
	args, err := p.ReviseArgs(context.Background(), "find release notes", step, nil)
	require.NoError(t, err)
	assert.Equal(t, "golang 1.25 release notes", args["query"])
}

func TestReviseArgsWithoutToolCallErrors(t *testing.T) {
	model := &fakeModel{responses: []*llms.ContentResponse{proseResponse("try again?")}}

	p := New(model, "")
	step := &task.Step{Tool: "web.search", Args: map[string]any{"query": "x"}}
	_, err := p.ReviseArgs(context.Background(), "goal", step, nil)
	assert.Error(t, err)
}
