package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/andrey/deskpilot/internal/task"
	"github.com/andrey/deskpilot/internal/tools"
)

// Planner turns a goal plus current context into an ordered sequence of
// step drafts by asking the model to call a propose_plan function. It
// is a pure function of its inputs from the orchestrator's perspective:
// no state is kept between calls.
type Planner struct {
	Model        llms.Model
	SystemPrompt string
	// MaxSteps caps how many steps a single plan may carry.
	MaxSteps int
}

func New(model llms.Model, systemPrompt string) *Planner {
	return &Planner{Model: model, SystemPrompt: systemPrompt, MaxSteps: 20}
}

type proposedPlan struct {
	Steps     []task.StepDraft `json:"steps"`
	Rationale string           `json:"rationale"`
}

// Plan requests a plan for the goal. Malformed model output is retried
// once before surfacing PlanningError{malformed}; timeouts and refusals
// map onto their own kinds.
func (p *Planner) Plan(ctx context.Context, goal string, snapshot map[string]string, history []task.HistoryEntry, manifest []tools.Descriptor) ([]task.StepDraft, string, error) {
	messages := p.buildMessages(goal, snapshot, history, manifest)

	drafts, rationale, err := p.requestPlan(ctx, messages)
	if err == nil {
		return drafts, rationale, nil
	}
	var perr *task.PlanningError
	if errors.As(err, &perr) && perr.Kind == task.PlanningMalformed {
		// One bounded re-request with the parse failure spelled out.
		messages = append(messages, llms.MessageContent{
			Role: llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(
				fmt.Sprintf("Your previous plan could not be parsed (%v). Call propose_plan again with well-formed arguments.", perr.Err))},
		})
		return p.requestPlan(ctx, messages)
	}
	return nil, "", err
}

func (p *Planner) requestPlan(ctx context.Context, messages []llms.MessageContent) ([]task.StepDraft, string, error) {
	resp, err := p.Model.GenerateContent(ctx, messages, llms.WithTools(p.plannerTools()))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, "", task.NewPlanningError(task.PlanningTimeout, err)
		}
		return nil, "", task.NewPlanningError(task.PlanningRefused, err)
	}
	if len(resp.Choices) == 0 {
		return nil, "", task.NewPlanningError(task.PlanningMalformed, errors.New("model returned no choices"))
	}
	choice := resp.Choices[0]

	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil || tc.FunctionCall.Name != "propose_plan" {
			continue
		}
		var plan proposedPlan
		if err := json.Unmarshal([]byte(tc.FunctionCall.Arguments), &plan); err != nil {
			return nil, "", task.NewPlanningError(task.PlanningMalformed,
				fmt.Errorf("failed to parse propose_plan arguments: %v", err))
		}
		if len(plan.Steps) == 0 {
			return nil, "", task.NewPlanningError(task.PlanningMalformed, errors.New("plan contains no steps"))
		}
		if p.MaxSteps > 0 && len(plan.Steps) > p.MaxSteps {
			plan.Steps = plan.Steps[:p.MaxSteps]
		}
		return plan.Steps, plan.Rationale, nil
	}

	if choice.Content != "" {
		// The model answered in prose instead of planning.
		return nil, "", task.NewPlanningError(task.PlanningRefused,
			fmt.Errorf("planner declined: %s", truncate(choice.Content, 300)))
	}
	return nil, "", task.NewPlanningError(task.PlanningMalformed, errors.New("no plan or text response"))
}

// ReviseArgs performs bounded local repair: given a failed step and its
// history, the model may return corrected arguments for the same tool.
// Any failure simply means the retry reuses the original arguments.
func (p *Planner) ReviseArgs(ctx context.Context, goal string, step *task.Step, history []task.HistoryEntry) (map[string]any, error) {
	histJSON, _ := json.Marshal(history)
	origArgs, _ := json.Marshal(step.Args)

	messages := []llms.MessageContent{
		{
			Role: llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(
				"You repair failing automation steps. Given a step that did not achieve its success criterion, propose corrected arguments for the SAME tool by calling revise_args. Do not change the tool.")},
		},
		{
			Role: llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(fmt.Sprintf(
				"Overall goal: %s\nStep tool: %s\nStep success criterion: %s\nCurrent arguments: %s\nExecution history: %s",
				goal, step.Tool, step.SuccessCriterion, origArgs, histJSON))},
		},
	}

	reviseTools := []llms.Tool{{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        "revise_args",
			Description: "Submit corrected arguments for the failing step.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"args": map[string]any{
						"type":        "object",
						"description": "The corrected argument mapping for the step's tool.",
					},
				},
				"required": []string{"args"},
			},
		},
	}}

	resp, err := p.Model.GenerateContent(ctx, messages, llms.WithTools(reviseTools))
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("model returned no choices")
	}
	for _, tc := range resp.Choices[0].ToolCalls {
		if tc.FunctionCall == nil || tc.FunctionCall.Name != "revise_args" {
			continue
		}
		var out struct {
			Args map[string]any `json:"args"`
		}
		if err := json.Unmarshal([]byte(tc.FunctionCall.Arguments), &out); err != nil {
			return nil, fmt.Errorf("failed to parse revise_args arguments: %v", err)
		}
		if len(out.Args) == 0 {
			return nil, errors.New("revise_args returned no arguments")
		}
		return out.Args, nil
	}
	return nil, errors.New("model did not call revise_args")
}

func (p *Planner) buildMessages(goal string, snapshot map[string]string, history []task.HistoryEntry, manifest []tools.Descriptor) []llms.MessageContent {
	var toolLines []string
	for _, d := range manifest {
		keys := schemaKeys(d.Schema)
		toolLines = append(toolLines, fmt.Sprintf("- %s (%s, args: %s): %s",
			d.Name, d.Risk, strings.Join(keys, ", "), d.Description))
	}

	system := p.SystemPrompt
	if system == "" {
		system = "You plan desktop automation tasks as ordered tool invocations. Every step must name one available tool, give its arguments, and state a concrete, checkable success criterion. Mark a step skippable only when the task can still succeed if security policy blocks it; steps are required unless you say otherwise. Give steps that are independent of each other the same non-zero parallel_group."
	}
	system += "\n\n## Available tools:\n" + strings.Join(toolLines, "\n")

	messages := []llms.MessageContent{{
		Role:  llms.ChatMessageTypeSystem,
		Parts: []llms.ContentPart{llms.TextPart(system)},
	}}

	if len(snapshot) > 0 {
		ctxJSON, _ := json.Marshal(snapshot)
		messages = append(messages, llms.MessageContent{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart("Session context: " + string(ctxJSON))},
		})
	}
	if len(history) > 0 {
		histJSON, _ := json.Marshal(history)
		messages = append(messages, llms.MessageContent{
			Role: llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(
				"Execution history so far (revise the remaining plan; do not repeat satisfied steps, avoid blocked actions): " + string(histJSON))},
		})
	}
	messages = append(messages, llms.MessageContent{
		Role:  llms.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{llms.TextPart("Goal: " + goal)},
	})
	return messages
}

func (p *Planner) plannerTools() []llms.Tool {
	return []llms.Tool{{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        "propose_plan",
			Description: "Submit a structured plan consisting of ordered steps.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"steps": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"tool": map[string]any{
									"type":        "string",
									"description": "Name of the tool to invoke.",
								},
								"args": map[string]any{
									"type":        "object",
									"description": "Argument mapping for the tool.",
								},
								"success_criterion": map[string]any{
									"type":        "string",
									"description": "A concrete, checkable statement of what this step must achieve.",
								},
								"skippable": map[string]any{
									"type":        "boolean",
									"description": "True only when the task can still succeed if security policy blocks this step. Omit otherwise.",
								},
								"parallel_group": map[string]any{
									"type":        "integer",
									"description": "Shared non-zero id for contiguous steps safe to run concurrently.",
								},
							},
							"required": []string{"tool", "args", "success_criterion"},
						},
					},
					"rationale": map[string]any{
						"type":        "string",
						"description": "Short explanation of the plan.",
					},
				},
				"required": []string{"steps"},
			},
		},
	}}
}

func schemaKeys(schema map[string]any) []string {
	props, _ := schema["properties"].(map[string]any)
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	// Deterministic manifest ordering keeps prompts stable.
	sort.Strings(keys)
	return keys
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
