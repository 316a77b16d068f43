package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/andrey/deskpilot/internal/task"
)

// Verifier judges whether a step's execution result satisfies its
// declared success criterion. When the result carries a screenshot
// artifact the request goes to the model with the image attached;
// otherwise verification is text-only. Insufficient evidence yields
// inconclusive, never a guess.
type Verifier struct {
	Model        llms.Model
	SystemPrompt string
	// MaxPayload bounds how much tool output is sent for judgment.
	MaxPayload int
}

func New(model llms.Model, systemPrompt string) *Verifier {
	return &Verifier{Model: model, SystemPrompt: systemPrompt, MaxPayload: 20000}
}

type verdictResponse struct {
	Verdict    string  `json:"verdict"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// Verify produces a verdict for one (step, result) pair. An error is
// returned only for transport-level failures; the orchestrator treats
// those as inconclusive evidence too.
func (v *Verifier) Verify(ctx context.Context, step *task.Step, result *task.ExecutionResult) (*task.Verdict, error) {
	system := v.SystemPrompt
	if system == "" {
		system = "You verify automation step outcomes. Compare the evidence against the success criterion and respond ONLY with JSON: {\"verdict\": \"satisfied\"|\"unsatisfied\"|\"inconclusive\", \"confidence\": 0.0-1.0, \"rationale\": \"...\"}. Answer inconclusive when the evidence is insufficient to decide; never guess."
	}

	parts := []llms.ContentPart{llms.TextPart(v.evidence(step, result))}
	if img, ok := v.loadArtifact(result); ok {
		parts = append(parts, img)
	}

	messages := []llms.MessageContent{
		{Role: llms.ChatMessageTypeSystem, Parts: []llms.ContentPart{llms.TextPart(system)}},
		{Role: llms.ChatMessageTypeHuman, Parts: parts},
	}

	resp, err := v.Model.GenerateContent(ctx, messages)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return v.inconclusive(step, "verifier returned no choices"), nil
	}
	return v.parse(step, resp.Choices[0].Content), nil
}

func (v *Verifier) evidence(step *task.Step, result *task.ExecutionResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Success criterion: %s\n", step.SuccessCriterion)
	fmt.Fprintf(&b, "Tool: %s\n", step.Tool)
	fmt.Fprintf(&b, "Execution succeeded: %t\n", result.Success)
	if result.Payload != "" {
		payload := result.Payload
		if v.MaxPayload > 0 && len(payload) > v.MaxPayload {
			payload = payload[:v.MaxPayload] + "\n... (truncated)"
		}
		fmt.Fprintf(&b, "Output:\n%s\n", payload)
	}
	if result.ErrorDetail != "" {
		fmt.Fprintf(&b, "Error detail: %s\n", result.ErrorDetail)
	}
	if result.ArtifactRef != "" {
		b.WriteString("A screenshot of the current state is attached.\n")
	}
	return b.String()
}

// loadArtifact attaches a captured screenshot when one exists and is
// readable; a missing file just downgrades to text-only verification.
func (v *Verifier) loadArtifact(result *task.ExecutionResult) (llms.ContentPart, bool) {
	if result.ArtifactRef == "" {
		return nil, false
	}
	data, err := os.ReadFile(result.ArtifactRef)
	if err != nil {
		return nil, false
	}
	mime := "image/png"
	if strings.HasSuffix(strings.ToLower(result.ArtifactRef), ".jpg") ||
		strings.HasSuffix(strings.ToLower(result.ArtifactRef), ".jpeg") {
		mime = "image/jpeg"
	}
	return llms.BinaryPart(mime, data), true
}

func (v *Verifier) parse(step *task.Step, content string) *task.Verdict {
	raw := extractJSON(content)
	var parsed verdictResponse
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
			switch task.VerdictValue(strings.ToLower(parsed.Verdict)) {
			case task.VerdictSatisfied, task.VerdictUnsatisfied, task.VerdictInconclusive:
				return &task.Verdict{
					StepID:     step.ID,
					Value:      task.VerdictValue(strings.ToLower(parsed.Verdict)),
					Confidence: parsed.Confidence,
					Rationale:  parsed.Rationale,
				}
			}
		}
	}
	return v.inconclusive(step, "unparseable verifier response: "+truncate(content, 200))
}

func (v *Verifier) inconclusive(step *task.Step, rationale string) *task.Verdict {
	return &task.Verdict{
		StepID:    step.ID,
		Value:     task.VerdictInconclusive,
		Rationale: rationale,
	}
}

// extractJSON pulls the first balanced JSON object out of model prose.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
