package tools

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/andrey/deskpilot/internal/task"
)

// TerminalTool executes shell commands. Classified destructive: a
// command can do anything the user can, so policy normally demands a
// backup or confirmation before it runs.
type TerminalTool struct {
	WorkDir string
}

func NewTerminalTool(workDir string) *TerminalTool {
	return &TerminalTool{WorkDir: workDir}
}

func (t *TerminalTool) Descriptor() Descriptor {
	return Descriptor{
		Name:        "terminal.run",
		Description: "Execute a shell command and capture its combined output.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "The shell command to execute",
				},
				"working_dir": map[string]any{
					"type":        "string",
					"description": "Directory to run the command in (optional)",
				},
			},
			"required": []string{"command"},
		},
		Risk:       task.RiskDestructive,
		Idempotent: false,
		Timeout:    60 * time.Second,
	}
}

func (t *TerminalTool) Invoke(ctx context.Context, input map[string]any) (Envelope, error) {
	var args struct {
		Command    string `json:"command"`
		WorkingDir string `json:"working_dir"`
	}
	if err := decodeArgs(input, &args); err != nil {
		return Fail("%v", err), nil
	}
	if args.Command == "" {
		return Fail("empty command"), nil
	}

	cmd := exec.CommandContext(ctx, "bash", "-c", args.Command)
	if args.WorkingDir != "" {
		cmd.Dir = args.WorkingDir
	} else if t.WorkDir != "" {
		cmd.Dir = t.WorkDir
	}

	output, err := cmd.CombinedOutput()
	result := strings.TrimSpace(string(output))
	if result == "" {
		result = "(no output)"
	}
	if err != nil {
		return Fail("command failed: %v\noutput: %s", err, result), nil
	}
	return Ok(result), nil
}
