package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/andrey/deskpilot/internal/task"
)

// AppsTool launches and terminates desktop applications and inspects
// running processes.
type AppsTool struct{}

func NewAppsTool() *AppsTool {
	return &AppsTool{}
}

func (a *AppsTool) Descriptor() Descriptor {
	return Descriptor{
		Name:        "apps.manage",
		Description: "Open or close desktop applications and inspect processes. Actions: 'open', 'close', 'find', 'list_processes'.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action": map[string]any{
					"type":        "string",
					"enum":        []string{"open", "close", "find", "list_processes"},
					"description": "The action to perform.",
				},
				"app_name": map[string]any{
					"type":        "string",
					"description": "Application or process name (required for 'open', 'close', 'find').",
				},
				"args": map[string]any{
					"type":        "string",
					"description": "Extra command-line arguments for 'open'.",
				},
				"force": map[string]any{
					"type":        "boolean",
					"description": "Force-kill for 'close'.",
				},
				"name_filter": map[string]any{
					"type":        "string",
					"description": "Substring filter for 'list_processes'.",
				},
			},
			"required": []string{"action"},
		},
		// Closing an app can lose unsaved work; the whole module is
		// gated as sensitive and 'close' args can be regex-denied.
		Risk:       task.RiskSensitive,
		Idempotent: false,
		Timeout:    30 * time.Second,
	}
}

func (a *AppsTool) Invoke(ctx context.Context, input map[string]any) (Envelope, error) {
	var args struct {
		Action     string `json:"action"`
		AppName    string `json:"app_name"`
		Args       string `json:"args"`
		Force      bool   `json:"force"`
		NameFilter string `json:"name_filter"`
	}
	if err := decodeArgs(input, &args); err != nil {
		return Fail("%v", err), nil
	}

	switch args.Action {
	case "open":
		if args.AppName == "" {
			return Fail("app_name is required for 'open'"), nil
		}
		var extra []string
		if args.Args != "" {
			extra = strings.Fields(args.Args)
		}
		cmd := exec.Command(args.AppName, extra...)
		if err := cmd.Start(); err != nil {
			return Fail("failed to open %s: %v", args.AppName, err), nil
		}
		// Detach; the application outlives the invocation.
		go func() { _ = cmd.Wait() }()
		return Ok(fmt.Sprintf("Started %s (pid %d)", args.AppName, cmd.Process.Pid)), nil

	case "close":
		if args.AppName == "" {
			return Fail("app_name is required for 'close'"), nil
		}
		killArgs := []string{args.AppName}
		if args.Force {
			killArgs = append([]string{"-9"}, killArgs...)
		}
		output, err := exec.CommandContext(ctx, "pkill", killArgs...).CombinedOutput()
		if err != nil {
			return Fail("failed to close %s: %v\noutput: %s", args.AppName, err, string(output)), nil
		}
		return Ok(fmt.Sprintf("Closed %s", args.AppName)), nil

	case "find":
		if args.AppName == "" {
			return Fail("app_name is required for 'find'"), nil
		}
		path, err := exec.LookPath(args.AppName)
		if err != nil {
			return Fail("executable %s not found in PATH", args.AppName), nil
		}
		return Ok(path), nil

	case "list_processes":
		output, err := exec.CommandContext(ctx, "ps", "-eo", "pid,comm").CombinedOutput()
		if err != nil {
			return Fail("failed to list processes: %v", err), nil
		}
		if args.NameFilter == "" {
			return Ok(string(output)), nil
		}
		var b strings.Builder
		for _, line := range strings.Split(string(output), "\n") {
			if strings.Contains(line, args.NameFilter) {
				b.WriteString(line)
				b.WriteByte('\n')
			}
		}
		if b.Len() == 0 {
			return Ok(fmt.Sprintf("No processes matching %q", args.NameFilter)), nil
		}
		return Ok(b.String()), nil

	default:
		return Fail("invalid action %q", args.Action), nil
	}
}
