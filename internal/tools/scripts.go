package tools

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/andrey/deskpilot/internal/task"
)

// ScriptsTool writes small helper scripts into the workspace and runs
// them. It exists for tasks no fixed tool covers; generated code is
// untrusted, hence the destructive classification.
type ScriptsTool struct {
	Dir string
}

func NewScriptsTool(workspace string) *ScriptsTool {
	return &ScriptsTool{Dir: filepath.Join(workspace, "scripts")}
}

func (s *ScriptsTool) Descriptor() Descriptor {
	return Descriptor{
		Name:        "scripts.run",
		Description: "Create a Python script in the workspace and execute it. Actions: 'create', 'execute', 'create_and_execute'.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action": map[string]any{
					"type":        "string",
					"enum":        []string{"create", "execute", "create_and_execute"},
					"description": "The action to perform.",
				},
				"code": map[string]any{
					"type":        "string",
					"description": "Python source code (for 'create', 'create_and_execute').",
				},
				"filename": map[string]any{
					"type":        "string",
					"description": "Script filename; generated when omitted.",
				},
			},
			"required": []string{"action"},
		},
		Risk:       task.RiskDestructive,
		Idempotent: false,
		Timeout:    120 * time.Second,
	}
}

func (s *ScriptsTool) Invoke(ctx context.Context, input map[string]any) (Envelope, error) {
	var args struct {
		Action   string `json:"action"`
		Code     string `json:"code"`
		Filename string `json:"filename"`
	}
	if err := decodeArgs(input, &args); err != nil {
		return Fail("%v", err), nil
	}

	switch args.Action {
	case "create":
		path, env, ok := s.create(args.Code, args.Filename)
		if !ok {
			return env, nil
		}
		return Ok(fmt.Sprintf("Script created at %s", path)), nil

	case "execute":
		if args.Filename == "" {
			return Fail("filename is required for 'execute'"), nil
		}
		return s.execute(ctx, filepath.Join(s.Dir, filepath.Base(args.Filename))), nil

	case "create_and_execute":
		path, env, ok := s.create(args.Code, args.Filename)
		if !ok {
			return env, nil
		}
		return s.execute(ctx, path), nil

	default:
		return Fail("invalid action %q", args.Action), nil
	}
}

func (s *ScriptsTool) create(code, filename string) (string, Envelope, bool) {
	if strings.TrimSpace(code) == "" {
		return "", Fail("code is required"), false
	}
	if filename == "" {
		filename = fmt.Sprintf("script_%d.py", time.Now().UnixNano())
	}
	if !strings.HasSuffix(filename, ".py") {
		filename += ".py"
	}
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return "", Fail("failed to create scripts dir: %v", err), false
	}
	path := filepath.Join(s.Dir, filepath.Base(filename))
	if err := os.WriteFile(path, []byte(code), 0644); err != nil {
		return "", Fail("failed to write script: %v", err), false
	}
	return path, Envelope{}, true
}

func (s *ScriptsTool) execute(ctx context.Context, path string) Envelope {
	python, err := pythonExecutable()
	if err != nil {
		return Fail("%v", err)
	}
	cmd := exec.CommandContext(ctx, python, path)
	cmd.Dir = s.Dir
	output, err := cmd.CombinedOutput()
	result := strings.TrimSpace(string(output))
	if result == "" {
		result = "(no output)"
	}
	if err != nil {
		return Fail("script failed: %v\noutput: %s", err, result)
	}
	return Ok(result)
}

func pythonExecutable() (string, error) {
	for _, name := range []string{"python3", "python"} {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no python interpreter found in PATH")
}
