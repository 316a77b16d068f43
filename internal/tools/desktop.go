package tools

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/andrey/deskpilot/internal/task"
)

// DesktopTool controls the desktop GUI (mouse and keyboard via xdotool)
// and captures desktop screenshots. Screenshots come back as artifact
// references so verification can look at them.
type DesktopTool struct {
	ArtifactsDir string
}

func NewDesktopTool(artifactsDir string) *DesktopTool {
	if artifactsDir == "" {
		artifactsDir = "screenshots"
	}
	return &DesktopTool{ArtifactsDir: artifactsDir}
}

func (d *DesktopTool) Descriptor() Descriptor {
	return Descriptor{
		Name:        "desktop.control",
		Description: "Control the system GUI (mouse and keyboard) and capture desktop state. Actions: 'mouse_move', 'mouse_click', 'key_press', 'hotkey', 'type_text', 'screenshot'.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action": map[string]any{
					"type":        "string",
					"enum":        []string{"mouse_move", "mouse_click", "key_press", "hotkey", "type_text", "screenshot"},
					"description": "The GUI action to perform.",
				},
				"x": map[string]any{
					"type":        "integer",
					"description": "X coordinate for mouse_move.",
				},
				"y": map[string]any{
					"type":        "integer",
					"description": "Y coordinate for mouse_move.",
				},
				"button": map[string]any{
					"type":        "string",
					"description": "Mouse button for mouse_click (1=left, 2=middle, 3=right). Default is 1.",
				},
				"key": map[string]any{
					"type":        "string",
					"description": "The key or key combination for key_press/hotkey (e.g. 'Return', 'alt+Tab').",
				},
				"text": map[string]any{
					"type":        "string",
					"description": "The string of text to type for type_text.",
				},
			},
			"required": []string{"action"},
		},
		Risk:       task.RiskSensitive,
		Idempotent: false,
		Timeout:    30 * time.Second,
	}
}

func (d *DesktopTool) Invoke(ctx context.Context, input map[string]any) (Envelope, error) {
	var args struct {
		Action string `json:"action"`
		X      int    `json:"x"`
		Y      int    `json:"y"`
		Button string `json:"button"`
		Key    string `json:"key"`
		Text   string `json:"text"`
	}
	if err := decodeArgs(input, &args); err != nil {
		return Fail("%v", err), nil
	}

	switch args.Action {
	case "screenshot":
		return d.captureDesktop(ctx)
	default:
		return d.executeXdotool(ctx, args.Action, args.X, args.Y, args.Button, args.Key, args.Text)
	}
}

func (d *DesktopTool) captureDesktop(ctx context.Context) (Envelope, error) {
	if err := os.MkdirAll(d.ArtifactsDir, 0755); err != nil {
		return Fail("failed to create artifacts dir: %v", err), nil
	}
	path := filepath.Join(d.ArtifactsDir, fmt.Sprintf("desktop_%d.png", time.Now().UnixNano()))

	cmd := exec.CommandContext(ctx, "ffmpeg", "-f", "x11grab", "-i", ":0.0", "-frames:v", "1", path, "-y")
	output, err := cmd.CombinedOutput()
	if err != nil {
		// Fallback to scrot in case ffmpeg is missing.
		cmd = exec.CommandContext(ctx, "scrot", path)
		output, err = cmd.CombinedOutput()
		if err != nil {
			return Fail("error capturing desktop: %v\noutput: %s", err, string(output)), nil
		}
	}

	absPath, _ := filepath.Abs(path)
	return Envelope{
		Success:     true,
		Payload:     fmt.Sprintf("Desktop screenshot saved to %s", absPath),
		ArtifactRef: absPath,
	}, nil
}

func (d *DesktopTool) executeXdotool(ctx context.Context, action string, x, y int, button, key, text string) (Envelope, error) {
	var cmdArgs []string
	switch action {
	case "mouse_move":
		cmdArgs = []string{"mousemove", strconv.Itoa(x), strconv.Itoa(y)}
	case "mouse_click":
		if button == "" {
			button = "1"
		}
		cmdArgs = []string{"click", button}
	case "key_press", "hotkey":
		if key == "" {
			return Fail("key is required for %s", action), nil
		}
		cmdArgs = []string{"key", key}
	case "type_text":
		if text == "" {
			return Fail("text is required for type_text"), nil
		}
		cmdArgs = []string{"type", text}
	default:
		return Fail("invalid action %q", action), nil
	}

	cmd := exec.CommandContext(ctx, "xdotool", cmdArgs...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if strings.Contains(err.Error(), "executable file not found") {
			return Fail("xdotool is not installed"), nil
		}
		return Fail("error executing xdotool: %v\noutput: %s", err, string(output)), nil
	}

	return Ok(fmt.Sprintf("Successfully executed action: %s", action)), nil
}
