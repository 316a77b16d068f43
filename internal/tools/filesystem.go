package tools

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/andrey/deskpilot/internal/task"
)

// FilesystemTool manages files inside a rooted workspace. Paths that
// escape the root are rejected before any syscall.
type FilesystemTool struct {
	Root string
}

func NewFilesystemTool(root string) *FilesystemTool {
	absRoot, _ := filepath.Abs(root)
	return &FilesystemTool{Root: absRoot}
}

func (f *FilesystemTool) Descriptor() Descriptor {
	return Descriptor{
		Name:        "filesystem.manage",
		Description: "Manage files in the local workspace: read, write, list, delete, mkdir, copy, move, and stat.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"enum":        []string{"read", "write", "list", "delete", "mkdir", "copy", "move", "stat"},
					"description": "The operation to perform",
				},
				"path": map[string]any{
					"type":        "string",
					"description": "The file or directory path, relative to the workspace",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "The content to write (only for 'write')",
				},
				"destination": map[string]any{
					"type":        "string",
					"description": "Target path for 'copy' and 'move'",
				},
			},
			"required": []string{"command", "path"},
		},
		// write/delete/move are destructive; read-only commands ride
		// along under the same descriptor, the validator keys off the
		// declared class.
		Risk:       task.RiskDestructive,
		Idempotent: false,
	}
}

func (f *FilesystemTool) resolve(name string) (string, error) {
	target := filepath.Join(f.Root, name)
	rel, err := filepath.Rel(f.Root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("unsafe path attempt: %s", name)
	}
	return target, nil
}

func (f *FilesystemTool) Invoke(ctx context.Context, input map[string]any) (Envelope, error) {
	var args struct {
		Command     string `json:"command"`
		Path        string `json:"path"`
		Content     string `json:"content"`
		Destination string `json:"destination"`
	}
	if err := decodeArgs(input, &args); err != nil {
		return Fail("%v", err), nil
	}

	target, err := f.resolve(args.Path)
	if err != nil {
		return Fail("%v", err), nil
	}

	switch args.Command {
	case "read":
		data, err := os.ReadFile(target)
		if err != nil {
			return Fail("failed to read file: %v", err), nil
		}
		return Ok(string(data)), nil

	case "write":
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return Fail("failed to create parent directory: %v", err), nil
		}
		if err := os.WriteFile(target, []byte(args.Content), 0644); err != nil {
			return Fail("failed to write file: %v", err), nil
		}
		return Ok(fmt.Sprintf("Successfully wrote %d bytes to %s", len(args.Content), args.Path)), nil

	case "list":
		entries, err := os.ReadDir(target)
		if err != nil {
			return Fail("failed to list directory: %v", err), nil
		}
		var b strings.Builder
		for _, entry := range entries {
			typeStr := "file"
			if entry.IsDir() {
				typeStr = "dir"
			}
			fmt.Fprintf(&b, "[%s] %s\n", typeStr, entry.Name())
		}
		if b.Len() == 0 {
			return Ok("Directory is empty"), nil
		}
		return Ok(b.String()), nil

	case "delete":
		if err := os.Remove(target); err != nil {
			return Fail("failed to delete: %v", err), nil
		}
		return Ok(fmt.Sprintf("Successfully deleted %s", args.Path)), nil

	case "mkdir":
		if err := os.MkdirAll(target, 0755); err != nil {
			return Fail("failed to create directory: %v", err), nil
		}
		return Ok(fmt.Sprintf("Successfully created directory %s", args.Path)), nil

	case "copy", "move":
		if args.Destination == "" {
			return Fail("destination is required for '%s'", args.Command), nil
		}
		dst, err := f.resolve(args.Destination)
		if err != nil {
			return Fail("%v", err), nil
		}
		if args.Command == "move" {
			if err := os.Rename(target, dst); err != nil {
				return Fail("failed to move: %v", err), nil
			}
			return Ok(fmt.Sprintf("Successfully moved %s to %s", args.Path, args.Destination)), nil
		}
		if err := copyFile(target, dst); err != nil {
			return Fail("failed to copy: %v", err), nil
		}
		return Ok(fmt.Sprintf("Successfully copied %s to %s", args.Path, args.Destination)), nil

	case "stat":
		info, err := os.Stat(target)
		if err != nil {
			return Fail("failed to stat: %v", err), nil
		}
		return Ok(fmt.Sprintf("name=%s size=%d dir=%t modified=%s",
			info.Name(), info.Size(), info.IsDir(), info.ModTime().Format("2006-01-02 15:04:05"))), nil

	default:
		return Fail("invalid command %q: use read, write, list, delete, mkdir, copy, move or stat", args.Command), nil
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
