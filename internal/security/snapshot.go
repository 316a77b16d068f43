package security

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FileSnapshotter fulfills require-backup decisions by copying the
// scoped path into a timestamped backup directory. Scopes that name no
// existing path still produce a manifest entry, so the handle always
// points at a real record of what was (or was not) captured.
type FileSnapshotter struct {
	Dir string
}

func NewFileSnapshotter(dir string) *FileSnapshotter {
	return &FileSnapshotter{Dir: dir}
}

type snapshotManifest struct {
	Scope     string    `json:"scope"`
	Source    string    `json:"source,omitempty"`
	Captured  bool      `json:"captured"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot captures the scope and returns the backup handle. Any IO
// failure is returned as-is; the caller blocks the invocation then.
func (f *FileSnapshotter) Snapshot(ctx context.Context, scope string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	handle := filepath.Join(f.Dir, time.Now().Format("20060102-150405")+"-"+uuid.NewString()[:8])
	if err := os.MkdirAll(handle, 0755); err != nil {
		return "", fmt.Errorf("cannot create backup directory: %w", err)
	}

	manifest := snapshotManifest{Scope: scope, CreatedAt: time.Now()}

	if src := scopePath(scope); src != "" {
		info, err := os.Stat(src)
		switch {
		case err == nil && info.IsDir():
			if err := copyTree(src, filepath.Join(handle, filepath.Base(src))); err != nil {
				return "", fmt.Errorf("backup of %s failed: %w", src, err)
			}
			manifest.Source, manifest.Captured = src, true
		case err == nil:
			if err := copyOne(src, filepath.Join(handle, filepath.Base(src))); err != nil {
				return "", fmt.Errorf("backup of %s failed: %w", src, err)
			}
			manifest.Source, manifest.Captured = src, true
		case os.IsNotExist(err):
			manifest.Source = src
			manifest.Note = "source does not exist yet; nothing to capture"
		default:
			return "", fmt.Errorf("cannot stat %s: %w", src, err)
		}
	} else {
		manifest.Note = "scope names no filesystem path"
	}

	data, _ := json.MarshalIndent(manifest, "", "  ")
	if err := os.WriteFile(filepath.Join(handle, "manifest.json"), data, 0644); err != nil {
		return "", fmt.Errorf("cannot write backup manifest: %w", err)
	}
	return handle, nil
}

// scopePath extracts the path component from a "tool:path" scope.
func scopePath(scope string) string {
	if i := strings.IndexByte(scope, ':'); i >= 0 {
		return scope[i+1:]
	}
	return ""
}

func copyOne(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		return copyOne(path, target)
	})
}
