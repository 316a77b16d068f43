package agent

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// PromptManager assembles role prompts from markdown files in a
// directory. Shared files layer in a fixed order before the role file,
// so operators can tune agent behavior without rebuilding.
type PromptManager struct {
	Directory string
}

func NewPromptManager(dir string) *PromptManager {
	return &PromptManager{Directory: dir}
}

// roleFiles are appended last and excluded from the shared layer.
var roleFiles = map[string]bool{
	"planner.md":  true,
	"verifier.md": true,
}

// PlannerPrompt returns the composed system prompt for planning.
func (pm *PromptManager) PlannerPrompt() (string, error) {
	return pm.compose("planner.md")
}

// VerifierPrompt returns the composed system prompt for verification.
func (pm *PromptManager) VerifierPrompt() (string, error) {
	return pm.compose("verifier.md")
}

func (pm *PromptManager) compose(roleFile string) (string, error) {
	entries, err := os.ReadDir(pm.Directory)
	if err != nil {
		return "", fmt.Errorf("failed to read prompts directory: %v", err)
	}

	// Shared layer order: identity, capabilities, safety, then the rest
	// alphabetically.
	order := map[string]int{
		"identity.md":     1,
		"capabilities.md": 2,
		"safety.md":       3,
		"user.md":         4,
	}
	sort.Slice(entries, func(i, j int) bool {
		oi, okI := order[entries[i].Name()]
		oj, okJ := order[entries[j].Name()]
		if okI && okJ {
			return oi < oj
		}
		if okI {
			return true
		}
		if okJ {
			return false
		}
		return entries[i].Name() < entries[j].Name()
	})

	var contents []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".md") || roleFiles[name] {
			continue
		}
		data, err := os.ReadFile(filepath.Join(pm.Directory, name))
		if err != nil {
			log.Printf("Warning: failed to read prompt file %s: %v", name, err)
			continue
		}
		contents = append(contents, string(data))
	}

	data, err := os.ReadFile(filepath.Join(pm.Directory, roleFile))
	if err != nil {
		return "", fmt.Errorf("failed to read role prompt %s: %v", roleFile, err)
	}
	contents = append(contents, string(data))

	return strings.Join(contents, "\n\n---\n\n"), nil
}
