package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPromptManager_PlannerPrompt(t *testing.T) {
	tempDir := t.TempDir()

	files := map[string]string{
		"identity.md":     "Identity Content",
		"capabilities.md": "Capabilities Content",
		"safety.md":       "Safety Content",
		"extra.md":        "Extra Content",
		"planner.md":      "Planner Directive",
		"verifier.md":     "Verifier Directive",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(tempDir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	pm := NewPromptManager(tempDir)
	prompt, err := pm.PlannerPrompt()
	if err != nil {
		t.Fatal(err)
	}

	for _, part := range []string{"Identity Content", "Capabilities Content", "Safety Content", "Extra Content", "Planner Directive"} {
		if !strings.Contains(prompt, part) {
			t.Errorf("Prompt missing expected part: %s", part)
		}
	}
	if strings.Contains(prompt, "Verifier Directive") {
		t.Error("Planner prompt must not include the verifier role file")
	}

	// Shared layer order, role file last
	if strings.Index(prompt, "Identity Content") >= strings.Index(prompt, "Capabilities Content") {
		t.Error("Identity should be before Capabilities")
	}
	if strings.Index(prompt, "Capabilities Content") >= strings.Index(prompt, "Safety Content") {
		t.Error("Capabilities should be before Safety")
	}
	if strings.Index(prompt, "Planner Directive") < strings.Index(prompt, "Extra Content") {
		t.Error("Role directive should come last")
	}
}

func TestPromptManager_MissingRoleFile(t *testing.T) {
	pm := NewPromptManager(t.TempDir())
	if _, err := pm.VerifierPrompt(); err == nil {
		t.Fatal("expected error for missing verifier.md")
	}
}
