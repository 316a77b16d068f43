package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrey/deskpilot/internal/task"
)

type stubTool struct {
	name string
	risk task.RiskClass
}

func (s *stubTool) Descriptor() Descriptor {
	return Descriptor{
		Name: s.name,
		Risk: s.risk,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text":  map[string]any{"type": "string"},
				"count": map[string]any{"type": "integer"},
			},
			"required": []string{"text"},
		},
	}
}

func (s *stubTool) Invoke(ctx context.Context, args map[string]any) (Envelope, error) {
	return Ok("ran"), nil
}

func TestRegistryResolveAndDescriptors(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "b.tool"})
	r.Register(&stubTool{name: "a.tool"})
	r.Freeze()

	m, desc, err := r.Resolve("a.tool")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "a.tool", desc.Name)

	_, _, err = r.Resolve("missing.tool")
	assert.True(t, errors.Is(err, task.ErrToolNotFound))

	names := []string{}
	for _, d := range r.Descriptors() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"a.tool", "b.tool"}, names, "descriptors are sorted")
}

func TestRegistryRegisterAfterFreezePanics(t *testing.T) {
	r := NewRegistry()
	r.Freeze()
	assert.Panics(t, func() { r.Register(&stubTool{name: "late.tool"}) })
}

func TestSanitizeArgsDropsUnknownKeys(t *testing.T) {
	desc := (&stubTool{name: "x"}).Descriptor()

	out, err := SanitizeArgs(desc, map[string]any{
		"text":      "hello",
		"count":     3,
		"__proto__": "nope",
		"extra":     true,
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"text": "hello", "count": 3}, out)
}

func TestSanitizeArgsRequiresDeclaredKeys(t *testing.T) {
	desc := (&stubTool{name: "x"}).Descriptor()

	_, err := SanitizeArgs(desc, map[string]any{"count": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "text")
}

func TestEnvelopeHelpers(t *testing.T) {
	ok := Ok("payload")
	assert.True(t, ok.Success)
	assert.Equal(t, "payload", ok.Payload)

	fail := Fail("bad %s", "input")
	assert.False(t, fail.Success)
	assert.Equal(t, "bad input", fail.ErrorDetail)
}
