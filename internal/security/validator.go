package security

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/andrey/deskpilot/internal/task"
	"github.com/andrey/deskpilot/internal/tools"
)

// Snapshotter is the backup collaborator: it captures a reversible
// snapshot of the scope an invocation may damage.
type Snapshotter interface {
	Snapshot(ctx context.Context, scope string) (string, error)
}

// Policy enumerates, per risk class, the required decision, plus
// tool- and argument-level denies evaluated before the class rule.
type Policy struct {
	RiskDecisions  map[task.RiskClass]task.DecisionEffect
	DeniedTools    map[string]bool
	DeniedPatterns []*regexp.Regexp
}

// DefaultPolicy allows safe tools, requires confirmation for sensitive
// ones and a backup for destructive ones, and blocks a handful of
// commands nothing legitimate needs.
func DefaultPolicy() *Policy {
	p := &Policy{
		RiskDecisions: map[task.RiskClass]task.DecisionEffect{
			task.RiskSafe:        task.DecisionAllow,
			task.RiskSensitive:   task.DecisionConfirm,
			task.RiskDestructive: task.DecisionBackup,
		},
		DeniedTools: make(map[string]bool),
	}
	_ = p.DenyArguments(`rm\s+-rf\s+/`)
	_ = p.DenyArguments(`mkfs`)
	_ = p.DenyArguments(`shutdown`)
	_ = p.DenyArguments(`reboot`)
	return p
}

// DenyTool blocks every invocation of the named tool.
func (p *Policy) DenyTool(name string) {
	p.DeniedTools[name] = true
}

// DenyArguments blocks any invocation whose serialized arguments match
// the pattern.
func (p *Policy) DenyArguments(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	p.DeniedPatterns = append(p.DeniedPatterns, re)
	return nil
}

// SetRiskDecision overrides the required decision for one risk class.
func (p *Policy) SetRiskDecision(risk task.RiskClass, effect task.DecisionEffect) {
	p.RiskDecisions[risk] = effect
}

// Validator inspects a proposed invocation against policy before
// execution. Validation is synchronous and mutates no task state; it
// only renders a decision.
type Validator struct {
	Policy *Policy
	Backup Snapshotter
}

func NewValidator(policy *Policy, backup Snapshotter) *Validator {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Validator{Policy: policy, Backup: backup}
}

// Validate renders the security decision for one invocation attempt.
// A require-backup policy is fulfilled here: the backup collaborator
// runs first and the decision becomes allow with the handle attached,
// or block if the backup fails. A destructive action never executes
// without a successful backup when policy demands one.
func (v *Validator) Validate(ctx context.Context, inv *task.Invocation, desc tools.Descriptor) task.SecurityDecision {
	if v.Policy.DeniedTools[inv.Tool] {
		return task.SecurityDecision{
			Effect: task.DecisionBlock,
			Reason: fmt.Sprintf("tool %q is restricted by system policy", inv.Tool),
		}
	}

	serialized, _ := json.Marshal(inv.Args)
	for _, re := range v.Policy.DeniedPatterns {
		if re.Match(serialized) {
			return task.SecurityDecision{
				Effect: task.DecisionBlock,
				Reason: fmt.Sprintf("arguments match restricted pattern: %s", re.String()),
			}
		}
	}

	effect, ok := v.Policy.RiskDecisions[desc.Risk]
	if !ok {
		effect = task.DecisionAllow
	}

	switch effect {
	case task.DecisionBackup:
		if v.Backup == nil {
			return task.SecurityDecision{
				Effect: task.DecisionBlock,
				Reason: "policy requires a backup but no backup collaborator is configured",
			}
		}
		handle, err := v.Backup.Snapshot(ctx, backupScope(inv))
		if err != nil {
			return task.SecurityDecision{
				Effect: task.DecisionBlock,
				Reason: fmt.Sprintf("required backup failed: %v", err),
			}
		}
		return task.SecurityDecision{
			Effect:       task.DecisionAllow,
			Reason:       "approved after backup",
			BackupHandle: handle,
		}

	case task.DecisionConfirm:
		return task.SecurityDecision{
			Effect: task.DecisionConfirm,
			Reason: fmt.Sprintf("%s tools require confirmation", desc.Risk),
		}

	case task.DecisionBlock:
		return task.SecurityDecision{
			Effect: task.DecisionBlock,
			Reason: fmt.Sprintf("%s tools are blocked by policy", desc.Risk),
		}

	default:
		return task.SecurityDecision{
			Effect: task.DecisionAllow,
			Reason: "approved by default policy",
		}
	}
}

// backupScope names what the snapshot should cover. Path-bearing
// arguments narrow the scope; everything else falls back to the tool
// name.
func backupScope(inv *task.Invocation) string {
	for _, key := range []string{"path", "filename", "working_dir"} {
		if v, ok := inv.Args[key].(string); ok && v != "" {
			return fmt.Sprintf("%s:%s", inv.Tool, v)
		}
	}
	return inv.Tool
}
