package task

import (
	"errors"
	"fmt"
)

// PlanningErrorKind classifies planner failures.
type PlanningErrorKind string

const (
	PlanningMalformed PlanningErrorKind = "malformed"
	PlanningTimeout   PlanningErrorKind = "timeout"
	PlanningRefused   PlanningErrorKind = "refused"
)

// PlanningError is returned when the planner cannot produce a usable plan.
type PlanningError struct {
	Kind PlanningErrorKind
	Err  error
}

func (e *PlanningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("planning failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("planning failed (%s)", e.Kind)
}

func (e *PlanningError) Unwrap() error { return e.Err }

// NewPlanningError wraps err with a planning failure classification.
func NewPlanningError(kind PlanningErrorKind, err error) *PlanningError {
	return &PlanningError{Kind: kind, Err: err}
}

var (
	// ErrToolNotFound is returned by the registry for unknown tool names.
	ErrToolNotFound = errors.New("tool not found in registry")

	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")

	// ErrRetryBudgetExhausted marks a step that failed verification on
	// every permitted attempt.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

	// ErrReplanBudgetExhausted marks a task that consumed every
	// permitted full replan.
	ErrReplanBudgetExhausted = errors.New("replan budget exhausted")

	// ErrCancelled marks work interrupted by external cancellation.
	ErrCancelled = errors.New("cancelled")

	// ErrValidationBlocked marks an invocation refused by policy.
	ErrValidationBlocked = errors.New("blocked by security policy")

	// ErrTaskTerminal is returned when driving a task that already
	// reached a terminal status.
	ErrTaskTerminal = errors.New("task already terminal")
)
