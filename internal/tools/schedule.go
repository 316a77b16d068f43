package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/andrey/deskpilot/internal/task"
)

// ScheduleStore is the slice of the persistence layer the schedule tool
// needs: recurring and one-shot goals that the background scheduler
// later turns into tasks.
type ScheduleStore interface {
	AddSchedule(origin, goal string, intervalSeconds int) (int64, error)
	ListSchedules(origin string) ([]ScheduleEntry, error)
	DeleteSchedule(origin string, id int64) error
	ClearSchedules(origin string) error
}

// ScheduleEntry is one stored schedule row.
type ScheduleEntry struct {
	ID              int64
	Origin          string
	Goal            string
	IntervalSeconds int
	LastRun         time.Time
}

// ScheduleTool manages scheduled goals. The origin (e.g. chat id) is
// carried through the invocation arguments, never hidden in context.
type ScheduleTool struct {
	Store ScheduleStore
}

func NewScheduleTool(store ScheduleStore) *ScheduleTool {
	return &ScheduleTool{Store: store}
}

func (c *ScheduleTool) Descriptor() Descriptor {
	return Descriptor{
		Name:        "schedule.manage",
		Description: "Manage recurring automation goals: 'add', 'list', 'cancel' one, or 'clear' all.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action": map[string]any{
					"type":        "string",
					"enum":        []string{"add", "list", "cancel", "clear"},
					"description": "The action to perform.",
				},
				"goal": map[string]any{
					"type":        "string",
					"description": "What the agent should do (only for 'add').",
				},
				"interval_seconds": map[string]any{
					"type":        "integer",
					"description": "Repeat interval in seconds, minimum 60; 0 for one-shot (only for 'add').",
				},
				"schedule_id": map[string]any{
					"type":        "integer",
					"description": "Schedule id (only for 'cancel').",
				},
				"origin": map[string]any{
					"type":        "string",
					"description": "Originating channel id the results should be reported to.",
				},
			},
			"required": []string{"action", "origin"},
		},
		Risk:       task.RiskSafe,
		Idempotent: false,
	}
}

func (c *ScheduleTool) Invoke(ctx context.Context, input map[string]any) (Envelope, error) {
	var args struct {
		Action          string `json:"action"`
		Goal            string `json:"goal"`
		IntervalSeconds int    `json:"interval_seconds"`
		ScheduleID      int64  `json:"schedule_id"`
		Origin          string `json:"origin"`
	}
	if err := decodeArgs(input, &args); err != nil {
		return Fail("%v", err), nil
	}

	switch args.Action {
	case "add":
		if strings.TrimSpace(args.Goal) == "" {
			return Fail("goal is required for 'add'"), nil
		}
		if args.IntervalSeconds != 0 && args.IntervalSeconds < 60 {
			return Fail("minimum interval is 60 seconds"), nil
		}
		id, err := c.Store.AddSchedule(args.Origin, args.Goal, args.IntervalSeconds)
		if err != nil {
			return Fail("failed to add schedule: %v", err), nil
		}
		if args.IntervalSeconds == 0 {
			return Ok(fmt.Sprintf("Scheduled one-shot goal #%d: %q", id, args.Goal)), nil
		}
		return Ok(fmt.Sprintf("Scheduled goal #%d: %q every %d seconds", id, args.Goal, args.IntervalSeconds)), nil

	case "list":
		entries, err := c.Store.ListSchedules(args.Origin)
		if err != nil {
			return Fail("failed to list schedules: %v", err), nil
		}
		if len(entries) == 0 {
			return Ok("No scheduled goals."), nil
		}
		var b strings.Builder
		for _, e := range entries {
			fmt.Fprintf(&b, "#%d every %ds: %s\n", e.ID, e.IntervalSeconds, e.Goal)
		}
		return Ok(b.String()), nil

	case "cancel":
		if err := c.Store.DeleteSchedule(args.Origin, args.ScheduleID); err != nil {
			return Fail("failed to cancel schedule: %v", err), nil
		}
		return Ok(fmt.Sprintf("Cancelled schedule #%d", args.ScheduleID)), nil

	case "clear":
		if err := c.Store.ClearSchedules(args.Origin); err != nil {
			return Fail("failed to clear schedules: %v", err), nil
		}
		return Ok("Cleared all scheduled goals."), nil

	default:
		return Fail("invalid action %q: use add, list, cancel or clear", args.Action), nil
	}
}
