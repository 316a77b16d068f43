package agent

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/andrey/deskpilot/internal/task"
	"github.com/andrey/deskpilot/internal/tools"
)

// Messenger delivers a notification back to whichever surface created
// the schedule.
type Messenger interface {
	Send(origin string, text string) error
}

// TaskRunner starts and drives goals; satisfied by the orchestrator.
type TaskRunner interface {
	Start(ctx context.Context, goal string) (string, error)
	Run(ctx context.Context, taskID string) (*task.Task, error)
}

// ScheduleSource is the persistence surface for recurring goals.
type ScheduleSource interface {
	DueSchedules() ([]tools.ScheduleEntry, error)
	MarkScheduleRun(id int64) error
	DeleteSchedule(origin string, id int64) error
}

// Scheduler polls for due schedules and submits their goals as fresh
// tasks. One-shot schedules (interval zero) are deleted after their
// first run.
type Scheduler struct {
	Runner   TaskRunner
	Source   ScheduleSource
	Gateway  Messenger
	Interval time.Duration
}

func NewScheduler(runner TaskRunner, source ScheduleSource, gateway Messenger) *Scheduler {
	return &Scheduler{
		Runner:   runner,
		Source:   source,
		Gateway:  gateway,
		Interval: 30 * time.Second,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	log.Println("Schedule poller started...")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollAndExecute(ctx)
		}
	}
}

func (s *Scheduler) pollAndExecute(ctx context.Context) {
	due, err := s.Source.DueSchedules()
	if err != nil {
		log.Printf("Error polling schedules: %v", err)
		return
	}

	for _, entry := range due {
		log.Printf("Running scheduled goal %d for %s: %s", entry.ID, entry.Origin, entry.Goal)

		// Mark before running so a long task cannot double-fire on the
		// next tick.
		if err := s.Source.MarkScheduleRun(entry.ID); err != nil {
			log.Printf("Error marking schedule %d: %v", entry.ID, err)
			continue
		}

		taskID, err := s.Runner.Start(ctx, entry.Goal)
		if err != nil {
			s.notify(entry.Origin, fmt.Sprintf("Scheduled goal could not be planned: %v", err))
			continue
		}
		t, err := s.Runner.Run(ctx, taskID)
		if err != nil {
			s.notify(entry.Origin, fmt.Sprintf("Scheduled goal failed to run: %v", err))
			continue
		}
		s.notify(entry.Origin, fmt.Sprintf("Scheduled goal %q finished: %s", entry.Goal, t.Status))

		if entry.IntervalSeconds == 0 {
			if err := s.Source.DeleteSchedule(entry.Origin, entry.ID); err != nil {
				log.Printf("Error deleting one-shot schedule %d: %v", entry.ID, err)
			}
		}
	}
}

func (s *Scheduler) notify(origin, text string) {
	if s.Gateway == nil {
		return
	}
	if err := s.Gateway.Send(origin, text); err != nil {
		log.Printf("Error notifying %s: %v", origin, err)
	}
}
