package orchestrator

import (
	"sync"

	"github.com/andrey/deskpilot/internal/task"
)

// EventKind labels a lifecycle notification.
type EventKind string

const (
	EventTaskStarted  EventKind = "task_started"
	EventPlanReady    EventKind = "plan_ready"
	EventStepStarted  EventKind = "step_started"
	EventStepFinished EventKind = "step_finished"
	EventStepBlocked  EventKind = "step_blocked"
	EventReplanned    EventKind = "replanned"
	EventTaskFinished EventKind = "task_finished"
)

// Event is one task lifecycle notification for gateways and dashboards.
type Event struct {
	Kind    EventKind       `json:"kind"`
	TaskID  string          `json:"task_id"`
	Goal    string          `json:"goal,omitempty"`
	StepID  string          `json:"step_id,omitempty"`
	Ordinal int             `json:"ordinal,omitempty"`
	Tool    string          `json:"tool,omitempty"`
	Status  task.TaskStatus `json:"status,omitempty"`
	Detail  string          `json:"detail,omitempty"`
}

type eventBus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]chan Event)}
}

// subscribe returns a buffered event channel and a cancel function that
// closes it. Slow consumers drop events rather than stall the state
// machine, except task_finished, which always lands.
func (b *eventBus) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, 64)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

func (b *eventBus) publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
			continue
		default:
		}
		if evt.Kind != EventTaskFinished {
			continue
		}
		// Terminal notifications must land even on a full subscriber:
		// shed the oldest buffered event to make room.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- evt:
		default:
		}
	}
}
