package streaming

import (
	"context"
	"time"

	"github.com/rendis/handoff/pkg/schema"
)

// TaskEvent is emitted after every durable task state change.
type TaskEvent struct {
	TaskID    string            `json:"task_id"`
	Owner     string            `json:"owner"`
	Workflow  string            `json:"workflow"`
	Step      string            `json:"step,omitempty"`
	EventType string            `json:"event_type"`
	State     schema.TaskStatus `json:"state"`
	Payload   any               `json:"payload,omitempty"`
	At        time.Time         `json:"at"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	TaskID     string   `json:"task_id,omitempty"`
	Owner      string   `json:"owner,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for task events.
type EventHub interface {
	Publish(ctx context.Context, event TaskEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan TaskEvent, func(), error)
}
