package tasks

import (
	"time"

	"github.com/rendis/handoff/pkg/schema"
)

// ErrTaskFinished is the message for every operation attempted on a terminal task.
const ErrTaskFinished = "task already finished"

// ValidTransitions lists the allowed lifecycle moves. Completed and failed
// have no outgoing edges.
var ValidTransitions = map[schema.TaskStatus][]schema.TaskStatus{
	schema.TaskStatusCreated: {schema.TaskStatusRunning, schema.TaskStatusCompleted},
	schema.TaskStatusRunning: {schema.TaskStatusPaused, schema.TaskStatusCompleted, schema.TaskStatusFailed},
	schema.TaskStatusPaused:  {schema.TaskStatusRunning, schema.TaskStatusCompleted},
}

// Transition moves t to state to. A terminal task yields TASK_FINISHED and an
// edge not in ValidTransitions yields INVALID_TRANSITION; t is unchanged in
// both cases. Leaving the paused state clears the pause reason.
func Transition(t *Task, to schema.TaskStatus, now time.Time) error {
	if t.State.Terminal() {
		return schema.NewError(schema.ErrCodeTaskFinished, ErrTaskFinished).
			WithDetails(map[string]any{"task_id": t.ID, "state": string(t.State)})
	}
	if !isValidTransition(t.State, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid task transition: %s -> %s", t.State, to).
			WithDetails(map[string]any{"task_id": t.ID, "from": string(t.State), "to": string(to)})
	}

	t.State = to
	t.UpdatedAt = now
	if to != schema.TaskStatusPaused {
		t.Pause = nil
	}
	return nil
}

// EnsureActive returns TASK_FINISHED for terminal tasks.
func EnsureActive(t *Task) error {
	if t.Terminal() {
		return schema.NewError(schema.ErrCodeTaskFinished, ErrTaskFinished).
			WithDetails(map[string]any{"task_id": t.ID, "state": string(t.State)})
	}
	return nil
}

func isValidTransition(from, to schema.TaskStatus) bool {
	for _, a := range ValidTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// EventType maps the target state of a transition to its event type.
func EventType(from, to schema.TaskStatus) string {
	switch to {
	case schema.TaskStatusRunning:
		if from == schema.TaskStatusPaused {
			return schema.EventTaskResumed
		}
		return schema.EventTaskCreated
	case schema.TaskStatusPaused:
		return schema.EventTaskPaused
	case schema.TaskStatusCompleted:
		if from != schema.TaskStatusRunning {
			return schema.EventTaskCancelled
		}
		return schema.EventTaskCompleted
	case schema.TaskStatusFailed:
		return schema.EventTaskFailed
	default:
		return ""
	}
}
