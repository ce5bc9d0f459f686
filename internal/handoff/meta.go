// Package handoff translates task state into wire shapes and wire requests
// into continuations.
package handoff

import (
	"time"

	"github.com/rendis/handoff/internal/tasks"
	"github.com/rendis/handoff/pkg/schema"
)

// MetaKey is the _meta key every task-augmented response nests its task under.
const MetaKey = "task"

// TaskIDKey is the task identifier field inside the MetaKey object.
const TaskIDKey = "taskId"

// Meta builds the task metadata object: {"task": {"taskId": ..., ...}}.
func Meta(t *tasks.Task, narrative string) map[string]any {
	steps := make([]any, 0, len(t.Records))
	for _, r := range t.Records {
		step := map[string]any{
			"step":   r.Step,
			"tool":   r.Tool,
			"source": string(r.Source),
			"output": r.Output,
		}
		if r.Binding != "" {
			step["binding"] = r.Binding
		}
		steps = append(steps, step)
	}

	body := map[string]any{
		TaskIDKey:   t.ID,
		"status":    string(t.State),
		"workflow":  t.Workflow,
		"steps":     steps,
		"createdAt": t.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updatedAt": t.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if t.Pause != nil {
		reason := map[string]any{
			"kind":      string(t.Pause.Kind),
			"step":      t.Pause.Step,
			"stepIndex": t.Pause.StepIndex,
		}
		if t.Pause.Missing != "" {
			reason["missing"] = t.Pause.Missing
		}
		if t.Pause.Message != "" {
			reason["message"] = t.Pause.Message
		}
		if t.Pause.Kind == schema.PauseToolError {
			reason["retryable"] = t.Pause.Retryable
		}
		body["pauseReason"] = reason
	}
	if len(t.Pending) > 0 {
		pending := make([]any, 0, len(t.Pending))
		for _, p := range t.Pending {
			pending = append(pending, map[string]any{
				"step":      p.Step,
				"tool":      p.Tool,
				"arguments": p.Arguments,
			})
		}
		body["pending"] = pending
	}
	if t.Result != nil {
		body["result"] = t.Result
	}
	if t.Error != nil {
		body["error"] = map[string]any{
			"step":    t.Error.Step,
			"tool":    t.Error.Tool,
			"code":    t.Error.Code,
			"message": t.Error.Message,
		}
	}
	if narrative != "" {
		body["narrative"] = narrative
	}
	return map[string]any{MetaKey: body}
}

// TaskIDFromMeta extracts task.taskId. It never falls back to a top-level
// id: a response without the nested object carries no task.
func TaskIDFromMeta(meta map[string]any) (string, bool) {
	task, ok := meta[MetaKey].(map[string]any)
	if !ok {
		return "", false
	}
	id, ok := task[TaskIDKey].(string)
	return id, ok && id != ""
}
