package handoff

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/handoff/internal/tasks"
	"github.com/rendis/handoff/internal/workflow"
	"github.com/rendis/handoff/pkg/schema"
)

// Narrative tells the caller what the task needs next.
func Narrative(wf *workflow.Workflow, t *tasks.Task) string {
	var b strings.Builder
	switch t.State {
	case schema.TaskStatusCompleted:
		fmt.Fprintf(&b, "Workflow %q completed (task %s).", t.Workflow, t.ID)
		if t.Result != nil {
			fmt.Fprintf(&b, " Result: %s", compact(t.Result))
		}
	case schema.TaskStatusFailed:
		fmt.Fprintf(&b, "Workflow %q failed (task %s).", t.Workflow, t.ID)
		if t.Error != nil {
			if t.Error.Step != "" {
				fmt.Fprintf(&b, " Step %q", t.Error.Step)
				if t.Error.Tool != "" {
					fmt.Fprintf(&b, " (tool %s)", t.Error.Tool)
				}
				b.WriteString(" failed")
			} else {
				b.WriteString(" Reason")
			}
			fmt.Fprintf(&b, ": %s.", t.Error.Message)
		}
		b.WriteString(" The task is finished; start a new one to try again.")
	case schema.TaskStatusPaused:
		pausedNarrative(&b, wf, t)
	default:
		fmt.Fprintf(&b, "Task %s for workflow %q is %s. Check back with tasks_get.", t.ID, t.Workflow, t.State)
	}
	return b.String()
}

func pausedNarrative(b *strings.Builder, wf *workflow.Workflow, t *tasks.Task) {
	p := t.Pause
	if p == nil {
		fmt.Fprintf(b, "Task %s is paused.", t.ID)
		return
	}

	if p.Kind == schema.PauseToolError {
		fmt.Fprintf(b, "Task %s paused: step %q failed: %s.", t.ID, p.Step, p.Message)
		if p.Retryable {
			fmt.Fprintf(b, " The failure may be temporary. Call tasks_retry with task_id %q to run the step again", t.ID)
			if tool := stepTool(wf, p.Step); tool != "" {
				fmt.Fprintf(b, ", or call tool %s yourself with _meta %s", tool, compact(MarkerMeta(t.ID, p.Step)))
			}
			b.WriteString(".")
		}
		fmt.Fprintf(b, " To finish without it, call tasks_cancel with task_id %q and the result you want recorded.", t.ID)
		return
	}

	if len(t.Pending) == 0 {
		fmt.Fprintf(b, "Task %s paused at step %q waiting for %q.", t.ID, p.Step, p.Missing)
		if tool := stepTool(wf, p.Step); tool != "" {
			fmt.Fprintf(b, " Call tool %s with _meta %s to supply it.", tool, compact(MarkerMeta(t.ID, p.Step)))
		}
		return
	}

	fmt.Fprintf(b, "Task %s needs you to run ", t.ID)
	if len(t.Pending) == 1 {
		b.WriteString("one tool call")
	} else {
		fmt.Fprintf(b, "%d tool calls", len(t.Pending))
	}
	b.WriteString(" this server cannot make itself:\n")
	for i, call := range t.Pending {
		fmt.Fprintf(b, "%d. Call tool %s with arguments %s and _meta %s.\n",
			i+1, call.Tool, compactArgs(call.Arguments), compact(MarkerMeta(t.ID, call.Step)))
	}
	fmt.Fprintf(b, "The result is applied to task %s and the workflow resumes at step %q", t.ID, p.Step)
	if p.Missing != "" {
		fmt.Fprintf(b, " once %q is available", p.Missing)
	}
	b.WriteString(". If the tool is hosted elsewhere, report its output with tasks_submit instead.")
}

func stepTool(wf *workflow.Workflow, step string) string {
	if wf == nil {
		return ""
	}
	if i := wf.StepIndex(step); i >= 0 {
		return wf.Steps[i].Tool
	}
	return ""
}

func compactArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	return compact(args)
}

func compact(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
