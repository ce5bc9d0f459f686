package handoff

import (
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/handoff/internal/engine"
	"github.com/rendis/handoff/internal/tasks"
	"github.com/rendis/handoff/internal/workflow"
	"github.com/rendis/handoff/pkg/schema"
)

// TaskPromptResult renders a task-augmented invocation. The task metadata
// travels in _meta; the messages carry the same narrative for callers that
// ignore metadata.
func TaskPromptResult(wf *workflow.Workflow, t *tasks.Task) *mcp.GetPromptResult {
	narrative := Narrative(wf, t)
	msgs := instructionMessages(wf)
	if summary := stepSummary(t.Records); summary != "" {
		msgs = append(msgs, textMessage(summary))
	}
	msgs = append(msgs, textMessage(narrative))

	res := mcp.NewGetPromptResult(wf.Description, msgs)
	res.Meta = &mcp.Meta{AdditionalFields: Meta(t, narrative)}
	return res
}

// PlainPromptResult renders an invocation that created no task. Nothing in
// it depends on task storage.
func PlainPromptResult(wf *workflow.Workflow, out *engine.Outcome) *mcp.GetPromptResult {
	msgs := instructionMessages(wf)
	if summary := stepSummary(out.Records); summary != "" {
		msgs = append(msgs, textMessage(summary))
	}

	switch out.Status {
	case engine.StatusFailed:
		msg := "Workflow failed."
		if out.Error != nil {
			msg = fmt.Sprintf("Workflow failed at step %q: %s", out.Error.Step, out.Error.Message)
		}
		msgs = append(msgs, textMessage(msg))
	case engine.StatusPaused:
		var b strings.Builder
		b.WriteString("Workflow stopped before completing.")
		if out.Pause != nil {
			fmt.Fprintf(&b, " Step %q could not run", out.Pause.Step)
			if out.Pause.Message != "" {
				fmt.Fprintf(&b, ": %s", out.Pause.Message)
			} else if out.Pause.Missing != "" {
				fmt.Fprintf(&b, " without %q", out.Pause.Missing)
			}
			b.WriteString(".")
		}
		for _, call := range out.Pending {
			fmt.Fprintf(&b, "\nRemaining: call tool %s with arguments %s.", call.Tool, compactArgs(call.Arguments))
		}
		msgs = append(msgs, textMessage(b.String()))
	}
	return mcp.NewGetPromptResult(wf.Description, msgs)
}

func instructionMessages(wf *workflow.Workflow) []mcp.PromptMessage {
	msgs := make([]mcp.PromptMessage, 0, len(wf.Instructions)+2)
	for _, in := range wf.Instructions {
		msgs = append(msgs, textMessage(in))
	}
	return msgs
}

func stepSummary(records []tasks.StepRecord) string {
	if len(records) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Completed steps:")
	for _, r := range records {
		fmt.Fprintf(&b, "\n- %s (%s", r.Step, r.Tool)
		if r.Source != "" && r.Source != schema.SourceServer {
			fmt.Fprintf(&b, ", %s", r.Source)
		}
		fmt.Fprintf(&b, "): %s", compact(r.Output))
	}
	return b.String()
}

func textMessage(text string) mcp.PromptMessage {
	return mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(text))
}
