package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/handoff/internal/handoff"
	"github.com/rendis/handoff/internal/router"
	"github.com/rendis/handoff/internal/store"
	"github.com/rendis/handoff/internal/tasks"
	"github.com/rendis/handoff/pkg/schema"
)

// taskToolPrefix marks the task management tools. Continuation markers on
// these tools are ignored.
const taskToolPrefix = "tasks_"

const defaultListLimit = 50

func (s *HandoffServer) taskTools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: getTool(), Handler: s.handleGet},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: submitTool(), Handler: s.handleSubmit},
		{Tool: retryTool(), Handler: s.handleRetry},
	}
}

// --- Tool definitions ---

func getTool() mcp.Tool {
	return mcp.NewTool("tasks_get",
		mcp.WithDescription("Get a task's status, completed steps and next action"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("tasks_list",
		mcp.WithDescription("List your tasks, newest first"),
		mcp.WithString("status",
			mcp.Enum("created", "running", "paused", "completed", "failed"),
			mcp.Description("Only tasks in this state"),
		),
		mcp.WithNumber("limit", mcp.Description("Maximum number of tasks (default 50)")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("tasks_cancel",
		mcp.WithDescription("Finish a task immediately with the given result, skipping remaining steps"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task")),
		mcp.WithObject("result", mcp.Description("Result to record as the task outcome")),
	)
}

func submitTool() mcp.Tool {
	return mcp.NewTool("tasks_submit",
		mcp.WithDescription("Report the output of a tool you ran elsewhere and resume the task"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task")),
		mcp.WithString("tool", mcp.Required(), mcp.Description("Name of the tool that produced the output")),
		mcp.WithString("step", mcp.Description("Target step (default: first step waiting on the tool)")),
		mcp.WithObject("result", mcp.Description("Tool output")),
		mcp.WithBoolean("is_error", mcp.Description("The tool call failed")),
		mcp.WithString("message", mcp.Description("Error message when is_error is set")),
		mcp.WithBoolean("retryable", mcp.Description("Whether calling the tool again may succeed (default true); false fails the task")),
	)
}

func retryTool() mcp.Tool {
	return mcp.NewTool("tasks_retry",
		mcp.WithDescription("Run a paused task again from the step that failed"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task")),
	)
}

// --- Handlers ---

func (s *HandoffServer) handleGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	owner, err := s.router.Owner(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	s.captureSession(ctx, owner)

	t, err := s.router.Get(ctx, owner, taskID)
	if err != nil {
		return errorResult(err), nil
	}
	return s.taskResult(t)
}

func (s *HandoffServer) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner, err := s.router.Owner(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	s.captureSession(ctx, owner)

	filter := store.ListFilter{
		State: schema.TaskStatus(req.GetString("status", "")),
		Limit: req.GetInt("limit", defaultListLimit),
	}
	list, err := s.router.List(ctx, owner, filter)
	if err != nil {
		return errorResult(err), nil
	}

	summaries := make([]any, 0, len(list))
	for _, t := range list {
		summaries = append(summaries, handoff.Meta(t, "")[handoff.MetaKey])
	}
	return marshalResult(map[string]any{"tasks": summaries, "count": len(summaries)})
}

func (s *HandoffServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	owner, err := s.router.Owner(ctx)
	if err != nil {
		return errorResult(err), nil
	}

	t, err := s.router.Cancel(ctx, owner, taskID, req.GetArguments()["result"])
	if err != nil {
		return errorResult(err), nil
	}
	return s.taskResult(t)
}

func (s *HandoffServer) handleSubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	tool, err := req.RequireString("tool")
	if err != nil {
		return mcp.NewToolResultError("tool is required"), nil
	}
	owner, err := s.router.Owner(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	s.captureSession(ctx, owner)

	t, err := s.router.Continue(ctx, owner, taskID, router.Continuation{
		Step:      req.GetString("step", ""),
		Tool:      tool,
		Result:    req.GetArguments()["result"],
		IsError:   req.GetBool("is_error", false),
		Message:   req.GetString("message", ""),
		Permanent: !req.GetBool("retryable", true),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return s.taskResult(t)
}

func (s *HandoffServer) handleRetry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	owner, err := s.router.Owner(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	s.captureSession(ctx, owner)

	t, err := s.router.Resume(ctx, owner, taskID)
	if err != nil {
		return errorResult(err), nil
	}
	return s.taskResult(t)
}

// taskResult renders t with its narrative, mirroring the task object into
// _meta so clients can read it the same way as from a prompt result.
func (s *HandoffServer) taskResult(t *tasks.Task) (*mcp.CallToolResult, error) {
	wf, _ := s.router.Workflow(t)
	meta := handoff.Meta(t, handoff.Narrative(wf, t))
	res, err := marshalResult(meta[handoff.MetaKey])
	if err != nil || res.IsError {
		return res, err
	}
	res.Meta = &mcp.Meta{AdditionalFields: meta}
	return res, nil
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

func isTaskTool(name string) bool {
	return strings.HasPrefix(name, taskToolPrefix)
}
