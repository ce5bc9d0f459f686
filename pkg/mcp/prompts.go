package mcp

import (
	"context"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/handoff/internal/handoff"
	"github.com/rendis/handoff/internal/logging"
	"github.com/rendis/handoff/internal/workflow"
)

func workflowPrompt(wf *workflow.Workflow) mcp.Prompt {
	opts := []mcp.PromptOption{mcp.WithPromptDescription(wf.Description)}
	for _, arg := range wf.Arguments {
		argOpts := []mcp.ArgumentOption{mcp.ArgumentDescription(arg.Description)}
		if arg.Required {
			argOpts = append(argOpts, mcp.RequiredArgument())
		}
		opts = append(opts, mcp.WithArgument(arg.Name, argOpts...))
	}
	return mcp.NewPrompt(wf.Name, opts...)
}

// promptHandler runs wf. Workflows without task support never touch the task
// store, so their results do not depend on whether one is configured.
func (s *HandoffServer) promptHandler(wf *workflow.Workflow) server.PromptHandlerFunc {
	return func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		args := promptArguments(req.Params.Arguments)

		if !wf.TaskSupport {
			out, err := s.router.Execute(ctx, wf, args)
			if err != nil {
				return nil, err
			}
			return handoff.PlainPromptResult(wf, out), nil
		}

		owner, err := s.router.Owner(ctx)
		if err != nil {
			return nil, err
		}
		s.captureSession(ctx, owner)

		t, err := s.router.Start(ctx, owner, wf, args)
		if err != nil {
			return nil, err
		}
		ctx = logging.WithOwner(logging.WithTaskID(ctx, t.ID), owner)
		s.logger.DebugContext(ctx, "prompt started task", slog.String("workflow", wf.Name), slog.String("state", string(t.State)))
		return handoff.TaskPromptResult(wf, t), nil
	}
}

// promptArguments carries prompt arguments through as strings, the only
// value type prompts/get transports.
func promptArguments(in map[string]string) map[string]any {
	args := make(map[string]any, len(in))
	for k, v := range in {
		args[k] = v
	}
	return args
}
