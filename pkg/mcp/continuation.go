package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/handoff/internal/handoff"
	"github.com/rendis/handoff/internal/logging"
	"github.com/rendis/handoff/internal/router"
	"github.com/rendis/handoff/internal/tools"
)

// continuationMiddleware watches tool calls for a task marker. The call runs
// exactly as it would without one and its result is returned unchanged; the
// result is then handed to the router in the background.
func (s *HandoffServer) continuationMiddleware(next server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if isTaskTool(req.Params.Name) {
			return next(ctx, req)
		}
		marker, ok := handoff.MarkerFromRequest(&req)

		res, err := next(ctx, req)
		if !ok {
			return res, err
		}
		s.forward(ctx, marker, req.Params.Name, res, err)
		return res, err
	}
}

func (s *HandoffServer) forward(ctx context.Context, marker handoff.Marker, tool string, res *mcp.CallToolResult, callErr error) {
	ctx = logging.WithStep(logging.WithTaskID(ctx, marker.TaskID), marker.Step)
	owner, err := s.router.Owner(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "continuation dropped: caller not authenticated", slog.String("tool", tool))
		return
	}
	s.captureSession(ctx, owner)

	c := router.Continuation{Step: marker.Step, Tool: tool}
	switch {
	case callErr != nil:
		c.IsError = true
		c.Message = callErr.Error()
	case res == nil:
		c.IsError = true
		c.Message = "tool returned no result"
	case res.IsError:
		retryable, code := failureClass(res)
		c.IsError = true
		c.Message = resultText(res)
		c.Permanent = !retryable
		c.Code = code
	default:
		c.Result = resultValue(res)
	}

	if err := s.router.ContinueAsync(ctx, owner, marker.TaskID, c); err != nil {
		s.logger.WarnContext(ctx, "continuation not scheduled", slog.String("tool", tool), slog.String("error", err.Error()))
	}
}

// resultValue recovers the tool output: structured content when present,
// otherwise the text content decoded as JSON, otherwise the raw text.
func resultValue(res *mcp.CallToolResult) any {
	if res.StructuredContent != nil {
		if v, err := tools.NormalizeOutput(res.StructuredContent); err == nil {
			return v
		}
	}
	text := resultText(res)
	var v any
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		return v
	}
	return text
}

func resultText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		switch tc := c.(type) {
		case mcp.TextContent:
			parts = append(parts, tc.Text)
		case *mcp.TextContent:
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
