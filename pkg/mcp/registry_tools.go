package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/handoff/internal/tools"
)

var emptyObjectSchema = json.RawMessage(`{"type":"object"}`)

// registryTools exposes every tool this server hosts. Tools declared only by
// name are run by the caller elsewhere and reported through tasks_submit.
func (s *HandoffServer) registryTools() []server.ServerTool {
	infos := s.registry.List()
	out := make([]server.ServerTool, 0, len(infos))
	for _, info := range infos {
		if !info.Local {
			continue
		}
		inputSchema := info.Descriptor.InputSchema
		if len(inputSchema) == 0 {
			inputSchema = emptyObjectSchema
		}
		out = append(out, server.ServerTool{
			Tool:    mcp.NewToolWithRawSchema(info.Name, info.Descriptor.Description, inputSchema),
			Handler: s.registryHandler(info.Name),
		})
	}
	return out
}

func (s *HandoffServer) registryHandler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		h, err := s.registry.Resolve(name)
		if err != nil {
			return errorResult(err), nil
		}
		out, err := h.Call(ctx, req.GetArguments())
		if err != nil {
			if f, ok := tools.AsFailure(err); ok {
				return failureResult(f), nil
			}
			return errorResult(err), nil
		}
		return marshalResult(out)
	}
}

// Keys of the _meta attached to a failed tool result.
const (
	failureRetryableKey = "retryable"
	failureCodeKey      = "code"
)

// failureResult is the error result of a failed local tool. Its _meta keeps
// the failure classification so a marked call can fail or pause its task.
func failureResult(f *tools.Failure) *mcp.CallToolResult {
	res := mcp.NewToolResultError(f.Message)
	res.Meta = &mcp.Meta{AdditionalFields: map[string]any{
		failureRetryableKey: f.Retryable,
		failureCodeKey:      f.Code,
	}}
	return res
}

// failureClass reads back what failureResult recorded. Results without it
// count as retryable.
func failureClass(res *mcp.CallToolResult) (retryable bool, code string) {
	retryable = true
	if res == nil || res.Meta == nil {
		return retryable, ""
	}
	if v, ok := res.Meta.AdditionalFields[failureRetryableKey].(bool); ok {
		retryable = v
	}
	code, _ = res.Meta.AdditionalFields[failureCodeKey].(string)
	return retryable, code
}
