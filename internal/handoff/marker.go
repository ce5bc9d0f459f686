package handoff

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// Marker keys a caller attaches to a tool call to route its result to a task.
const (
	MarkerTaskID = "_task_id"
	MarkerStep   = "_task_step"
)

// Marker is a task-correlation marker read from a tool call.
type Marker struct {
	TaskID string
	Step   string
}

// MarkerFromRequest reads the marker from the request's _meta and, failing
// that, from reserved tool arguments. Reserved arguments are removed from the
// request so the tool itself never sees them.
func MarkerFromRequest(req *mcp.CallToolRequest) (Marker, bool) {
	var m Marker
	if req.Params.Meta != nil {
		fields := req.Params.Meta.AdditionalFields
		m.TaskID, _ = fields[MarkerTaskID].(string)
		m.Step, _ = fields[MarkerStep].(string)
	}

	args := req.GetArguments()
	_, hasID := args[MarkerTaskID]
	_, hasStep := args[MarkerStep]
	if hasID || hasStep {
		clean := make(map[string]any, len(args))
		for k, v := range args {
			switch k {
			case MarkerTaskID:
				if m.TaskID == "" {
					m.TaskID, _ = v.(string)
				}
			case MarkerStep:
				if m.Step == "" {
					m.Step, _ = v.(string)
				}
			default:
				clean[k] = v
			}
		}
		req.Params.Arguments = clean
	}
	return m, m.TaskID != ""
}

// MarkerMeta returns the _meta fields a caller should send to target step of
// task id.
func MarkerMeta(taskID, step string) map[string]any {
	m := map[string]any{MarkerTaskID: taskID}
	if step != "" {
		m[MarkerStep] = step
	}
	return m
}
