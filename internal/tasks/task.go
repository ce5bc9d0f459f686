package tasks

import (
	"sort"
	"time"

	"github.com/rendis/handoff/pkg/schema"
)

// StepRecord is the recorded result of one step.
type StepRecord struct {
	Index      int                 `json:"index"`
	Step       string              `json:"step"`
	Tool       string              `json:"tool"`
	Binding    string              `json:"binding,omitempty"`
	Arguments  map[string]any      `json:"arguments,omitempty"`
	Output     any                 `json:"output"`
	Source     schema.RecordSource `json:"source"`
	RecordedAt time.Time           `json:"recorded_at"`
}

// PendingCall is a caller-executed step whose arguments are resolved and
// whose result has not arrived yet.
type PendingCall struct {
	Index     int            `json:"index"`
	Step      string         `json:"step"`
	Tool      string         `json:"tool"`
	Binding   string         `json:"binding,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// PauseReason says why a task stopped.
type PauseReason struct {
	Kind      schema.PauseKind `json:"kind"`
	Step      string           `json:"step"`
	StepIndex int              `json:"step_index"`
	Retryable bool             `json:"retryable,omitempty"`
	Missing   string           `json:"missing,omitempty"`
	Message   string           `json:"message,omitempty"`
}

// ToolError builds a ToolError pause reason.
func ToolError(step string, index int, retryable bool, message string) *PauseReason {
	return &PauseReason{Kind: schema.PauseToolError, Step: step, StepIndex: index, Retryable: retryable, Message: message}
}

// UnresolvedDependency builds an UnresolvedDependency pause reason.
func UnresolvedDependency(step string, index int, missing string) *PauseReason {
	return &PauseReason{Kind: schema.PauseUnresolvedDependency, Step: step, StepIndex: index, Missing: missing}
}

// TaskError describes why a task failed.
type TaskError struct {
	Step    string `json:"step,omitempty"`
	Tool    string `json:"tool,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Task is the durable record of one task-augmented workflow invocation.
type Task struct {
	ID        string            `json:"id"`
	Owner     string            `json:"owner"`
	Workflow  string            `json:"workflow"`
	Arguments map[string]any    `json:"arguments,omitempty"`
	State     schema.TaskStatus `json:"state"`
	Records   []StepRecord      `json:"records,omitempty"`
	Pending   []PendingCall     `json:"pending,omitempty"`
	Pause     *PauseReason      `json:"pause,omitempty"`
	Result    any               `json:"result,omitempty"`
	Error     *TaskError        `json:"error,omitempty"`
	Version   int64             `json:"version"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// New returns a task in the created state.
func New(id, owner, workflow string, args map[string]any, now time.Time) *Task {
	return &Task{
		ID:        id,
		Owner:     owner,
		Workflow:  workflow,
		Arguments: copyMap(args),
		State:     schema.TaskStatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Terminal reports whether the task is completed or failed.
func (t *Task) Terminal() bool {
	return t.State.Terminal()
}

// Record stores rec, replacing any earlier record for the same step, and
// drops the matching pending call. Records stay ordered by step index.
func (t *Task) Record(rec StepRecord) {
	replaced := false
	for i := range t.Records {
		if t.Records[i].Step == rec.Step {
			t.Records[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		t.Records = append(t.Records, rec)
		sort.SliceStable(t.Records, func(i, j int) bool {
			return t.Records[i].Index < t.Records[j].Index
		})
	}

	kept := t.Pending[:0]
	for _, p := range t.Pending {
		if p.Step != rec.Step {
			kept = append(kept, p)
		}
	}
	t.Pending = kept
}

// Defer adds or replaces a pending caller call.
func (t *Task) Defer(p PendingCall) {
	for i := range t.Pending {
		if t.Pending[i].Step == p.Step {
			t.Pending[i] = p
			return
		}
	}
	t.Pending = append(t.Pending, p)
	sort.SliceStable(t.Pending, func(i, j int) bool {
		return t.Pending[i].Index < t.Pending[j].Index
	})
}

// RecordFor returns the record of step, if any.
func (t *Task) RecordFor(step string) (StepRecord, bool) {
	for _, r := range t.Records {
		if r.Step == step {
			return r, true
		}
	}
	return StepRecord{}, false
}

// PendingFor returns the pending call of step, if any.
func (t *Task) PendingFor(step string) (PendingCall, bool) {
	for _, p := range t.Pending {
		if p.Step == step {
			return p, true
		}
	}
	return PendingCall{}, false
}

// Outputs maps output binding names to recorded outputs.
func (t *Task) Outputs() map[string]any {
	out := make(map[string]any, len(t.Records))
	for _, r := range t.Records {
		if r.Binding != "" {
			out[r.Binding] = r.Output
		}
	}
	return out
}

// Clone returns a deep copy. Outputs and arguments are plain JSON values, so
// maps and slices are the only containers that need copying.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Arguments = copyMap(t.Arguments)
	c.Result = copyValue(t.Result)
	if t.Records != nil {
		c.Records = make([]StepRecord, len(t.Records))
		for i, r := range t.Records {
			r.Arguments = copyMap(r.Arguments)
			r.Output = copyValue(r.Output)
			c.Records[i] = r
		}
	}
	if t.Pending != nil {
		c.Pending = make([]PendingCall, len(t.Pending))
		for i, p := range t.Pending {
			p.Arguments = copyMap(p.Arguments)
			c.Pending[i] = p
		}
	}
	if t.Pause != nil {
		p := *t.Pause
		c.Pause = &p
	}
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	return &c
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}
