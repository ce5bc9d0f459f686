package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/rendis/handoff/internal/logging"
	"github.com/rendis/handoff/internal/tasks"
	"github.com/rendis/handoff/internal/tools"
	"github.com/rendis/handoff/internal/workflow"
	"github.com/rendis/handoff/pkg/schema"
)

// Status is the terminal condition of one engine run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPaused    Status = "paused"
	StatusFailed    Status = "failed"
)

// Checkpoint is called after every server-side step completes, before the
// next step starts. Returning an error aborts the run.
type Checkpoint func(ctx context.Context, rec tasks.StepRecord) error

// Input is the state a run starts from.
type Input struct {
	Arguments map[string]any
	// Records are steps already completed. They are never re-invoked.
	Records    []tasks.StepRecord
	Checkpoint Checkpoint
}

// Outcome is the result of one run.
type Outcome struct {
	Status Status
	// Records holds every completed step in step order, including the ones
	// passed in.
	Records []tasks.StepRecord
	// New holds the records produced by this run.
	New []tasks.StepRecord
	// Pending holds caller-executed steps still waiting for a result.
	Pending []tasks.PendingCall
	Pause   *tasks.PauseReason
	Error   *tasks.TaskError
}

// Options configures an Engine.
type Options struct {
	Logger *slog.Logger
	Now    func() time.Time
}

// Engine runs workflow steps in order. It holds no per-task state and is
// safe for concurrent use.
type Engine struct {
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Engine.
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.New(logging.NewCorrelationHandler(slog.NewTextHandler(os.Stderr, nil)))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{logger: opts.Logger, now: opts.Now}
}

// Run executes wf from the first step without a recorded output.
//
// A step whose bindings read an output that is not present pauses the run
// with UnresolvedDependency. A caller-executed step has its arguments resolved
// and is handed back as a pending call while later independent steps keep
// running. A retryable tool failure pauses with ToolError; any other tool
// failure fails the run, as does an argument that cannot be resolved for a
// reason other than a missing output (an omitted optional argument, a field
// path that does not fit the output). Errors are returned only for a nil
// workflow and checkpoint failures.
func (e *Engine) Run(ctx context.Context, wf *workflow.Workflow, in Input) (*Outcome, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "workflow is nil")
	}

	done := make(map[string]tasks.StepRecord, len(in.Records))
	outputs := make(map[string]any, len(in.Records))
	for _, r := range in.Records {
		done[r.Step] = r
		if r.Binding != "" {
			outputs[r.Binding] = r.Output
		}
	}
	env := workflow.Env{Arguments: in.Arguments, Outputs: outputs}

	out := &Outcome{}
	var pending []tasks.PendingCall

	for i, step := range wf.Steps {
		if _, ok := done[step.Name]; ok {
			continue
		}
		sctx := logging.WithStep(ctx, step.Name)

		args, err := workflow.ResolveArguments(sctx, step, env)
		if err != nil {
			var missing *workflow.MissingOutputError
			if errors.As(err, &missing) {
				e.logger.DebugContext(sctx, "step waiting on output", slog.String("missing", missing.Binding))
				out.Pending = pending
				out.Pause = tasks.UnresolvedDependency(step.Name, i, missing.Binding)
				return e.finish(wf, in, out, StatusPaused), nil
			}
			code, msg := schema.ErrCodeResolve, err.Error()
			var he *schema.Error
			if errors.As(err, &he) {
				code, msg = he.Code, he.Message
			}
			e.logger.WarnContext(sctx, "step arguments unresolvable", slog.String("error", msg))
			out.Pending = pending
			out.Error = &tasks.TaskError{Step: step.Name, Tool: step.Tool, Code: code, Message: msg}
			return e.finish(wf, in, out, StatusFailed), nil
		}
		args = normalizeArgs(args)

		h := step.Handle()
		if h.CallerExecuted() {
			pending = append(pending, tasks.PendingCall{
				Index:     i,
				Step:      step.Name,
				Tool:      step.Tool,
				Binding:   step.Output,
				Arguments: args,
			})
			e.logger.DebugContext(sctx, "step deferred to caller", slog.String("tool", step.Tool))
			continue
		}

		start := e.now()
		result, err := h.Invoke(sctx, args)
		if err != nil {
			f, ok := tools.AsFailure(err)
			if !ok {
				f = &tools.Failure{Tool: step.Tool, Message: err.Error()}
			}
			out.Pending = pending
			if f.Retryable {
				e.logger.InfoContext(sctx, "step failed, retryable", slog.String("tool", step.Tool), slog.String("error", f.Message))
				out.Pause = tasks.ToolError(step.Name, i, true, f.Message)
				return e.finish(wf, in, out, StatusPaused), nil
			}
			e.logger.WarnContext(sctx, "step failed", slog.String("tool", step.Tool), slog.String("error", f.Message))
			out.Error = &tasks.TaskError{Step: step.Name, Tool: step.Tool, Code: f.Code, Message: f.Message}
			return e.finish(wf, in, out, StatusFailed), nil
		}

		rec := tasks.StepRecord{
			Index:      i,
			Step:       step.Name,
			Tool:       step.Tool,
			Binding:    step.Output,
			Arguments:  args,
			Output:     result,
			Source:     schema.SourceServer,
			RecordedAt: e.now(),
		}
		out.New = append(out.New, rec)
		done[step.Name] = rec
		if step.Output != "" {
			outputs[step.Output] = result
		}
		e.logger.DebugContext(sctx, "step completed",
			slog.String("tool", step.Tool),
			slog.Duration("duration", rec.RecordedAt.Sub(start)))

		if in.Checkpoint != nil {
			if err := in.Checkpoint(sctx, rec); err != nil {
				return nil, err
			}
		}
	}

	if len(pending) > 0 {
		first := pending[0]
		missing := first.Binding
		if missing == "" {
			missing = first.Step
		}
		out.Pending = pending
		out.Pause = tasks.UnresolvedDependency(first.Step, first.Index, missing)
		return e.finish(wf, in, out, StatusPaused), nil
	}
	return e.finish(wf, in, out, StatusCompleted), nil
}

func (e *Engine) finish(wf *workflow.Workflow, in Input, out *Outcome, status Status) *Outcome {
	out.Status = status
	all := make([]tasks.StepRecord, 0, len(in.Records)+len(out.New))
	byStep := make(map[string]tasks.StepRecord, len(in.Records)+len(out.New))
	for _, r := range in.Records {
		byStep[r.Step] = r
	}
	for _, r := range out.New {
		byStep[r.Step] = r
	}
	for _, s := range wf.Steps {
		if r, ok := byStep[s.Name]; ok {
			all = append(all, r)
		}
	}
	out.Records = all
	return out
}

// Results returns the ordered {step, arguments, output} list of a completed
// run, the plain result of a non-task workflow.
func (o *Outcome) Results() []StepResult {
	out := make([]StepResult, len(o.Records))
	for i, r := range o.Records {
		out[i] = StepResult{Step: r.Step, Arguments: r.Arguments, Output: r.Output}
	}
	return out
}

// StepResult is one entry of a completed run's result list.
type StepResult struct {
	Step      string         `json:"step"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Output    any            `json:"output"`
}

func normalizeArgs(args map[string]any) map[string]any {
	norm, err := tools.NormalizeOutput(args)
	if err != nil {
		return args
	}
	m, ok := norm.(map[string]any)
	if !ok {
		return args
	}
	return m
}
