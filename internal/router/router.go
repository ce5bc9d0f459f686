package router

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/handoff/internal/engine"
	"github.com/rendis/handoff/internal/logging"
	"github.com/rendis/handoff/internal/store"
	"github.com/rendis/handoff/internal/streaming"
	"github.com/rendis/handoff/internal/tasks"
	"github.com/rendis/handoff/internal/tools"
	"github.com/rendis/handoff/internal/workflow"
	"github.com/rendis/handoff/pkg/schema"
)

// DefaultWorkers bounds concurrent background continuations.
const DefaultWorkers = 8

// Continuation is a caller-supplied tool result addressed to a task.
type Continuation struct {
	// Step names the target step explicitly. When empty the target is
	// inferred from Tool.
	Step    string `json:"step,omitempty"`
	Tool    string `json:"tool,omitempty"`
	Result  any    `json:"result,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
	Message string `json:"message,omitempty"`
	// Permanent marks an error result that repeating the call cannot fix.
	// It fails the task instead of pausing it.
	Permanent bool   `json:"permanent,omitempty"`
	Code      string `json:"code,omitempty"`
}

// Deps are the collaborators a Router is built from.
type Deps struct {
	Store     store.Store
	Engine    *engine.Engine
	Workflows *workflow.Catalog
	Hub       streaming.EventHub
	Logger    *slog.Logger
	Workers   int
	Now       func() time.Time
	NewID     func() string
}

// Router creates tasks, drives continuations and cancels tasks. It owns no
// task state; every read-modify-write goes through the store, serialized per
// task id.
type Router struct {
	store     store.Store
	engine    *engine.Engine
	workflows *workflow.Catalog
	hub       streaming.EventHub
	logger    *slog.Logger
	backlog   *backlog
	locks     *keyedMutex
	now       func() time.Time
	newID     func() string
}

// New builds a Router. Store, Engine and Workflows are required.
func New(deps Deps) (*Router, error) {
	if deps.Store == nil || deps.Engine == nil || deps.Workflows == nil {
		return nil, fmt.Errorf("router: store, engine and workflows are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(logging.NewCorrelationHandler(slog.NewTextHandler(os.Stderr, nil)))
	}
	if deps.Hub == nil {
		deps.Hub = streaming.NewMemoryHub()
	}
	if deps.Workers <= 0 {
		deps.Workers = DefaultWorkers
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	return &Router{
		store:     deps.Store,
		engine:    deps.Engine,
		workflows: deps.Workflows,
		hub:       deps.Hub,
		logger:    deps.Logger,
		backlog:   newBacklog(deps.Workers, deps.Logger),
		locks:     newKeyedMutex(),
		now:       deps.Now,
		newID:     deps.NewID,
	}, nil
}

// Hub returns the event hub task changes are published on.
func (r *Router) Hub() streaming.EventHub { return r.hub }

// Workflows returns the workflow catalog.
func (r *Router) Workflows() *workflow.Catalog { return r.workflows }

// Owner resolves the caller identity under the store's security policy.
func (r *Router) Owner(ctx context.Context) (string, error) {
	return r.store.Policy().Resolve(ctx)
}

// Execute runs wf without a task. Nothing is persisted.
func (r *Router) Execute(ctx context.Context, wf *workflow.Workflow, args map[string]any) (*engine.Outcome, error) {
	if err := wf.CheckArguments(args); err != nil {
		return nil, err
	}
	return r.engine.Run(ctx, wf, engine.Input{Arguments: args})
}

// Start creates a task for wf and runs it until it completes, pauses or
// fails.
func (r *Router) Start(ctx context.Context, owner string, wf *workflow.Workflow, args map[string]any) (*tasks.Task, error) {
	if err := wf.CheckArguments(args); err != nil {
		return nil, err
	}
	t := tasks.New(r.newID(), owner, wf.Name, args, r.now())
	if err := r.store.Create(ctx, t); err != nil {
		return nil, err
	}
	ctx = logging.WithOwner(logging.WithTaskID(ctx, t.ID), owner)
	r.logger.InfoContext(ctx, "task created", slog.String("workflow", wf.Name))
	r.publish(ctx, t, schema.EventTaskCreated, "", nil)

	unlock := r.locks.Lock(t.ID)
	defer unlock()
	return r.advance(ctx, owner, t.ID, wf)
}

// Continue merges a caller result into the task and resumes it.
//
// The target step is c.Step when set, otherwise the first pending call for
// c.Tool, otherwise the first unrecorded step running c.Tool, otherwise the
// caller-recorded step running c.Tool (a retry). A repeated result for the
// same step overwrites the earlier one. Error results merge nothing: they
// pause the task on the step, or fail it when c.Permanent is set.
func (r *Router) Continue(ctx context.Context, owner, id string, c Continuation) (*tasks.Task, error) {
	ctx = logging.WithOwner(logging.WithTaskID(ctx, id), owner)
	unlock := r.locks.Lock(id)
	defer unlock()

	t, err := r.store.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if err := tasks.EnsureActive(t); err != nil {
		return nil, err
	}
	wf, err := r.workflowOf(t)
	if err != nil {
		return nil, err
	}
	idx, err := targetStep(wf, t, c)
	if err != nil {
		return nil, err
	}
	step := wf.Steps[idx]
	ctx = logging.WithStep(ctx, step.Name)

	if c.IsError {
		return r.recordFailure(ctx, owner, id, step, idx, c)
	}

	output, err := tools.NormalizeOutput(c.Result)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "result is not JSON-encodable").WithCause(err)
	}
	merged, err := r.store.Update(ctx, owner, id, func(t *tasks.Task) error {
		if err := tasks.EnsureActive(t); err != nil {
			return err
		}
		var args map[string]any
		if p, ok := t.PendingFor(step.Name); ok {
			args = p.Arguments
		} else if prev, ok := t.RecordFor(step.Name); ok {
			args = prev.Arguments
		}
		now := r.now()
		t.Record(tasks.StepRecord{
			Index:      idx,
			Step:       step.Name,
			Tool:       step.Tool,
			Binding:    step.Output,
			Arguments:  args,
			Output:     output,
			Source:     schema.SourceCaller,
			RecordedAt: now,
		})
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.InfoContext(ctx, "caller result merged", slog.String("binding", step.Output))
	r.publish(ctx, merged, schema.EventResultMerged, step.Name, nil)

	return r.advance(ctx, owner, id, wf)
}

// Resume re-enters the engine without new data, retrying a step that paused
// on a retryable tool error.
func (r *Router) Resume(ctx context.Context, owner, id string) (*tasks.Task, error) {
	ctx = logging.WithOwner(logging.WithTaskID(ctx, id), owner)
	unlock := r.locks.Lock(id)
	defer unlock()

	t, err := r.store.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if err := tasks.EnsureActive(t); err != nil {
		return nil, err
	}
	wf, err := r.workflowOf(t)
	if err != nil {
		return nil, err
	}
	return r.advance(ctx, owner, id, wf)
}

// ContinueAsync runs Continue on a background worker. Failures are logged;
// the returned error only reports whether the work was accepted.
func (r *Router) ContinueAsync(ctx context.Context, owner, id string, c Continuation) error {
	ctx = logging.WithOwner(logging.WithTaskID(ctx, id), owner)
	return r.backlog.submit(ctx, id, func(ctx context.Context) error {
		if _, err := r.Continue(ctx, owner, id, c); err != nil {
			r.logger.WarnContext(ctx, "continuation failed",
				slog.String("tool", c.Tool), slog.String("error", err.Error()))
			return err
		}
		return nil
	})
}

// Drain blocks until all background continuations have finished.
func (r *Router) Drain() {
	r.backlog.wait()
}

// Close stops accepting background work and waits for in-flight work.
func (r *Router) Close() {
	r.backlog.close()
}

// ContinuationStats reports background continuation work.
func (r *Router) ContinuationStats() ContinuationStats {
	return r.backlog.stats()
}

// Cancel forces the task to completed with the supplied result, skipping any
// remaining steps.
func (r *Router) Cancel(ctx context.Context, owner, id string, result any) (*tasks.Task, error) {
	ctx = logging.WithOwner(logging.WithTaskID(ctx, id), owner)
	normalized, err := tools.NormalizeOutput(result)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "result is not JSON-encodable").WithCause(err)
	}

	unlock := r.locks.Lock(id)
	defer unlock()
	t, err := r.store.Update(ctx, owner, id, func(t *tasks.Task) error {
		if err := tasks.Transition(t, schema.TaskStatusCompleted, r.now()); err != nil {
			return err
		}
		t.Result = normalized
		t.Pending = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.InfoContext(ctx, "task cancelled with result")
	r.publish(ctx, t, schema.EventTaskCancelled, "", nil)
	return t, nil
}

// Get returns one of the owner's tasks.
func (r *Router) Get(ctx context.Context, owner, id string) (*tasks.Task, error) {
	return r.store.Get(ctx, owner, id)
}

// List returns the owner's tasks, newest first.
func (r *Router) List(ctx context.Context, owner string, filter store.ListFilter) ([]*tasks.Task, error) {
	return r.store.ListByOwner(ctx, owner, filter)
}

// Workflow returns the definition a task runs.
func (r *Router) Workflow(t *tasks.Task) (*workflow.Workflow, error) {
	return r.workflowOf(t)
}

func (r *Router) workflowOf(t *tasks.Task) (*workflow.Workflow, error) {
	wf, ok := r.workflows.Get(t.Workflow)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q is not registered", t.Workflow)
	}
	return wf, nil
}

// advance moves the task to running and runs the engine from the first
// unrecorded step. Callers hold the task lock.
func (r *Router) advance(ctx context.Context, owner, id string, wf *workflow.Workflow) (*tasks.Task, error) {
	var from schema.TaskStatus
	t, err := r.store.Update(ctx, owner, id, func(t *tasks.Task) error {
		from = t.State
		// A running task here was abandoned mid-run; resume it as is.
		if t.State == schema.TaskStatusRunning {
			return nil
		}
		return tasks.Transition(t, schema.TaskStatusRunning, r.now())
	})
	if err != nil {
		return nil, err
	}
	if from == schema.TaskStatusPaused {
		r.publish(ctx, t, schema.EventTaskResumed, "", nil)
	}

	out, err := r.engine.Run(ctx, wf, engine.Input{
		Arguments: t.Arguments,
		Records:   t.Records,
		Checkpoint: func(ctx context.Context, rec tasks.StepRecord) error {
			saved, err := r.store.Update(ctx, owner, id, func(t *tasks.Task) error {
				if err := tasks.EnsureActive(t); err != nil {
					return err
				}
				t.Record(rec)
				t.UpdatedAt = rec.RecordedAt
				return nil
			})
			if err != nil {
				return err
			}
			r.publish(ctx, saved, schema.EventStepCompleted, rec.Step, nil)
			return nil
		},
	})
	if err != nil {
		r.logger.WarnContext(ctx, "run aborted", slog.String("error", err.Error()))
		return nil, err
	}
	return r.settle(ctx, owner, id, out)
}

// settle persists the engine outcome and the resulting state transition.
func (r *Router) settle(ctx context.Context, owner, id string, out *engine.Outcome) (*tasks.Task, error) {
	var (
		event string
		step  string
	)
	t, err := r.store.Update(ctx, owner, id, func(t *tasks.Task) error {
		for _, rec := range out.New {
			t.Record(rec)
		}
		t.Pending = out.Pending
		now := r.now()
		switch out.Status {
		case engine.StatusCompleted:
			result, err := tools.NormalizeOutput(out.Results())
			if err != nil {
				return err
			}
			if err := tasks.Transition(t, schema.TaskStatusCompleted, now); err != nil {
				return err
			}
			t.Result = result
			event = schema.EventTaskCompleted
		case engine.StatusPaused:
			if err := tasks.Transition(t, schema.TaskStatusPaused, now); err != nil {
				return err
			}
			t.Pause = out.Pause
			step = out.Pause.Step
			event = schema.EventTaskPaused
		case engine.StatusFailed:
			if err := tasks.Transition(t, schema.TaskStatusFailed, now); err != nil {
				return err
			}
			t.Error = out.Error
			step = out.Error.Step
			event = schema.EventTaskFailed
		default:
			return schema.NewErrorf(schema.ErrCodeExecution, "unknown run status %q", out.Status)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.InfoContext(ctx, "task settled", slog.String("state", string(t.State)))
	r.publish(ctx, t, event, step, nil)
	return t, nil
}

// recordFailure applies a caller-reported tool error. A retryable error
// pauses the task on the step; a permanent one fails it. Either way the task
// passes through running, so a paused or abandoned task ends in a state the
// lifecycle allows.
func (r *Router) recordFailure(ctx context.Context, owner, id string, step workflow.Step, idx int, c Continuation) (*tasks.Task, error) {
	msg := c.Message
	if msg == "" {
		msg = fmt.Sprintf("tool %s reported an error", step.Tool)
	}
	code := c.Code
	if code == "" {
		code = "tool_error"
	}
	var event string
	t, err := r.store.Update(ctx, owner, id, func(t *tasks.Task) error {
		if err := tasks.EnsureActive(t); err != nil {
			return err
		}
		now := r.now()
		if t.State != schema.TaskStatusRunning {
			if err := tasks.Transition(t, schema.TaskStatusRunning, now); err != nil {
				return err
			}
		}
		if c.Permanent {
			if err := tasks.Transition(t, schema.TaskStatusFailed, now); err != nil {
				return err
			}
			t.Error = &tasks.TaskError{Step: step.Name, Tool: step.Tool, Code: code, Message: msg}
			event = schema.EventTaskFailed
			return nil
		}
		if err := tasks.Transition(t, schema.TaskStatusPaused, now); err != nil {
			return err
		}
		t.Pause = tasks.ToolError(step.Name, idx, true, msg)
		event = schema.EventTaskPaused
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.InfoContext(ctx, "caller reported tool error",
		slog.String("error", msg), slog.Bool("permanent", c.Permanent))
	r.publish(ctx, t, event, step.Name, nil)
	return t, nil
}

// targetStep picks the step a continuation applies to.
func targetStep(wf *workflow.Workflow, t *tasks.Task, c Continuation) (int, error) {
	if c.Step != "" {
		i := wf.StepIndex(c.Step)
		if i < 0 {
			return -1, schema.NewErrorf(schema.ErrCodeValidation, "workflow %q has no step %q", wf.Name, c.Step)
		}
		if c.Tool != "" && wf.Steps[i].Tool != c.Tool {
			return -1, schema.NewErrorf(schema.ErrCodeConflict,
				"step %q runs tool %q, not %q", c.Step, wf.Steps[i].Tool, c.Tool)
		}
		return i, nil
	}
	for _, p := range t.Pending {
		if p.Tool == c.Tool {
			return p.Index, nil
		}
	}
	for i, s := range wf.Steps {
		if s.Tool != c.Tool {
			continue
		}
		if _, done := t.RecordFor(s.Name); !done {
			return i, nil
		}
	}
	for _, rec := range t.Records {
		if rec.Tool == c.Tool && rec.Source == schema.SourceCaller {
			return rec.Index, nil
		}
	}
	return -1, schema.NewErrorf(schema.ErrCodeConflict, "task %s has no step waiting for tool %q", t.ID, c.Tool)
}

func (r *Router) publish(ctx context.Context, t *tasks.Task, eventType, step string, payload any) {
	if t == nil || eventType == "" {
		return
	}
	err := r.hub.Publish(context.WithoutCancel(ctx), streaming.TaskEvent{
		TaskID:    t.ID,
		Owner:     t.Owner,
		Workflow:  t.Workflow,
		Step:      step,
		EventType: eventType,
		State:     t.State,
		Payload:   payload,
		At:        t.UpdatedAt,
	})
	if err != nil {
		r.logger.DebugContext(ctx, "event not published", slog.String("error", err.Error()))
	}
}
