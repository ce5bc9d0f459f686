package workflow

import (
	"github.com/rendis/handoff/internal/tools"
	"github.com/rendis/handoff/pkg/schema"
)

// ToolResolver maps a tool reference to a handle. *tools.Registry implements it.
type ToolResolver interface {
	Resolve(name string) (tools.Handle, error)
}

// Builder assembles a Workflow. Methods chain; nothing is checked until
// Validate or Build.
type Builder struct {
	wf Workflow
}

// Define starts a workflow definition.
func Define(name, description string) *Builder {
	return &Builder{wf: Workflow{Name: name, Description: description}}
}

// Argument declares a workflow input.
func (b *Builder) Argument(name, description string, required bool) *Builder {
	b.wf.Arguments = append(b.wf.Arguments, Argument{Name: name, Description: description, Required: required})
	return b
}

// Instruction appends a system instruction sent to the caller with the prompt.
func (b *Builder) Instruction(text string) *Builder {
	b.wf.Instructions = append(b.wf.Instructions, text)
	return b
}

// Step appends a step.
func (b *Builder) Step(s Step) *Builder {
	b.wf.Steps = append(b.wf.Steps, s)
	return b
}

// TaskSupport opts the workflow into task augmentation.
func (b *Builder) TaskSupport(on bool) *Builder {
	b.wf.TaskSupport = on
	return b
}

// Validate checks the definition without resolving tools.
func (b *Builder) Validate() error {
	return Validate(&b.wf)
}

// Build validates the definition and resolves every step's tool exactly once.
// The returned Workflow shares nothing with the builder.
func (b *Builder) Build(resolver ToolResolver) (*Workflow, error) {
	wf := b.snapshot()
	if err := Validate(wf); err != nil {
		return nil, err
	}
	if resolver == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "tool resolver is nil")
	}

	res := schema.Issues{Workflow: wf.Name, Code: schema.ErrCodeToolUnavailable}
	for i := range wf.Steps {
		h, err := resolver.Resolve(wf.Steps[i].Tool)
		if err != nil {
			res.Add(schema.Issue{Step: wf.Steps[i].Name, Field: "tool", Message: err.Error()})
			continue
		}
		wf.Steps[i].handle = h
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	return wf, nil
}

func (b *Builder) snapshot() *Workflow {
	wf := b.wf
	wf.Arguments = append([]Argument(nil), b.wf.Arguments...)
	wf.Instructions = append([]string(nil), b.wf.Instructions...)
	wf.Steps = make([]Step, len(b.wf.Steps))
	for i, s := range b.wf.Steps {
		s.Args = append([]ArgBinding(nil), s.Args...)
		wf.Steps[i] = s
	}
	return &wf
}
