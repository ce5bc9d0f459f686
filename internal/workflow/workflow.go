package workflow

import (
	"sort"

	"github.com/rendis/handoff/internal/tools"
	"github.com/rendis/handoff/pkg/schema"
)

// Argument is a declared workflow input.
type Argument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
}

// Step is one tool invocation in a workflow.
type Step struct {
	Name   string       `json:"name"`
	Tool   string       `json:"tool"`
	Args   []ArgBinding `json:"args,omitempty"`
	Output string       `json:"output,omitempty"`

	handle tools.Handle
}

// NewStep starts a step that invokes tool.
func NewStep(name, tool string) Step {
	return Step{Name: name, Tool: tool}
}

// Arg appends a named argument binding. Order is preserved.
func (s Step) Arg(name string, b Binding) Step {
	args := make([]ArgBinding, len(s.Args), len(s.Args)+1)
	copy(args, s.Args)
	s.Args = append(args, ArgBinding{Name: name, Binding: b})
	return s
}

// Into names the output binding later steps use to read this step's result.
func (s Step) Into(name string) Step {
	s.Output = name
	return s
}

// Handle returns the tool handle resolved when the workflow was built.
func (s Step) Handle() tools.Handle {
	return s.handle
}

// Workflow is an immutable, validated workflow description. Values returned by
// Build must not be modified.
type Workflow struct {
	Name         string     `json:"name"`
	Description  string     `json:"description,omitempty"`
	Arguments    []Argument `json:"arguments,omitempty"`
	Steps        []Step     `json:"steps"`
	Instructions []string   `json:"instructions,omitempty"`
	TaskSupport  bool       `json:"task_support"`
}

// StepIndex returns the index of the step with the given name, or -1.
func (w *Workflow) StepIndex(name string) int {
	for i, s := range w.Steps {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// Producer returns the index of the step whose output binding is name, or -1.
func (w *Workflow) Producer(output string) int {
	for i, s := range w.Steps {
		if s.Output == output {
			return i
		}
	}
	return -1
}

// CheckArguments reports missing required arguments and undeclared ones.
func (w *Workflow) CheckArguments(args map[string]any) error {
	res := schema.Issues{Workflow: w.Name}
	declared := make(map[string]struct{}, len(w.Arguments))
	for _, a := range w.Arguments {
		declared[a.Name] = struct{}{}
		if _, ok := args[a.Name]; a.Required && !ok {
			res.Addf("", a.Name, "required argument is missing")
		}
	}
	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := declared[name]; !ok {
			res.Addf("", name, "argument is not declared")
		}
	}
	return res.Err()
}
