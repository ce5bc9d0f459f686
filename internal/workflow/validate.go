package workflow

import (
	"fmt"

	"github.com/rendis/handoff/pkg/schema"
)

// Validate checks a workflow definition. Checks run in a fixed order and all
// findings are reported together:
//
//  1. the workflow has at least one step
//  2. every FromArgument names a declared argument
//  3. every FromStep/FromStepField names an output of a strictly earlier step
//  4. output binding names are unique
//
// followed by structural checks on names and field paths. Each issue carries
// the step and argument it was found on.
func Validate(wf *Workflow) error {
	if wf == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}

	res := schema.Issues{Workflow: wf.Name}

	if len(wf.Steps) == 0 {
		res.Addf("", "", "workflow must have at least one step")
	}

	declared := make(map[string]struct{}, len(wf.Arguments))
	for _, a := range wf.Arguments {
		declared[a.Name] = struct{}{}
	}
	for i, s := range wf.Steps {
		for _, ab := range s.Args {
			if ab.Binding.Kind != KindFromArgument {
				continue
			}
			if _, ok := declared[ab.Binding.Name]; !ok {
				res.Addf(stepRef(i, s), ab.Name, "references undeclared argument %q", ab.Binding.Name)
			}
		}
	}

	for i, s := range wf.Steps {
		for _, ab := range s.Args {
			if !ab.Binding.ReadsStep() {
				continue
			}
			producer := wf.Producer(ab.Binding.Name)
			switch {
			case producer < 0:
				res.Addf(stepRef(i, s), ab.Name, "references unknown output %q", ab.Binding.Name)
			case producer >= i:
				res.Addf(stepRef(i, s), ab.Name,
					"references output %q, which is not produced by an earlier step", ab.Binding.Name)
			}
		}
	}

	outputs := make(map[string]int, len(wf.Steps))
	for i, s := range wf.Steps {
		if s.Output == "" {
			continue
		}
		if first, dup := outputs[s.Output]; dup {
			res.Add(schema.Issue{Step: stepRef(i, s), Field: "output",
				Message: fmt.Sprintf("output %q is already produced by step %s", s.Output, stepRef(first, wf.Steps[first]))})
			continue
		}
		outputs[s.Output] = i
	}

	validateStructure(wf, &res)

	return res.Err()
}

func validateStructure(wf *Workflow, res *schema.Issues) {
	if wf.Name == "" {
		res.Add(schema.Issue{Field: "name", Message: "workflow name is empty"})
	}

	args := make(map[string]struct{}, len(wf.Arguments))
	for i, a := range wf.Arguments {
		if a.Name == "" {
			res.Addf("", fmt.Sprintf("#%d", i+1), "argument name is empty")
			continue
		}
		if _, dup := args[a.Name]; dup {
			res.Addf("", a.Name, "argument is declared twice")
		}
		args[a.Name] = struct{}{}
	}

	steps := make(map[string]struct{}, len(wf.Steps))
	for i, s := range wf.Steps {
		ref := stepRef(i, s)
		if s.Name == "" {
			res.Add(schema.Issue{Step: ref, Field: "name", Message: "step name is empty"})
		} else if _, dup := steps[s.Name]; dup {
			res.Add(schema.Issue{Step: ref, Field: "name", Message: "step name is used twice"})
		}
		steps[s.Name] = struct{}{}

		if s.Tool == "" {
			res.Add(schema.Issue{Step: ref, Field: "tool", Message: "tool reference is empty"})
		}

		seen := make(map[string]struct{}, len(s.Args))
		for _, ab := range s.Args {
			if ab.Name == "" {
				res.Addf(ref, "", "argument binding name is empty")
				continue
			}
			if _, dup := seen[ab.Name]; dup {
				res.Addf(ref, ab.Name, "argument is bound twice")
			}
			seen[ab.Name] = struct{}{}
			if ab.Binding.Kind == KindFromStepField && ab.Binding.pathErr != nil {
				res.Addf(ref, ab.Name, "%s", ab.Binding.pathErr.Error())
			}
		}
	}
}

// stepRef names a step in an issue. Unnamed steps are referred to by
// position, counting from 1.
func stepRef(i int, s Step) string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("#%d", i+1)
}
