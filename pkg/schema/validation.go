package schema

import (
	"fmt"
	"strings"
)

// Issue is one problem found in a workflow definition or in the arguments a
// caller supplied for one. Step and Argument locate it; Field names the step
// attribute at fault ("tool", "output", "name"). A workflow-level issue
// leaves all three empty.
type Issue struct {
	Step     string `json:"step,omitempty"`
	Argument string `json:"argument,omitempty"`
	Field    string `json:"field,omitempty"`
	Message  string `json:"message"`
}

// Location renders where the issue sits, e.g. `step "fetch" argument "sql"`.
func (i Issue) Location() string {
	var parts []string
	if i.Step != "" {
		parts = append(parts, fmt.Sprintf("step %q", i.Step))
	}
	if i.Argument != "" {
		parts = append(parts, fmt.Sprintf("argument %q", i.Argument))
	}
	if i.Field != "" {
		parts = append(parts, i.Field)
	}
	return strings.Join(parts, " ")
}

func (i Issue) String() string {
	if loc := i.Location(); loc != "" {
		return loc + ": " + i.Message
	}
	return i.Message
}

// Issues collects every problem found while checking one workflow so they
// can be reported together. The zero value reports VALIDATION_ERROR.
type Issues struct {
	Workflow string
	Code     string
	List     []Issue
}

// Add records an issue.
func (r *Issues) Add(is Issue) {
	r.List = append(r.List, is)
}

// Addf records an issue located at step and argument, either of which may
// be empty.
func (r *Issues) Addf(step, argument, format string, args ...any) {
	r.Add(Issue{Step: step, Argument: argument, Message: fmt.Sprintf(format, args...)})
}

// Empty reports whether nothing was recorded.
func (r *Issues) Empty() bool {
	return len(r.List) == 0
}

// Err returns nil when nothing was recorded. Otherwise it returns an *Error
// whose message lists every issue in the order found and whose details carry
// them as "issues". A single issue on a step also sets Error.Step.
func (r *Issues) Err() error {
	if r.Empty() {
		return nil
	}
	code := r.Code
	if code == "" {
		code = ErrCodeValidation
	}

	var msg string
	if len(r.List) == 1 {
		msg = r.List[0].String()
	} else {
		lines := make([]string, len(r.List))
		for i, is := range r.List {
			lines[i] = is.String()
		}
		msg = fmt.Sprintf("%d problems: %s", len(r.List), strings.Join(lines, "; "))
	}
	if r.Workflow != "" {
		msg = fmt.Sprintf("workflow %q: %s", r.Workflow, msg)
	}

	details := map[string]any{"issues": append([]Issue(nil), r.List...)}
	if r.Workflow != "" {
		details["workflow"] = r.Workflow
	}
	err := NewError(code, msg).WithDetails(details)
	if len(r.List) == 1 {
		err.Step = r.List[0].Step
	}
	return err
}
