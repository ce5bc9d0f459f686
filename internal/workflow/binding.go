package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/handoff/internal/expressions"
)

// BindingKind discriminates the four ways a step argument obtains its value.
type BindingKind int

const (
	KindConstant BindingKind = iota
	KindFromArgument
	KindFromStep
	KindFromStepField
)

func (k BindingKind) String() string {
	switch k {
	case KindConstant:
		return "constant"
	case KindFromArgument:
		return "from_argument"
	case KindFromStep:
		return "from_step"
	case KindFromStepField:
		return "from_step_field"
	default:
		return fmt.Sprintf("binding_kind(%d)", int(k))
	}
}

// Binding is a step argument expression. Build one with Constant,
// FromArgument, FromStep or FromStepField.
type Binding struct {
	Kind  BindingKind
	Value any    // KindConstant
	Name  string // argument name or output binding name
	Field string // KindFromStepField

	path    expressions.FieldPath
	pathErr error
}

// Constant binds a fixed JSON value.
func Constant(v any) Binding {
	return Binding{Kind: KindConstant, Value: v}
}

// FromArgument binds a declared workflow argument.
func FromArgument(name string) Binding {
	return Binding{Kind: KindFromArgument, Name: name}
}

// FromStep binds the whole output of an earlier step.
func FromStep(output string) Binding {
	return Binding{Kind: KindFromStep, Name: output}
}

// FromStepField binds a field of an earlier step's output. path uses dots and
// [n] indexes, e.g. "rows[0].id".
func FromStepField(output, path string) Binding {
	b := Binding{Kind: KindFromStepField, Name: output, Field: path}
	b.path, b.pathErr = expressions.ParseFieldPath(path)
	return b
}

// ReadsStep reports whether the binding depends on a step output.
func (b Binding) ReadsStep() bool {
	return b.Kind == KindFromStep || b.Kind == KindFromStepField
}

// MarshalJSON renders the binding in definition-document form.
func (b Binding) MarshalJSON() ([]byte, error) {
	switch b.Kind {
	case KindConstant:
		return json.Marshal(map[string]any{"constant": b.Value})
	case KindFromArgument:
		return json.Marshal(map[string]any{"from_argument": b.Name})
	case KindFromStep:
		return json.Marshal(map[string]any{"from_step": b.Name})
	case KindFromStepField:
		return json.Marshal(map[string]any{"from_step": b.Name, "field": b.Field})
	default:
		return nil, fmt.Errorf("unknown binding kind %d", b.Kind)
	}
}

func (b Binding) String() string {
	switch b.Kind {
	case KindConstant:
		raw, _ := json.Marshal(b.Value)
		return string(raw)
	case KindFromArgument:
		return "argument " + b.Name
	case KindFromStep:
		return "output " + b.Name
	case KindFromStepField:
		return "output " + b.Name + "." + b.Field
	default:
		return b.Kind.String()
	}
}

// ArgBinding is one named step argument. Steps keep them in declaration order.
type ArgBinding struct {
	Name    string  `json:"name"`
	Binding Binding `json:"binding"`
}
