package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rendis/handoff/internal/tools"
	"github.com/rendis/handoff/internal/validation"
	"github.com/rendis/handoff/pkg/schema"
	"gopkg.in/yaml.v3"
)

// Document is the on-disk form of a workflow. YAML and JSON files share it;
// step args are kept as a mapping node so their order survives decoding.
type Document struct {
	Name         string         `yaml:"name"`
	Description  string         `yaml:"description"`
	TaskSupport  bool           `yaml:"task_support"`
	Instructions Instructions   `yaml:"instructions"`
	Arguments    []Argument     `yaml:"arguments"`
	Steps        []StepDocument `yaml:"steps"`
}

// StepDocument is one step of a Document.
type StepDocument struct {
	Name   string    `yaml:"name"`
	Tool   string    `yaml:"tool"`
	Args   yaml.Node `yaml:"args"`
	Output string    `yaml:"output"`
}

// Instructions accepts either a single string or a list of strings.
type Instructions []string

func (in *Instructions) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		*in = Instructions{s}
		return nil
	}
	var list []string
	if err := node.Decode(&list); err != nil {
		return err
	}
	*in = list
	return nil
}

// Loader turns definition documents into built workflows.
type Loader struct {
	validator validation.Validator
	resolver  ToolResolver
}

// NewLoader creates a Loader. validator checks documents against the
// definition schema before they are built.
func NewLoader(validator validation.Validator, resolver ToolResolver) *Loader {
	return &Loader{validator: validator, resolver: resolver}
}

// Parse decodes, validates and builds one document.
func (l *Loader) Parse(data []byte) (*Workflow, error) {
	b, err := l.builder(data)
	if err != nil {
		return nil, err
	}
	return b.Build(l.resolver)
}

// Check decodes and validates one document without resolving tools.
func (l *Loader) Check(data []byte) error {
	b, err := l.builder(data)
	if err != nil {
		return err
	}
	return b.Validate()
}

func (l *Loader) builder(data []byte) (*Builder, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "malformed workflow document").WithCause(err)
	}

	if l.validator != nil {
		var generic any
		if err := root.Decode(&generic); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "malformed workflow document").WithCause(err)
		}
		if err := l.validator.ValidateDocument(generic); err != nil {
			return nil, err
		}
	}

	var doc Document
	if err := root.Decode(&doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "malformed workflow document").WithCause(err)
	}
	return doc.Builder()
}

// Builder converts the document into a Builder.
func (d *Document) Builder() (*Builder, error) {
	b := Define(d.Name, d.Description).TaskSupport(d.TaskSupport)
	for _, a := range d.Arguments {
		b.Argument(a.Name, a.Description, a.Required)
	}
	for _, text := range d.Instructions {
		b.Instruction(text)
	}
	for i, sd := range d.Steps {
		step := NewStep(sd.Name, sd.Tool).Into(sd.Output)
		args, err := decodeArgs(&sd.Args)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "steps[%d].args: %s", i, err.Error()).WithCause(err)
		}
		for _, ab := range args {
			step = step.Arg(ab.Name, ab.Binding)
		}
		b.Step(step)
	}
	return b, nil
}

func decodeArgs(node *yaml.Node) ([]ArgBinding, error) {
	if node.Kind == 0 {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("args must be a mapping")
	}

	out := make([]ArgBinding, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		name := node.Content[i].Value
		var raw map[string]any
		if err := node.Content[i+1].Decode(&raw); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		b, err := bindingFromMap(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out = append(out, ArgBinding{Name: name, Binding: b})
	}
	return out, nil
}

func bindingFromMap(raw map[string]any) (Binding, error) {
	if v, ok := raw["constant"]; ok {
		norm, err := tools.NormalizeOutput(v)
		if err != nil {
			return Binding{}, err
		}
		return Constant(norm), nil
	}
	if name, ok := raw["from_argument"].(string); ok {
		return FromArgument(name), nil
	}
	if name, ok := raw["from_step"].(string); ok {
		if field, ok := raw["field"].(string); ok && field != "" {
			return FromStepField(name, field), nil
		}
		return FromStep(name), nil
	}
	return Binding{}, fmt.Errorf("binding needs one of constant, from_argument, from_step")
}

// LoadFile reads and builds a single definition file.
func (l *Loader) LoadFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	wf, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return wf, nil
}

// LoadDir builds every .yaml, .yml and .json file in dir, sorted by workflow
// name. Workflow names must be unique across files.
func (l *Loader) LoadDir(dir string) ([]*Workflow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read workflows dir: %w", err)
	}

	byName := make(map[string]string)
	var out []*Workflow
	for _, e := range entries {
		if e.IsDir() || !IsDefinitionFile(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		wf, err := l.LoadFile(path)
		if err != nil {
			return nil, err
		}
		if prev, dup := byName[wf.Name]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeConflict,
				"workflow %q defined in both %s and %s", wf.Name, prev, path)
		}
		byName[wf.Name] = path
		out = append(out, wf)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// IsDefinitionFile reports whether name has a definition-document extension.
func IsDefinitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
