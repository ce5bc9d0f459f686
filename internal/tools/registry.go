package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/rendis/handoff/internal/validation"
	"github.com/rendis/handoff/pkg/schema"
)

// Option configures a single registration.
type Option func(*entry)

// CallerExecuted marks a tool as run by the remote caller. The engine never
// invokes it; it resolves the step arguments and hands the call back.
func CallerExecuted() Option {
	return func(e *entry) { e.caller = true }
}

// RetryWhen sets a per-tool CEL rule that overrides the registry default.
func RetryWhen(rule string) Option {
	return func(e *entry) { e.retryWhen = rule }
}

type entry struct {
	name      string
	tool      Tool
	desc      Descriptor
	caller    bool
	retryWhen string
}

// Registry is the thread-safe capability registry steps are resolved against.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	validator  validation.Validator
	classifier *Classifier
	breakers   *Breakers
}

// NewRegistry creates an empty Registry. Both arguments may be nil, which
// disables input validation and rule-based retry classification.
func NewRegistry(validator validation.Validator, classifier *Classifier) *Registry {
	return &Registry{
		entries:    make(map[string]*entry),
		validator:  validator,
		classifier: classifier,
	}
}

// UseBreakers enables per-tool circuit breaking for server-side calls. A nil
// value disables it.
func (r *Registry) UseBreakers(b *Breakers) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers = b
}

// Register adds a server-side tool. Returns error on duplicate name.
func (r *Registry) Register(tool Tool, opts ...Option) error {
	if tool == nil {
		return schema.NewError(schema.ErrCodeValidation, "tool is nil")
	}
	e := &entry{name: tool.Name(), tool: tool, desc: tool.Descriptor()}
	for _, opt := range opts {
		opt(e)
	}
	return r.add(e)
}

// RegisterCaller declares a tool that only the caller can execute.
func (r *Registry) RegisterCaller(name string, desc Descriptor) error {
	return r.add(&entry{name: name, desc: desc, caller: true})
}

func (r *Registry) add(e *entry) error {
	if e.name == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool name is empty")
	}
	if len(e.desc.InputSchema) > 0 && !json.Valid(e.desc.InputSchema) {
		return schema.NewErrorf(schema.ErrCodeValidation, "tool %q has an invalid input schema", e.name)
	}
	if e.retryWhen != "" && r.classifier != nil {
		if err := r.classifier.Check(e.retryWhen); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[e.name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", e.name)
	}
	r.entries[e.name] = e
	return nil
}

// Resolve returns the handle for name. Workflows resolve every step's tool
// once when they are built.
func (r *Registry) Resolve(name string) (Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return Handle{}, schema.NewErrorf(schema.ErrCodeToolUnavailable, "tool %q not registered", name)
	}
	return Handle{entry: e, registry: r}, nil
}

// Has checks if a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// List returns info for all registered tools, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		infos = append(infos, Info{Name: e.name, Descriptor: e.desc, CallerExecuted: e.caller, Local: e.tool != nil})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Handle is a resolved tool reference.
type Handle struct {
	entry    *entry
	registry *Registry
}

// Name returns the tool name, or "" for the zero Handle.
func (h Handle) Name() string {
	if h.entry == nil {
		return ""
	}
	return h.entry.name
}

// Valid reports whether the handle was produced by Resolve.
func (h Handle) Valid() bool {
	return h.entry != nil
}

// CallerExecuted reports whether only the caller can run this tool.
func (h Handle) CallerExecuted() bool {
	return h.entry != nil && h.entry.caller
}

// Local reports whether this server holds an implementation of the tool.
// Caller-executed tools may still be local: the engine never runs them, but
// a caller can invoke them explicitly.
func (h Handle) Local() bool {
	return h.entry != nil && h.entry.tool != nil
}

// Descriptor returns the tool descriptor.
func (h Handle) Descriptor() Descriptor {
	if h.entry == nil {
		return Descriptor{}
	}
	return h.entry.desc
}

// Invoke validates args, runs the tool and normalizes its output to plain
// JSON values. Every returned error is a *Failure.
func (h Handle) Invoke(ctx context.Context, args map[string]any) (any, error) {
	if h.entry == nil {
		return nil, Permanent("unavailable", "unresolved tool handle")
	}
	if h.entry.caller || h.entry.tool == nil {
		return nil, &Failure{Tool: h.entry.name, Code: "caller_executed", Message: "tool runs on the caller side"}
	}
	return h.call(ctx, args)
}

// Call runs a local tool on an explicit caller request, including tools the
// engine treats as caller-executed.
func (h Handle) Call(ctx context.Context, args map[string]any) (any, error) {
	if !h.Local() {
		return nil, Permanent("unavailable", "tool is not hosted by this server")
	}
	return h.call(ctx, args)
}

func (h Handle) call(ctx context.Context, args map[string]any) (any, error) {
	if v := h.registry.validator; v != nil && len(h.entry.desc.InputSchema) > 0 {
		if err := v.ValidateInput(args, h.entry.desc.InputSchema); err != nil {
			return nil, &Failure{Tool: h.entry.name, Code: "invalid_input", Message: err.Error(), Cause: err}
		}
	}

	h.registry.mu.RLock()
	breakers := h.registry.breakers
	h.registry.mu.RUnlock()
	if f := breakers.Allow(h.entry.name); f != nil {
		return nil, f
	}

	out, err := h.entry.tool.Invoke(ctx, args)
	if err != nil {
		f := h.registry.classifier.Classify(ctx, h.entry.name, h.entry.retryWhen, err)
		breakers.Record(h.entry.name, f)
		return nil, f
	}
	breakers.Record(h.entry.name, nil)

	normalized, err := NormalizeOutput(out)
	if err != nil {
		return nil, &Failure{Tool: h.entry.name, Code: "invalid_output", Message: err.Error(), Cause: err}
	}
	return normalized, nil
}

// NormalizeOutput round-trips v through JSON so stored outputs have one shape
// regardless of which Go types a tool returned.
func NormalizeOutput(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, float64:
		return v, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
