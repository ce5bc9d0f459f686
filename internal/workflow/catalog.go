package workflow

import (
	"sort"
	"sync"

	"github.com/rendis/handoff/pkg/schema"
)

// Catalog holds the registered workflows by name.
type Catalog struct {
	mu     sync.RWMutex
	byName map[string]*Workflow
}

// NewCatalog returns a catalog holding wfs.
func NewCatalog(wfs ...*Workflow) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]*Workflow, len(wfs))}
	for _, wf := range wfs {
		if err := c.Add(wf); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Add registers wf. Names are unique.
func (c *Catalog) Add(wf *Workflow) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byName[wf.Name]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already registered", wf.Name)
	}
	c.byName[wf.Name] = wf
	return nil
}

// Get returns the workflow named name.
func (c *Catalog) Get(name string) (*Workflow, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	wf, ok := c.byName[name]
	return wf, ok
}

// List returns all workflows sorted by name.
func (c *Catalog) List() []*Workflow {
	c.mu.RLock()
	out := make([]*Workflow, 0, len(c.byName))
	for _, wf := range c.byName {
		out = append(out, wf)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered workflows.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byName)
}
