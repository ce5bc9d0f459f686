package store

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/handoff/internal/auth"
	"github.com/rendis/handoff/internal/tasks"
)

// MemoryStore keeps tasks in process memory. Each task has its own mutex so
// updates of different tasks never contend.
type MemoryStore struct {
	mu     sync.RWMutex
	tasks  map[string]*memEntry
	policy auth.Policy
}

type memEntry struct {
	mu   sync.Mutex
	task *tasks.Task
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(policy auth.Policy) *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*memEntry), policy: policy}
}

func (s *MemoryStore) Policy() auth.Policy                { return s.policy }
func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                      { return nil }

func (s *MemoryStore) Create(ctx context.Context, t *tasks.Task) error {
	if err := checkNew(t); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return duplicate(t.ID)
	}
	s.tasks[t.ID] = &memEntry{task: t.Clone()}
	return nil
}

func (s *MemoryStore) entry(owner, id string) (*memEntry, error) {
	if err := checkOwner(owner); err != nil {
		return nil, err
	}
	s.mu.RLock()
	e, ok := s.tasks[id]
	s.mu.RUnlock()
	if !ok {
		return nil, notFound(id)
	}
	return e, nil
}

func (s *MemoryStore) Get(ctx context.Context, owner, id string) (*tasks.Task, error) {
	e, err := s.entry(owner, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.task == nil || e.task.Owner != owner {
		return nil, notFound(id)
	}
	return e.task.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, owner, id string, fn func(*tasks.Task) error) (*tasks.Task, error) {
	e, err := s.entry(owner, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	// A nil task means the entry was purged while we waited for its lock.
	if e.task == nil || e.task.Owner != owner {
		return nil, notFound(id)
	}

	work := e.task.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	work.Version = e.task.Version + 1
	e.task = work
	return work.Clone(), nil
}

func (s *MemoryStore) ListByOwner(ctx context.Context, owner string, filter ListFilter) ([]*tasks.Task, error) {
	if err := checkOwner(owner); err != nil {
		return nil, err
	}
	s.mu.RLock()
	entries := make([]*memEntry, 0, len(s.tasks))
	for _, e := range s.tasks {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var out []*tasks.Task
	for _, e := range entries {
		e.mu.Lock()
		if e.task != nil && e.task.Owner == owner && matches(e.task, filter) {
			out = append(out, e.task.Clone())
		}
		e.mu.Unlock()
	}
	sortNewest(out)
	return applyLimit(out, filter.Limit), nil
}

func (s *MemoryStore) PurgeFinished(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.tasks {
		e.mu.Lock()
		if e.task != nil && purgeable(e.task, before) {
			e.task = nil
			delete(s.tasks, id)
			n++
		}
		e.mu.Unlock()
	}
	return n, nil
}
