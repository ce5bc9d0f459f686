package store

import (
	"context"
	"time"

	"github.com/rendis/handoff/internal/auth"
	"github.com/rendis/handoff/internal/tasks"
	"github.com/rendis/handoff/pkg/schema"
)

// Store persists tasks, keyed by id and scoped by owner.
// All implementations must be safe for concurrent use.
type Store interface {
	// Create persists a new task. A duplicate id yields CONFLICT.
	Create(ctx context.Context, t *tasks.Task) error

	// Get returns a copy of the task. A task owned by someone else is
	// reported exactly like a missing one.
	Get(ctx context.Context, owner, id string) (*tasks.Task, error)

	// Update applies fn to a working copy of the task and persists the
	// result atomically with respect to other updates of the same id. An
	// error from fn aborts the update and is returned unchanged.
	Update(ctx context.Context, owner, id string, fn func(*tasks.Task) error) (*tasks.Task, error)

	// ListByOwner returns the owner's tasks, newest first.
	ListByOwner(ctx context.Context, owner string, filter ListFilter) ([]*tasks.Task, error)

	// PurgeFinished deletes completed and failed tasks last updated before
	// the cutoff and returns how many were removed.
	PurgeFinished(ctx context.Context, before time.Time) (int, error)

	// Policy is the security policy applied to callers without an auth context.
	Policy() auth.Policy

	Migrate(ctx context.Context) error
	Close() error
}

// ListFilter narrows ListByOwner results. Zero values mean no restriction.
type ListFilter struct {
	State schema.TaskStatus `json:"state,omitempty"`
	Limit int               `json:"limit,omitempty"`
}

// maxUpdateRetries bounds optimistic-concurrency retries in Update.
const maxUpdateRetries = 16

func notFound(id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "task %q not found", id)
}

func checkOwner(owner string) error {
	if owner == "" {
		return schema.NewError(schema.ErrCodeUnauthenticated, "task access requires an owner")
	}
	return nil
}

func checkNew(t *tasks.Task) error {
	if t == nil || t.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "task id is required")
	}
	return checkOwner(t.Owner)
}

func duplicate(id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeConflict, "task %q already exists", id)
}

func storeError(op string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}

func contention(id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeConflict, "task %q: too many concurrent updates", id)
}

// matches applies filter to t.
func matches(t *tasks.Task, filter ListFilter) bool {
	return filter.State == "" || t.State == filter.State
}

func purgeable(t *tasks.Task, before time.Time) bool {
	return t.Terminal() && t.UpdatedAt.Before(before)
}
