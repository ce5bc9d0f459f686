package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/handoff/internal/tasks"
	"github.com/rendis/handoff/pkg/schema"
)

// runContract exercises the behavior every backend must share.
func runContract(t *testing.T, open func(t *testing.T) Store) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, open(t)) })
	t.Run("DuplicateCreate", func(t *testing.T) { testDuplicateCreate(t, open(t)) })
	t.Run("OwnerIsolation", func(t *testing.T) { testOwnerIsolation(t, open(t)) })
	t.Run("EmptyOwner", func(t *testing.T) { testEmptyOwner(t, open(t)) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, open(t)) })
	t.Run("UpdateAbort", func(t *testing.T) { testUpdateAbort(t, open(t)) })
	t.Run("ConcurrentUpdates", func(t *testing.T) { testConcurrentUpdates(t, open(t)) })
	t.Run("List", func(t *testing.T) { testList(t, open(t)) })
	t.Run("Purge", func(t *testing.T) { testPurge(t, open(t)) })
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTask(owner string, created time.Time) *tasks.Task {
	return tasks.New(uuid.New().String(), owner, "lookup", map[string]any{"q": "abc"}, created)
}

func testCreateAndGet(t *testing.T, s Store) {
	ctx := context.Background()
	task := newTask("alice", base)
	task.Record(tasks.StepRecord{Index: 0, Step: "fetch", Tool: "http.request", Binding: "rows",
		Output: []any{map[string]any{"id": float64(7)}}, Source: schema.SourceServer, RecordedAt: base})
	require.NoError(t, s.Create(ctx, task))

	got, err := s.Get(ctx, "alice", task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, "alice", got.Owner)
	assert.Equal(t, schema.TaskStatusCreated, got.State)
	assert.Equal(t, map[string]any{"q": "abc"}, got.Arguments)
	assert.True(t, got.CreatedAt.Equal(base))
	require.Len(t, got.Records, 1)
	assert.Equal(t, []any{map[string]any{"id": float64(7)}}, got.Records[0].Output)
}

func testDuplicateCreate(t *testing.T, s Store) {
	ctx := context.Background()
	task := newTask("alice", base)
	require.NoError(t, s.Create(ctx, task))
	err := s.Create(ctx, task)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict), "got %v", err)
}

func testOwnerIsolation(t *testing.T, s Store) {
	ctx := context.Background()
	task := newTask("alice", base)
	require.NoError(t, s.Create(ctx, task))

	_, foreign := s.Get(ctx, "mallory", task.ID)
	_, missing := s.Get(ctx, "mallory", "no-such-task")
	require.Error(t, foreign)
	require.Error(t, missing)
	assert.True(t, schema.IsCode(foreign, schema.ErrCodeNotFound))
	// Same text modulo the id, so existence does not leak.
	assert.Equal(t,
		fmt.Sprintf("[NOT_FOUND] task %q not found", task.ID), foreign.Error())
	assert.Equal(t, `[NOT_FOUND] task "no-such-task" not found`, missing.Error())

	_, err := s.Update(ctx, "mallory", task.ID, func(*tasks.Task) error {
		t.Fatal("mutator must not run for a foreign owner")
		return nil
	})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	list, err := s.ListByOwner(ctx, "mallory", ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func testEmptyOwner(t *testing.T, s Store) {
	ctx := context.Background()
	_, err := s.Get(ctx, "", "x")
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnauthenticated))
	_, err = s.ListByOwner(ctx, "", ListFilter{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnauthenticated))
	err = s.Create(ctx, newTask("", base))
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnauthenticated))
}

func testUpdate(t *testing.T, s Store) {
	ctx := context.Background()
	task := newTask("alice", base)
	require.NoError(t, s.Create(ctx, task))

	later := base.Add(time.Minute)
	updated, err := s.Update(ctx, "alice", task.ID, func(w *tasks.Task) error {
		if err := tasks.Transition(w, schema.TaskStatusRunning, later); err != nil {
			return err
		}
		w.Pause = nil
		return tasks.Transition(w, schema.TaskStatusPaused, later)
	})
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusPaused, updated.State)
	assert.Equal(t, task.Version+1, updated.Version)

	got, err := s.Get(ctx, "alice", task.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusPaused, got.State)
	assert.Equal(t, updated.Version, got.Version)
	assert.True(t, got.UpdatedAt.Equal(later))
}

func testUpdateAbort(t *testing.T, s Store) {
	ctx := context.Background()
	task := newTask("alice", base)
	require.NoError(t, s.Create(ctx, task))

	boom := errors.New("boom")
	_, err := s.Update(ctx, "alice", task.ID, func(w *tasks.Task) error {
		w.State = schema.TaskStatusFailed
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.Get(ctx, "alice", task.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusCreated, got.State)
	assert.Equal(t, task.Version, got.Version)
}

func testConcurrentUpdates(t *testing.T, s Store) {
	ctx := context.Background()
	task := newTask("alice", base)
	require.NoError(t, s.Create(ctx, task))

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Update(ctx, "alice", task.ID, func(w *tasks.Task) error {
				w.Record(tasks.StepRecord{Index: i, Step: fmt.Sprintf("s%d", i), Output: float64(i)})
				return nil
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.Get(ctx, "alice", task.ID)
	require.NoError(t, err)
	assert.Len(t, got.Records, writers)
	assert.Equal(t, task.Version+writers, got.Version)
}

func testList(t *testing.T, s Store) {
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		task := newTask("alice", base.Add(time.Duration(i)*time.Second))
		if i == 1 {
			task.State = schema.TaskStatusPaused
		}
		require.NoError(t, s.Create(ctx, task))
		ids = append(ids, task.ID)
	}
	require.NoError(t, s.Create(ctx, newTask("bob", base)))

	all, err := s.ListByOwner(ctx, "alice", ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, taskIDs(all))

	paused, err := s.ListByOwner(ctx, "alice", ListFilter{State: schema.TaskStatusPaused})
	require.NoError(t, err)
	assert.Equal(t, []string{ids[1]}, taskIDs(paused))

	limited, err := s.ListByOwner(ctx, "alice", ListFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{ids[2], ids[1]}, taskIDs(limited))
}

func testPurge(t *testing.T, s Store) {
	ctx := context.Background()
	now := base.Add(48 * time.Hour)

	old := newTask("alice", base)
	old.State = schema.TaskStatusCompleted
	recent := newTask("alice", base)
	recent.State = schema.TaskStatusFailed
	recent.UpdatedAt = now.Add(-time.Minute)
	stale := newTask("alice", base)
	stale.State = schema.TaskStatusPaused
	for _, task := range []*tasks.Task{old, recent, stale} {
		require.NoError(t, s.Create(ctx, task))
	}

	n, err := s.PurgeFinished(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, "alice", old.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	_, err = s.Get(ctx, "alice", recent.ID)
	assert.NoError(t, err)
	_, err = s.Get(ctx, "alice", stale.ID)
	assert.NoError(t, err)

	list, err := s.ListByOwner(ctx, "alice", ListFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func taskIDs(list []*tasks.Task) []string {
	out := make([]string, len(list))
	for i, t := range list {
		out[i] = t.ID
	}
	return out
}
