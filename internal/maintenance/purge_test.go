package maintenance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/handoff/internal/auth"
	"github.com/rendis/handoff/internal/store"
	"github.com/rendis/handoff/internal/tasks"
	"github.com/rendis/handoff/pkg/schema"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePurger struct {
	mu      sync.Mutex
	cutoffs []time.Time
	n       int
	err     error
	block   chan struct{}
}

func (f *fakePurger) PurgeFinished(_ context.Context, before time.Time) (int, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, before)
	return f.n, f.err
}

func (f *fakePurger) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func TestNew_InvalidSchedule(t *testing.T) {
	_, err := New(&fakePurger{}, Config{Schedule: "not a cron", Retention: time.Hour}, quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse purge schedule")
}

func TestNew_NegativeRetention(t *testing.T) {
	_, err := New(&fakePurger{}, Config{Retention: -time.Second}, quietLogger())
	require.Error(t, err)
}

func TestNew_Schedules(t *testing.T) {
	for _, spec := range []string{"", "@hourly", "@every 5m", "*/10 * * * *"} {
		_, err := New(&fakePurger{}, Config{Schedule: spec, Retention: time.Hour}, quietLogger())
		assert.NoError(t, err, spec)
	}
}

func TestRunOnce_Cutoff(t *testing.T) {
	fp := &fakePurger{n: 3}
	s, err := New(fp, Config{Retention: 24 * time.Hour}, quietLogger())
	require.NoError(t, err)
	fixed := time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int64(3), s.Purged())
	require.Len(t, fp.cutoffs, 1)
	assert.Equal(t, fixed.Add(-24*time.Hour), fp.cutoffs[0])
}

func TestRunOnce_Disabled(t *testing.T) {
	fp := &fakePurger{n: 3}
	s, err := New(fp, Config{}, quietLogger())
	require.NoError(t, err)
	assert.False(t, s.Enabled())

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, fp.calls())

	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}

func TestRunOnce_Error(t *testing.T) {
	fp := &fakePurger{err: errors.New("disk gone")}
	s, err := New(fp, Config{Retention: time.Hour}, quietLogger())
	require.NoError(t, err)

	_, err = s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk gone")
	assert.Zero(t, s.Purged())
}

func TestRunOnce_NoOverlap(t *testing.T) {
	fp := &fakePurger{n: 1, block: make(chan struct{})}
	s, err := New(fp, Config{Retention: time.Hour}, quietLogger())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.RunOnce(context.Background())
	}()
	require.Eventually(t, s.running.Load, time.Second, 5*time.Millisecond)

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	close(fp.block)
	<-done
	assert.Equal(t, 1, fp.calls())
}

func TestStartStop(t *testing.T) {
	fp := &fakePurger{}
	s, err := New(fp, Config{Schedule: "@every 10ms", Retention: time.Hour}, quietLogger())
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "double start")

	assert.Eventually(t, func() bool { return fp.calls() >= 2 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()
}

func TestRunOnce_MemoryStoreKeepsPaused(t *testing.T) {
	st := store.NewMemoryStore(auth.Policy{})
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	for id, state := range map[string]schema.TaskStatus{
		"done":   schema.TaskStatusCompleted,
		"broken": schema.TaskStatusFailed,
		"parked": schema.TaskStatusPaused,
	} {
		task := tasks.New(id, "alice", "wf", nil, old)
		task.State = state
		require.NoError(t, st.Create(ctx, task))
	}

	s, err := New(st, Config{Retention: 24 * time.Hour}, quietLogger())
	require.NoError(t, err)
	n, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = st.Get(ctx, "alice", "parked")
	require.NoError(t, err)
	_, err = st.Get(ctx, "alice", "done")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}
