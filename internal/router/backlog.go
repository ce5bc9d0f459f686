package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned for continuations reported after Close.
var ErrClosed = errors.New("router is closed")

// ContinuationStats describes background continuation work since start.
type ContinuationStats struct {
	Workers  int   `json:"workers"`
	InFlight int64 `json:"in_flight"`
	// Tasks counts distinct tasks with a continuation in flight.
	Tasks    int   `json:"tasks"`
	Applied  int64 `json:"applied"`
	Rejected int64 `json:"rejected"`
	Panics   int64 `json:"panics"`
}

// backlog applies continuations from marked tool calls off the request path.
// At most workers continuations run at once. submit blocks while every worker
// is busy and gives up when the reporting request's context ends, so a flood
// of marked calls slows callers down rather than queueing without bound.
type backlog struct {
	workers chan struct{}
	wg      sync.WaitGroup
	done    chan struct{}
	logger  *slog.Logger

	mu      sync.Mutex
	closed  bool
	perTask map[string]int

	inFlight atomic.Int64
	applied  atomic.Int64
	rejected atomic.Int64
	panics   atomic.Int64
}

func newBacklog(workers int, logger *slog.Logger) *backlog {
	if workers <= 0 {
		workers = 1
	}
	return &backlog{
		workers: make(chan struct{}, workers),
		done:    make(chan struct{}),
		logger:  logger,
		perTask: make(map[string]int),
	}
}

// submit runs apply for taskID on a free worker. apply gets a context that
// keeps ctx's values but not its cancellation: the tool call that reported
// the result has usually returned before the continuation lands.
func (b *backlog) submit(ctx context.Context, taskID string, apply func(ctx context.Context) error) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}

	select {
	case b.workers <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrClosed
	}

	// Register under the lock so close cannot miss a continuation it races.
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.workers
		return ErrClosed
	}
	b.wg.Add(1)
	b.perTask[taskID]++
	b.mu.Unlock()
	b.inFlight.Add(1)

	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer b.release(taskID)
		defer func() {
			if r := recover(); r != nil {
				b.panics.Add(1)
				b.rejected.Add(1)
				b.logger.ErrorContext(runCtx, "continuation panicked", slog.Any("panic", r))
			}
		}()

		if err := apply(runCtx); err != nil {
			b.rejected.Add(1)
			return
		}
		b.applied.Add(1)
	}()
	return nil
}

func (b *backlog) release(taskID string) {
	b.mu.Lock()
	if b.perTask[taskID]--; b.perTask[taskID] <= 0 {
		delete(b.perTask, taskID)
	}
	b.mu.Unlock()
	b.inFlight.Add(-1)
	<-b.workers
	b.wg.Done()
}

// wait blocks until every accepted continuation has been applied or rejected.
func (b *backlog) wait() {
	b.wg.Wait()
}

// close refuses new continuations and waits for the accepted ones.
func (b *backlog) close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *backlog) stats() ContinuationStats {
	b.mu.Lock()
	tasks := len(b.perTask)
	b.mu.Unlock()
	return ContinuationStats{
		Workers:  cap(b.workers),
		InFlight: b.inFlight.Load(),
		Tasks:    tasks,
		Applied:  b.applied.Load(),
		Rejected: b.rejected.Load(),
		Panics:   b.panics.Load(),
	}
}
