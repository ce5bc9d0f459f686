package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/handoff/internal/streaming"
	"github.com/rendis/handoff/pkg/schema"
)

// TaskStatusMethod is the notification method for task state changes.
const TaskStatusMethod = "notifications/tasks/status"

// statusEvents are the task events worth pushing to a caller.
var statusEvents = []string{
	schema.EventTaskPaused,
	schema.EventTaskResumed,
	schema.EventTaskCompleted,
	schema.EventTaskFailed,
	schema.EventTaskCancelled,
}

// OwnerNotifier pushes notifications to an owner's session.
type OwnerNotifier interface {
	Notify(ctx context.Context, owner string, payload map[string]any) error
}

// TaskNotifier forwards task status events from the hub to the owning
// caller's most recent MCP session.
type TaskNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	hub       streaming.EventHub
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTaskNotifier creates a notifier that pushes via MCP server notifications.
func NewTaskNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry, hub streaming.EventHub, logger *slog.Logger) *TaskNotifier {
	return &TaskNotifier{mcpServer: mcpServer, sessions: sessions, hub: hub, logger: logger}
}

// Notify sends a notification to the owner's session.
// Best-effort: returns nil if the owner is not connected.
func (n *TaskNotifier) Notify(_ context.Context, owner string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(owner)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, TaskStatusMethod, payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// Start subscribes to the hub and forwards events until Stop.
func (n *TaskNotifier) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.done != nil {
		return fmt.Errorf("task notifier already started")
	}

	subCtx, cancel := context.WithCancel(ctx)
	events, unsubscribe, err := n.hub.Subscribe(subCtx, streaming.EventFilter{EventTypes: statusEvents})
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe to task events: %w", err)
	}
	n.cancel = cancel
	n.done = make(chan struct{})

	go func() {
		defer close(n.done)
		defer unsubscribe()
		for {
			select {
			case <-subCtx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := n.Notify(subCtx, ev.Owner, statusPayload(ev)); err != nil {
					n.logger.Warn("task notification failed",
						slog.String("task_id", ev.TaskID), slog.String("error", err.Error()))
				}
			}
		}
	}()
	return nil
}

// Stop ends forwarding and waits for the loop to exit.
func (n *TaskNotifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cancel == nil {
		return
	}
	n.cancel()
	<-n.done
	n.cancel = nil
	n.done = nil
}

func statusPayload(ev streaming.TaskEvent) map[string]any {
	p := map[string]any{
		"taskId":   ev.TaskID,
		"status":   string(ev.State),
		"event":    ev.EventType,
		"workflow": ev.Workflow,
		"at":       ev.At.UTC().Format(time.RFC3339Nano),
	}
	if ev.Step != "" {
		p["step"] = ev.Step
	}
	return p
}
