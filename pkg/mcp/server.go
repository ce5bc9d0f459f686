package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/handoff/internal/logging"
	"github.com/rendis/handoff/internal/router"
	"github.com/rendis/handoff/internal/tools"
)

// Version is reported to MCP clients during initialization.
var Version = "dev"

// HandoffServerDeps holds the dependencies for creating a HandoffServer.
type HandoffServerDeps struct {
	Router   *router.Router
	Registry *tools.Registry
	Logger   *slog.Logger
	// Name overrides the server name announced to clients.
	Name string
}

// HandoffServer wraps an MCP server exposing workflows as prompts, registry
// tools as tools, and the task tools.
type HandoffServer struct {
	router    *router.Router
	registry  *tools.Registry
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  *TaskNotifier
	mcpServer *server.MCPServer
}

// NewHandoffServer creates a HandoffServer with every workflow and tool
// registered.
func NewHandoffServer(deps HandoffServerDeps) (*HandoffServer, error) {
	if deps.Router == nil || deps.Registry == nil {
		return nil, fmt.Errorf("mcp: router and registry are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(logging.NewCorrelationHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
	}
	name := deps.Name
	if name == "" {
		name = "handoff"
	}

	s := &HandoffServer{
		router:   deps.Router,
		registry: deps.Registry,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		name,
		Version,
		server.WithToolCapabilities(false),
		server.WithPromptCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithToolHandlerMiddleware(s.continuationMiddleware),
		server.WithInstructions("Each prompt runs a workflow. When a prompt result carries _meta.task, the workflow is a task: follow its narrative, "+
			"call the named tools with _meta {\"_task_id\": <taskId>} so their results resume the task, and use tasks_get, tasks_list, "+
			"tasks_submit, tasks_retry and tasks_cancel to inspect or steer it."),
	)

	for _, wf := range deps.Router.Workflows().List() {
		mcpSrv.AddPrompt(workflowPrompt(wf), s.promptHandler(wf))
	}
	mcpSrv.AddTools(s.registryTools()...)
	mcpSrv.AddTools(s.taskTools()...)

	s.mcpServer = mcpSrv
	s.notifier = NewTaskNotifier(mcpSrv, s.sessions, deps.Router.Hub(), logger)
	return s, nil
}

// Start begins forwarding task status changes to connected sessions.
func (s *HandoffServer) Start(ctx context.Context) error {
	return s.notifier.Start(ctx)
}

// Stop stops the notifier.
func (s *HandoffServer) Stop() {
	s.notifier.Stop()
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *HandoffServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// HTTPHandler returns the streamable HTTP transport. contextFunc, when set,
// runs for every request and typically installs the caller identity.
func (s *HandoffServer) HTTPHandler(contextFunc func(ctx context.Context, r *http.Request) context.Context) http.Handler {
	var opts []server.StreamableHTTPOption
	if contextFunc != nil {
		opts = append(opts, server.WithHTTPContextFunc(contextFunc))
	}
	return server.NewStreamableHTTPServer(s.mcpServer, opts...)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *HandoffServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the owner to session mapping used for notifications.
func (s *HandoffServer) Sessions() *SessionRegistry {
	return s.sessions
}

// captureSession remembers the calling session as the owner's latest.
func (s *HandoffServer) captureSession(ctx context.Context, owner string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(owner, session.SessionID())
	}
}

// errorResult renders a domain error as a tool error result.
func errorResult(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(err.Error())
}
