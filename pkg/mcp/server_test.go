package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/handoff/internal/auth"
	"github.com/rendis/handoff/internal/engine"
	"github.com/rendis/handoff/internal/router"
	"github.com/rendis/handoff/internal/store"
	"github.com/rendis/handoff/internal/tools"
	"github.com/rendis/handoff/internal/workflow"
)

// --- Test infrastructure ---

type funcTool struct {
	name string
	mu   sync.Mutex
	n    int
	fn   func(args map[string]any) (any, error)
}

func (f *funcTool) Name() string { return f.name }
func (f *funcTool) Descriptor() tools.Descriptor {
	return tools.Descriptor{Description: "test tool " + f.name}
}
func (f *funcTool) Invoke(_ context.Context, args map[string]any) (any, error) {
	f.mu.Lock()
	f.n++
	f.mu.Unlock()
	return f.fn(args)
}

func (f *funcTool) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

type testEnv struct {
	server *HandoffServer
	router *router.Router
	store  store.Store
	fetch  *funcTool
	query  *funcTool
}

func newRegistry(t *testing.T) (*tools.Registry, *funcTool, *funcTool) {
	t.Helper()
	reg := tools.NewRegistry(nil, nil)
	query := &funcTool{name: "db.query", fn: func(args map[string]any) (any, error) {
		return map[string]any{"rows": []any{"a", "b", "c"}, "sql": args["sql"]}, nil
	}}
	fetch := &funcTool{name: "client.fetch", fn: func(args map[string]any) (any, error) {
		return map[string]any{"rows": []any{args["source"], "x"}}, nil
	}}
	require.NoError(t, reg.Register(query))
	require.NoError(t, reg.Register(fetch, tools.CallerExecuted()))
	require.NoError(t, reg.Register(&funcTool{name: "text.count", fn: func(args map[string]any) (any, error) {
		rows, _ := args["rows"].([]any)
		return map[string]any{"count": len(rows)}, nil
	}}))
	require.NoError(t, reg.RegisterCaller("remote.lookup", tools.Descriptor{Description: "runs on the caller"}))
	return reg, fetch, query
}

func workflows(t *testing.T, reg *tools.Registry) *workflow.Catalog {
	t.Helper()
	plain, err := workflow.Define("quick_count", "Count rows").
		Argument("sql", "query to run", true).
		Instruction("Report the row count.").
		Step(workflow.NewStep("query", "db.query").Arg("sql", workflow.FromArgument("sql")).Into("rows")).
		Step(workflow.NewStep("count", "text.count").Arg("rows", workflow.FromStepField("rows", "rows"))).
		Build(reg)
	require.NoError(t, err)

	tasked, err := workflow.Define("fetch_report", "Fetch remote rows and count them").
		Argument("source", "where to read", true).
		Instruction("Prepare a short report.").
		Step(workflow.NewStep("fetch", "client.fetch").Arg("source", workflow.FromArgument("source")).Into("raw_data")).
		Step(workflow.NewStep("count", "text.count").Arg("rows", workflow.FromStepField("raw_data", "rows"))).
		TaskSupport(true).
		Build(reg)
	require.NoError(t, err)

	remote, err := workflow.Define("remote_report", "Look up remotely and count").
		Step(workflow.NewStep("lookup", "remote.lookup").Into("found")).
		Step(workflow.NewStep("count", "text.count").Arg("rows", workflow.FromStepField("found", "rows"))).
		TaskSupport(true).
		Build(reg)
	require.NoError(t, err)

	catalog, err := workflow.NewCatalog(plain, tasked, remote)
	require.NoError(t, err)
	return catalog
}

func newTestEnvWithStore(t *testing.T, st store.Store) *testEnv {
	t.Helper()
	reg, fetch, query := newRegistry(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := router.New(router.Deps{
		Store:     st,
		Engine:    engine.New(engine.Options{Logger: logger}),
		Workflows: workflows(t, reg),
		Logger:    logger,
		Workers:   2,
	})
	require.NoError(t, err)
	t.Cleanup(r.Close)

	srv, err := NewHandoffServer(HandoffServerDeps{Router: r, Registry: reg, Logger: logger})
	require.NoError(t, err)
	return &testEnv{server: srv, router: r, store: st, fetch: fetch, query: query}
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithStore(t, store.NewMemoryStore(auth.Policy{AllowAnonymous: true}))
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type promptWire struct {
	Description string `json:"description"`
	Messages    []struct {
		Role    string `json:"role"`
		Content struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"messages"`
	Meta map[string]any `json:"_meta"`
}

type toolWire struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool           `json:"isError"`
	Meta    map[string]any `json:"_meta"`
}

func (w toolWire) text() string {
	if len(w.Content) == 0 {
		return ""
	}
	return w.Content[0].Text
}

func (w toolWire) task(t *testing.T) map[string]any {
	t.Helper()
	require.False(t, w.IsError, w.text())
	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(w.text()), &body))
	return body
}

// rpc sends one JSON-RPC request through HandleMessage after initializing.
func (e *testEnv) rpc(t *testing.T, ctx context.Context, method string, params map[string]any) (json.RawMessage, *rpcError) {
	t.Helper()
	srv := e.server.MCPServer()

	initMsg := map[string]any{
		"jsonrpc": "2.0",
		"id":      0,
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": "2025-03-26",
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": "handoff-test", "version": "1.0.0"},
		},
	}
	rawInit, err := json.Marshal(initMsg)
	require.NoError(t, err)
	require.NotNil(t, srv.HandleMessage(ctx, rawInit))

	rawReq, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": 1, "method": method, "params": params})
	require.NoError(t, err)
	resp := srv.HandleMessage(ctx, rawReq)
	require.NotNil(t, resp)

	respBytes, err := json.Marshal(resp)
	require.NoError(t, err)
	var parsed struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	require.NoError(t, json.Unmarshal(respBytes, &parsed))
	return parsed.Result, parsed.Error
}

func (e *testEnv) getPrompt(t *testing.T, ctx context.Context, name string, args map[string]string) (promptWire, *rpcError) {
	t.Helper()
	raw, rpcErr := e.rpc(t, ctx, "prompts/get", map[string]any{"name": name, "arguments": args})
	var res promptWire
	if rpcErr == nil {
		require.NoError(t, json.Unmarshal(raw, &res))
	}
	return res, rpcErr
}

func (e *testEnv) callTool(t *testing.T, ctx context.Context, name string, args map[string]any, meta map[string]any) toolWire {
	t.Helper()
	params := map[string]any{"name": name, "arguments": args}
	if meta != nil {
		params["_meta"] = meta
	}
	raw, rpcErr := e.rpc(t, ctx, "tools/call", params)
	require.Nil(t, rpcErr)
	var res toolWire
	require.NoError(t, json.Unmarshal(raw, &res))
	return res
}

func taskID(t *testing.T, meta map[string]any) string {
	t.Helper()
	task, ok := meta["task"].(map[string]any)
	require.True(t, ok, "result has no _meta.task")
	id, _ := task["taskId"].(string)
	require.NotEmpty(t, id)
	return id
}

// --- Registration ---

func TestNewHandoffServer_RequiresDeps(t *testing.T) {
	_, err := NewHandoffServer(HandoffServerDeps{})
	assert.Error(t, err)
}

func TestToolRegistration(t *testing.T) {
	e := newTestEnv(t)
	srv := e.server.MCPServer()

	for _, name := range []string{"db.query", "client.fetch", "text.count", "tasks_get", "tasks_list", "tasks_cancel", "tasks_submit", "tasks_retry"} {
		assert.NotNil(t, srv.GetTool(name), "tool %s should be registered", name)
	}
	assert.Nil(t, srv.GetTool("remote.lookup"), "tools hosted by the caller are not exposed")
	assert.Equal(t, "test tool db.query", srv.GetTool("db.query").Tool.Description)
}

func TestPromptRegistration(t *testing.T) {
	e := newTestEnv(t)
	raw, rpcErr := e.rpc(t, context.Background(), "prompts/list", map[string]any{})
	require.Nil(t, rpcErr)

	var list struct {
		Prompts []struct {
			Name      string `json:"name"`
			Arguments []struct {
				Name     string `json:"name"`
				Required bool   `json:"required"`
			} `json:"arguments"`
		} `json:"prompts"`
	}
	require.NoError(t, json.Unmarshal(raw, &list))
	names := map[string]bool{}
	for _, p := range list.Prompts {
		names[p.Name] = true
		if p.Name == "fetch_report" {
			require.Len(t, p.Arguments, 1)
			assert.Equal(t, "source", p.Arguments[0].Name)
			assert.True(t, p.Arguments[0].Required)
		}
	}
	assert.Equal(t, map[string]bool{"quick_count": true, "fetch_report": true, "remote_report": true}, names)
}

// --- Plain workflows ---

func TestPrompt_PlainWorkflow(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	res, rpcErr := e.getPrompt(t, ctx, "quick_count", map[string]string{"sql": "select *"})
	require.Nil(t, rpcErr)
	assert.Nil(t, res.Meta)
	assert.Equal(t, "Count rows", res.Description)
	require.Len(t, res.Messages, 2)
	assert.Equal(t, "Report the row count.", res.Messages[0].Content.Text)
	assert.Contains(t, res.Messages[1].Content.Text, `count (text.count): {"count":3}`)

	list, err := e.store.ListByOwner(ctx, auth.Anonymous, store.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, list, "plain workflows create no tasks")
}

func TestPrompt_PlainWorkflowIndependentOfStore(t *testing.T) {
	ctx := context.Background()
	libsql, err := store.NewLibSQLStore("file:"+filepath.Join(t.TempDir(), "plain.db"), auth.Policy{})
	require.NoError(t, err)
	require.NoError(t, libsql.Migrate(ctx))
	t.Cleanup(func() { _ = libsql.Close() })

	a := newTestEnv(t)
	b := newTestEnvWithStore(t, libsql)

	rawA, errA := a.rpc(t, ctx, "prompts/get", map[string]any{"name": "quick_count", "arguments": map[string]string{"sql": "q"}})
	rawB, errB := b.rpc(t, ctx, "prompts/get", map[string]any{"name": "quick_count", "arguments": map[string]string{"sql": "q"}})
	require.Nil(t, errA)
	require.Nil(t, errB, "plain workflows need no owner even when anonymous access is off")
	assert.JSONEq(t, string(rawA), string(rawB))
}

func TestPrompt_MissingArgument(t *testing.T) {
	e := newTestEnv(t)
	_, rpcErr := e.getPrompt(t, context.Background(), "fetch_report", nil)
	require.NotNil(t, rpcErr)
	assert.Contains(t, rpcErr.Message, "source")
}

// --- Task workflows ---

func TestTaskFlow_MarkerContinuation(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	res, rpcErr := e.getPrompt(t, ctx, "fetch_report", map[string]string{"source": "s3"})
	require.Nil(t, rpcErr)
	id := taskID(t, res.Meta)
	task := res.Meta["task"].(map[string]any)
	assert.Equal(t, "paused", task["status"])
	assert.Contains(t, task["narrative"], "client.fetch")
	assert.Equal(t, 0, e.fetch.calls(), "caller-executed tools never run on their own")

	out := e.callTool(t, ctx, "client.fetch", map[string]any{"source": "s3"}, map[string]any{"_task_id": id})
	assert.False(t, out.IsError)
	assert.JSONEq(t, `{"rows":["s3","x"]}`, out.text(), "the tool result is returned unchanged")
	assert.Equal(t, 1, e.fetch.calls())

	e.router.Drain()
	got := e.callTool(t, ctx, "tasks_get", map[string]any{"task_id": id}, nil).task(t)
	assert.Equal(t, "completed", got["status"])
	steps := got["steps"].([]any)
	require.Len(t, steps, 2)
	assert.Equal(t, "caller", steps[0].(map[string]any)["source"])
	assert.Equal(t, map[string]any{"count": float64(2)}, steps[1].(map[string]any)["output"])
}

func TestTaskFlow_MarkerInArguments(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	res, _ := e.getPrompt(t, ctx, "fetch_report", map[string]string{"source": "gcs"})
	id := taskID(t, res.Meta)

	out := e.callTool(t, ctx, "client.fetch", map[string]any{"source": "gcs", "_task_id": id, "_task_step": "fetch"}, nil)
	assert.JSONEq(t, `{"rows":["gcs","x"]}`, out.text(), "reserved arguments never reach the tool")

	e.router.Drain()
	got := e.callTool(t, ctx, "tasks_get", map[string]any{"task_id": id}, nil).task(t)
	assert.Equal(t, "completed", got["status"])
}

func TestTaskFlow_Submit(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	res, _ := e.getPrompt(t, ctx, "remote_report", nil)
	id := taskID(t, res.Meta)
	assert.Contains(t, res.Meta["task"].(map[string]any)["narrative"], "tasks_submit")

	out := e.callTool(t, ctx, "tasks_submit", map[string]any{
		"task_id": id,
		"tool":    "remote.lookup",
		"result":  map[string]any{"rows": []any{1, 2, 3, 4}},
	}, nil)
	got := out.task(t)
	assert.Equal(t, "completed", got["status"])
	assert.Equal(t, id, taskID(t, out.Meta))
}

func TestTaskFlow_SubmitError(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	res, _ := e.getPrompt(t, ctx, "remote_report", nil)
	id := taskID(t, res.Meta)

	got := e.callTool(t, ctx, "tasks_submit", map[string]any{
		"task_id":  id,
		"tool":     "remote.lookup",
		"is_error": true,
		"message":  "upstream timeout",
	}, nil).task(t)
	assert.Equal(t, "paused", got["status"])
	reason := got["pauseReason"].(map[string]any)
	assert.Equal(t, "tool_error", reason["kind"])
	assert.Equal(t, "upstream timeout", reason["message"])
}

func TestTaskFlow_SubmitPermanentError(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	res, _ := e.getPrompt(t, ctx, "remote_report", nil)
	id := taskID(t, res.Meta)

	got := e.callTool(t, ctx, "tasks_submit", map[string]any{
		"task_id":   id,
		"tool":      "remote.lookup",
		"is_error":  true,
		"retryable": false,
		"message":   "no such record",
	}, nil).task(t)
	assert.Equal(t, "failed", got["status"])
	assert.Nil(t, got["pauseReason"])
	failure := got["error"].(map[string]any)
	assert.Equal(t, "lookup", failure["step"])
	assert.Equal(t, "no such record", failure["message"])

	retry := e.callTool(t, ctx, "tasks_retry", map[string]any{"task_id": id}, nil)
	assert.True(t, retry.IsError)
	assert.Contains(t, retry.text(), "TASK_FINISHED")
}

func TestTaskFlow_MarkedPermanentFailureFailsTask(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.fetch.fn = func(map[string]any) (any, error) {
		return nil, tools.Permanent("not_found", "bucket does not exist")
	}

	res, _ := e.getPrompt(t, ctx, "fetch_report", map[string]string{"source": "s3"})
	id := taskID(t, res.Meta)

	out := e.callTool(t, ctx, "client.fetch", map[string]any{"source": "s3"}, map[string]any{"_task_id": id})
	require.True(t, out.IsError)
	assert.Equal(t, "bucket does not exist", out.text())
	assert.Equal(t, false, out.Meta["retryable"])
	assert.Equal(t, "not_found", out.Meta["code"])

	e.router.Drain()
	got := e.callTool(t, ctx, "tasks_get", map[string]any{"task_id": id}, nil).task(t)
	assert.Equal(t, "failed", got["status"])
	failure := got["error"].(map[string]any)
	assert.Equal(t, "fetch", failure["step"])
	assert.Equal(t, "client.fetch", failure["tool"])
	assert.Equal(t, "not_found", failure["code"])
}

func TestTaskFlow_MarkedRetryableFailurePausesTask(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.fetch.fn = func(map[string]any) (any, error) {
		return nil, tools.Retryable("busy", "rate limited")
	}

	res, _ := e.getPrompt(t, ctx, "fetch_report", map[string]string{"source": "s3"})
	id := taskID(t, res.Meta)

	out := e.callTool(t, ctx, "client.fetch", map[string]any{"source": "s3"}, map[string]any{"_task_id": id})
	require.True(t, out.IsError)
	assert.Equal(t, true, out.Meta["retryable"])

	e.router.Drain()
	got := e.callTool(t, ctx, "tasks_get", map[string]any{"task_id": id}, nil).task(t)
	assert.Equal(t, "paused", got["status"])
	reason := got["pauseReason"].(map[string]any)
	assert.Equal(t, "tool_error", reason["kind"])
	assert.Equal(t, "rate limited", reason["message"])
}

func TestTaskFlow_Cancel(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	res, _ := e.getPrompt(t, ctx, "fetch_report", map[string]string{"source": "s3"})
	id := taskID(t, res.Meta)

	got := e.callTool(t, ctx, "tasks_cancel", map[string]any{"task_id": id, "result": map[string]any{"answer": 42}}, nil).task(t)
	assert.Equal(t, "completed", got["status"])
	assert.Equal(t, map[string]any{"answer": float64(42)}, got["result"])

	again := e.callTool(t, ctx, "tasks_cancel", map[string]any{"task_id": id}, nil)
	assert.True(t, again.IsError)
	assert.Contains(t, again.text(), "TASK_FINISHED")

	e.callTool(t, ctx, "client.fetch", map[string]any{"source": "s3"}, map[string]any{"_task_id": id})
	e.router.Drain()
	final := e.callTool(t, ctx, "tasks_get", map[string]any{"task_id": id}, nil).task(t)
	assert.Equal(t, map[string]any{"answer": float64(42)}, final["result"], "late continuations leave finished tasks alone")
}

func TestTaskFlow_ListAndOwnership(t *testing.T) {
	e := newTestEnvWithStore(t, store.NewMemoryStore(auth.Policy{}))
	alice := auth.WithOwner(context.Background(), "alice")
	bob := auth.WithOwner(context.Background(), "bob")

	res, rpcErr := e.getPrompt(t, alice, "fetch_report", map[string]string{"source": "s3"})
	require.Nil(t, rpcErr)
	id := taskID(t, res.Meta)

	list := e.callTool(t, alice, "tasks_list", map[string]any{}, nil)
	require.False(t, list.IsError)
	assert.Contains(t, list.text(), id)

	empty := e.callTool(t, bob, "tasks_list", map[string]any{}, nil)
	assert.JSONEq(t, `{"tasks":[],"count":0}`, empty.text())

	denied := e.callTool(t, bob, "tasks_get", map[string]any{"task_id": id}, nil)
	assert.True(t, denied.IsError)
	missing := e.callTool(t, bob, "tasks_get", map[string]any{"task_id": "no-such-task"}, nil)
	assert.True(t, missing.IsError)
	assert.Equal(t,
		strings.ReplaceAll(missing.text(), "no-such-task", "ID"),
		strings.ReplaceAll(denied.text(), id, "ID"),
		"foreign and absent tasks are indistinguishable apart from the id")

	_, rpcErr = e.getPrompt(t, context.Background(), "fetch_report", map[string]string{"source": "s3"})
	require.NotNil(t, rpcErr)
	assert.Contains(t, rpcErr.Message, "UNAUTHENTICATED")
}

func TestTaskFlow_RetryAfterToolError(t *testing.T) {
	reg := tools.NewRegistry(nil, nil)
	var mu sync.Mutex
	failures := 1
	flaky := &funcTool{name: "flaky", fn: func(map[string]any) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return nil, tools.Retryable("busy", "try later")
		}
		return map[string]any{"ok": true}, nil
	}}
	require.NoError(t, reg.Register(flaky))
	wf, err := workflow.Define("flaky_job", "Runs a flaky tool").
		Step(workflow.NewStep("call", "flaky")).
		TaskSupport(true).
		Build(reg)
	require.NoError(t, err)
	catalog, err := workflow.NewCatalog(wf)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := router.New(router.Deps{
		Store:     store.NewMemoryStore(auth.Policy{AllowAnonymous: true}),
		Engine:    engine.New(engine.Options{Logger: logger}),
		Workflows: catalog,
		Logger:    logger,
	})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	srv, err := NewHandoffServer(HandoffServerDeps{Router: r, Registry: reg, Logger: logger})
	require.NoError(t, err)
	e := &testEnv{server: srv, router: r}
	ctx := context.Background()

	res, rpcErr := e.getPrompt(t, ctx, "flaky_job", nil)
	require.Nil(t, rpcErr)
	id := taskID(t, res.Meta)
	assert.Contains(t, res.Meta["task"].(map[string]any)["narrative"], "tasks_retry")

	got := e.callTool(t, ctx, "tasks_retry", map[string]any{"task_id": id}, nil).task(t)
	assert.Equal(t, "completed", got["status"])
	assert.Equal(t, 2, flaky.calls())
}

func TestRegistryTool_DirectCall(t *testing.T) {
	e := newTestEnv(t)
	out := e.callTool(t, context.Background(), "db.query", map[string]any{"sql": "select 1"}, nil)
	require.False(t, out.IsError)
	assert.JSONEq(t, `{"rows":["a","b","c"],"sql":"select 1"}`, out.text())
	assert.Equal(t, 1, e.query.calls())
}

func TestRegistryTool_FailureIsToolError(t *testing.T) {
	reg := tools.NewRegistry(nil, nil)
	require.NoError(t, reg.Register(&funcTool{name: "broken", fn: func(map[string]any) (any, error) {
		return nil, errors.New("disk on fire")
	}}))
	catalog, err := workflow.NewCatalog()
	require.NoError(t, err)
	r, err := router.New(router.Deps{
		Store:     store.NewMemoryStore(auth.Policy{AllowAnonymous: true}),
		Engine:    engine.New(engine.Options{}),
		Workflows: catalog,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	srv, err := NewHandoffServer(HandoffServerDeps{Router: r, Registry: reg})
	require.NoError(t, err)

	e := &testEnv{server: srv, router: r}
	out := e.callTool(t, context.Background(), "broken", map[string]any{}, nil)
	assert.True(t, out.IsError)
	assert.Equal(t, "disk on fire", out.text())
}

// --- Notifications ---

type fakeSession struct {
	id          string
	ch          chan mcp.JSONRPCNotification
	initialized bool
}

func (s *fakeSession) SessionID() string                                   { return s.id }
func (s *fakeSession) NotificationChannel() chan<- mcp.JSONRPCNotification { return s.ch }
func (s *fakeSession) Initialize()                                         { s.initialized = true }
func (s *fakeSession) Initialized() bool                                   { return s.initialized }

var _ server.ClientSession = (*fakeSession)(nil)

func TestNotifier_PushesStatusAfterContinuation(t *testing.T) {
	e := newTestEnv(t)
	srv := e.server.MCPServer()
	session := &fakeSession{id: "session-1", ch: make(chan mcp.JSONRPCNotification, 16), initialized: true}
	require.NoError(t, srv.RegisterSession(context.Background(), session))

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.server.Start(runCtx))
	defer e.server.Stop()

	ctx := srv.WithContext(context.Background(), session)
	res, rpcErr := e.getPrompt(t, ctx, "fetch_report", map[string]string{"source": "s3"})
	require.Nil(t, rpcErr)
	id := taskID(t, res.Meta)

	sid, ok := e.server.Sessions().SessionFor(auth.Anonymous)
	require.True(t, ok)
	assert.Equal(t, "session-1", sid)

	e.callTool(t, ctx, "client.fetch", map[string]any{"source": "s3"}, map[string]any{"_task_id": id})
	e.router.Drain()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-session.ch:
			if n.Method != TaskStatusMethod {
				continue
			}
			if n.Params.AdditionalFields["status"] == "completed" {
				assert.Equal(t, id, n.Params.AdditionalFields["taskId"])
				return
			}
		case <-deadline:
			t.Fatal("no completed notification received")
		}
	}
}

func TestNotifier_NotConnected(t *testing.T) {
	e := newTestEnv(t)
	assert.NoError(t, e.server.notifier.Notify(context.Background(), "nobody", map[string]any{}))

	e.server.Sessions().Register("alice", "gone")
	assert.NoError(t, e.server.notifier.Notify(context.Background(), "alice", map[string]any{}))
	_, ok := e.server.Sessions().SessionFor("alice")
	assert.False(t, ok, "expired sessions are forgotten")
}
