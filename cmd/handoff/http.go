package main

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/rendis/handoff/internal/auth"
	"github.com/rendis/handoff/internal/handoff"
	"github.com/rendis/handoff/internal/store"
	"github.com/rendis/handoff/internal/tasks"
	"github.com/rendis/handoff/pkg/schema"
)

const ownerKey = "owner"

// newHTTPHandler mounts the MCP endpoint, health check and the read-only
// task API. With a verifier, bearer tokens become task owners on both.
func newHTTPHandler(a *app, verifier *auth.BearerVerifier) http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			a.logger.LogAttrs(c.Request().Context(), slog.LevelDebug, "http request", attrs...)
			return nil
		},
	}))

	var contextFunc func(ctx context.Context, r *http.Request) context.Context
	if verifier != nil {
		contextFunc = verifier.HTTPContext
	}
	mcpHandler := echo.WrapHandler(a.server.HTTPHandler(contextFunc))
	e.Any("/mcp", mcpHandler)
	e.Any("/mcp/*", mcpHandler)

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"status":        "ok",
			"version":       version,
			"workflows":     a.router.Workflows().Len(),
			"continuations": a.router.ContinuationStats(),
		})
	})

	h := &taskAPI{app: a}
	api := e.Group("/api/v1", requireOwner(a, contextFunc))
	api.GET("/tasks", h.list)
	api.GET("/tasks/:id", h.get)
	api.GET("/workflows", h.workflows)
	return e
}

// requireOwner resolves the caller like the MCP transport does and rejects
// requests without an identity.
func requireOwner(a *app, contextFunc func(context.Context, *http.Request) context.Context) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := req.Context()
			if contextFunc != nil {
				ctx = contextFunc(ctx, req)
			}
			owner, err := a.router.Owner(ctx)
			if err != nil {
				return apiError(c, err)
			}
			c.SetRequest(req.WithContext(ctx))
			c.Set(ownerKey, owner)
			return next(c)
		}
	}
}

type taskAPI struct {
	app *app
}

func (h *taskAPI) list(c echo.Context) error {
	owner := c.Get(ownerKey).(string)
	filter := store.ListFilter{State: schema.TaskStatus(c.QueryParam("status"))}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return apiError(c, schema.NewErrorf(schema.ErrCodeValidation, "invalid limit %q", raw))
		}
		filter.Limit = n
	}

	list, err := h.app.router.List(c.Request().Context(), owner, filter)
	if err != nil {
		return apiError(c, err)
	}
	out := make([]any, 0, len(list))
	for _, t := range list {
		out = append(out, h.view(t, false))
	}
	return c.JSON(http.StatusOK, map[string]any{"tasks": out, "count": len(out)})
}

func (h *taskAPI) get(c echo.Context) error {
	owner := c.Get(ownerKey).(string)
	t, err := h.app.router.Get(c.Request().Context(), owner, c.Param("id"))
	if err != nil {
		return apiError(c, err)
	}
	return c.JSON(http.StatusOK, h.view(t, true))
}

func (h *taskAPI) workflows(c echo.Context) error {
	list := h.app.router.Workflows().List()
	out := make([]map[string]any, 0, len(list))
	for _, wf := range list {
		out = append(out, map[string]any{
			"name":         wf.Name,
			"description":  wf.Description,
			"arguments":    wf.Arguments,
			"steps":        len(wf.Steps),
			"task_support": wf.TaskSupport,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"workflows": out})
}

func (h *taskAPI) view(t *tasks.Task, withNarrative bool) any {
	narrative := ""
	if withNarrative {
		wf, _ := h.app.router.Workflow(t)
		narrative = handoff.Narrative(wf, t)
	}
	return handoff.Meta(t, narrative)[handoff.MetaKey]
}

func apiError(c echo.Context, err error) error {
	code := schema.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case schema.ErrCodeNotFound:
		status = http.StatusNotFound
	case schema.ErrCodeUnauthenticated:
		status = http.StatusUnauthorized
	case schema.ErrCodeValidation:
		status = http.StatusBadRequest
	case schema.ErrCodeConflict, schema.ErrCodeTaskFinished:
		status = http.StatusConflict
	}
	if code == "" {
		code = schema.ErrCodeExecution
	}
	return c.JSON(status, map[string]any{"error": map[string]any{"code": code, "message": err.Error()}})
}
