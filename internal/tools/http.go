package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPConfig configures the http.request tool.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	Client          *http.Client
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

const httpRequestInputSchema = `{
  "type": "object",
  "required": ["url"],
  "properties": {
    "method": {"type": "string"},
    "url": {"type": "string", "minLength": 1},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "timeout": {"type": "string"}
  }
}`

// HTTPRequestTool implements "http.request". Network errors, 429 and 5xx
// responses are retryable failures; other 4xx responses are permanent.
type HTTPRequestTool struct {
	config HTTPConfig
}

// NewHTTPRequestTool creates a new http.request tool.
func NewHTTPRequestTool(cfg HTTPConfig) *HTTPRequestTool {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &HTTPRequestTool{config: cfg}
}

func (t *HTTPRequestTool) Name() string { return "http.request" }

func (t *HTTPRequestTool) Descriptor() Descriptor {
	return Descriptor{
		Description: "Execute an HTTP request and return status, headers and body",
		InputSchema: json.RawMessage(httpRequestInputSchema),
	}
}

func (t *HTTPRequestTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	rawURL, _ := args["url"].(string)
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, Permanent("invalid_input", fmt.Sprintf("invalid url %q", rawURL))
	}

	method := "GET"
	if m, ok := args["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	timeout := t.config.DefaultTimeout
	if ts, ok := args["timeout"].(string); ok && ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			timeout = d
		}
	}

	var body io.Reader
	if raw, ok := args["body"]; ok && raw != nil {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, Permanent("invalid_input", "body is not JSON-encodable")
		}
		body = strings.NewReader(string(b))
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, body)
	if err != nil {
		return nil, Permanent("invalid_input", err.Error())
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if hm, ok := args["headers"].(map[string]any); ok {
		for k, v := range hm {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	start := time.Now()
	resp, err := t.config.Client.Do(req)
	if err != nil {
		return nil, &Failure{Code: "network_error", Message: err.Error(), Retryable: true, Cause: err}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, t.config.MaxResponseBody))
	if err != nil {
		return nil, &Failure{Code: "network_error", Message: err.Error(), Retryable: true, Cause: err}
	}

	contentType := resp.Header.Get("Content-Type")
	var parsed any
	if len(bodyBytes) > 0 {
		parsed = string(bodyBytes)
		if strings.Contains(contentType, "application/json") {
			var v any
			if json.Unmarshal(bodyBytes, &v) == nil {
				parsed = v
			}
		}
	}

	if resp.StatusCode >= 400 {
		f := &Failure{
			Code:      fmt.Sprintf("http_%d", resp.StatusCode),
			Message:   fmt.Sprintf("server returned %s", resp.Status),
			Retryable: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
		return nil, f
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return map[string]any{
		"status_code":  resp.StatusCode,
		"headers":      headers,
		"body":         parsed,
		"content_type": contentType,
		"duration_ms":  time.Since(start).Milliseconds(),
	}, nil
}
