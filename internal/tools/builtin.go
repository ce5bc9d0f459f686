package tools

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"hash"

	"github.com/google/uuid"
	"github.com/rendis/handoff/internal/expressions"
)

// RegisterBuiltins registers the server-side tools every deployment has.
func RegisterBuiltins(reg *Registry, httpCfg HTTPConfig) error {
	all := []Tool{
		&jqTool{engine: expressions.NewGoJQEngine()},
		&exprEvalTool{engine: expressions.NewExprEngine()},
		&hashTool{},
		&uuidTool{},
		NewHTTPRequestTool(httpCfg),
	}
	for _, t := range all {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// --- jq ---

type jqTool struct {
	engine *expressions.GoJQEngine
}

func (t *jqTool) Name() string { return "jq" }

func (t *jqTool) Descriptor() Descriptor {
	return Descriptor{
		Description: "Run a jq filter over an input document",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "required": ["filter"],
  "properties": {
    "filter": {"type": "string", "minLength": 1},
    "input": {}
  }
}`),
	}
}

func (t *jqTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	filter, _ := args["filter"].(string)
	out, err := t.engine.Query(ctx, filter, args["input"])
	if err != nil {
		return nil, Permanent("jq_error", err.Error())
	}
	return map[string]any{"result": out}, nil
}

// --- expr.eval ---

type exprEvalTool struct {
	engine *expressions.ExprEngine
}

func (t *exprEvalTool) Name() string { return "expr.eval" }

func (t *exprEvalTool) Descriptor() Descriptor {
	return Descriptor{
		Description: "Evaluate an Expr expression; keys of data become variables",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "required": ["expression"],
  "properties": {
    "expression": {"type": "string", "minLength": 1},
    "data": {"type": "object"}
  }
}`),
	}
}

func (t *exprEvalTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	expression, _ := args["expression"].(string)
	data, _ := args["data"].(map[string]any)
	out, err := t.engine.Evaluate(ctx, expression, data)
	if err != nil {
		return nil, Permanent("expr_error", err.Error())
	}
	return map[string]any{"result": out}, nil
}

// --- crypto.hash ---

type hashTool struct{}

func (t *hashTool) Name() string { return "crypto.hash" }

func (t *hashTool) Descriptor() Descriptor {
	return Descriptor{
		Description: "Compute a hex digest of a string",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "required": ["data"],
  "properties": {
    "data": {"type": "string"},
    "algorithm": {"type": "string", "enum": ["sha1", "sha256", "sha384", "sha512"]}
  }
}`),
	}
}

func (t *hashTool) Invoke(_ context.Context, args map[string]any) (any, error) {
	data, _ := args["data"].(string)
	algorithm, _ := args["algorithm"].(string)
	if algorithm == "" {
		algorithm = "sha256"
	}

	var h hash.Hash
	switch algorithm {
	case "sha1":
		h = sha1.New()
	case "sha256":
		h = sha256.New()
	case "sha384":
		h = sha512.New384()
	case "sha512":
		h = sha512.New()
	default:
		return nil, Permanent("invalid_input", "unsupported hash algorithm: "+algorithm)
	}
	h.Write([]byte(data))

	return map[string]any{
		"hash":      hex.EncodeToString(h.Sum(nil)),
		"algorithm": algorithm,
	}, nil
}

// --- crypto.uuid ---

type uuidTool struct{}

func (t *uuidTool) Name() string { return "crypto.uuid" }

func (t *uuidTool) Descriptor() Descriptor {
	return Descriptor{Description: "Generate a v4 UUID"}
}

func (t *uuidTool) Invoke(_ context.Context, _ map[string]any) (any, error) {
	return map[string]any{"uuid": uuid.NewString()}, nil
}
