package expressions

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rendis/handoff/pkg/schema"
)

// FieldPath is a parsed projection path such as "rows", "meta.page" or
// "rows[0].id".
type FieldPath struct {
	raw      string
	segments []pathSegment
}

type pathSegment struct {
	key   string
	index int
	isIdx bool
}

// ParseFieldPath parses a dotted path with optional [n] indexes.
func ParseFieldPath(path string) (FieldPath, error) {
	fp := FieldPath{raw: path}
	if strings.TrimSpace(path) == "" {
		return fp, schema.NewError(schema.ErrCodeValidation, "empty field path")
	}

	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return fp, schema.NewErrorf(schema.ErrCodeValidation, "field path %q has an empty segment", path)
		}
		key := part
		rest := ""
		if i := strings.IndexByte(part, '['); i >= 0 {
			key, rest = part[:i], part[i:]
		}
		if key != "" {
			fp.segments = append(fp.segments, pathSegment{key: key})
		}
		for rest != "" {
			end := strings.IndexByte(rest, ']')
			if rest[0] != '[' || end < 0 {
				return fp, schema.NewErrorf(schema.ErrCodeValidation, "field path %q has a malformed index", path)
			}
			n, err := strconv.Atoi(rest[1:end])
			if err != nil || n < 0 {
				return fp, schema.NewErrorf(schema.ErrCodeValidation, "field path %q has a non-numeric index %q", path, rest[1:end])
			}
			fp.segments = append(fp.segments, pathSegment{index: n, isIdx: true})
			rest = rest[end+1:]
		}
	}
	if len(fp.segments) == 0 {
		return fp, schema.NewErrorf(schema.ErrCodeValidation, "field path %q selects nothing", path)
	}
	return fp, nil
}

// String returns the path as written.
func (p FieldPath) String() string {
	return p.raw
}

// Query renders the path as a jq program. Keys are always quoted so that
// names with dashes or spaces select the field literally.
func (p FieldPath) Query() string {
	var b strings.Builder
	b.WriteByte('.')
	for _, s := range p.segments {
		if s.isIdx {
			b.WriteString("[" + strconv.Itoa(s.index) + "]")
			continue
		}
		b.WriteString("[" + quoteKey(s.key) + "]")
	}
	return b.String()
}

// quoteKey renders key as a jq string literal. jq string syntax is JSON's, so
// Go escapes such as \x01 must not appear.
func quoteKey(key string) string {
	b, err := json.Marshal(key)
	if err != nil {
		return strconv.Quote(key)
	}
	return string(b)
}

// Project applies path to value. A missing key yields nil; indexing into a
// value of the wrong type is an error.
func (e *GoJQEngine) Project(ctx context.Context, path FieldPath, value any) (any, error) {
	out, err := e.Query(ctx, path.Query(), value)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeResolve, "cannot project %q: %s", path.raw, err.Error()).WithCause(err)
	}
	return out, nil
}
