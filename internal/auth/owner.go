package auth

import (
	"context"
	"errors"

	"github.com/rendis/handoff/pkg/schema"
)

// Anonymous is the owner assigned to requests without an auth context when
// the policy allows it. No authenticated identity may use it.
const Anonymous = "anonymous"

// ErrReservedOwner rejects an authenticated identity that equals Anonymous,
// which would otherwise see every anonymous task.
var ErrReservedOwner = errors.New("identity " + Anonymous + " is reserved")

type ctxKey int

const (
	ownerKey ctxKey = iota
	authErrKey
)

// WithOwner returns a context carrying an authenticated owner.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey, owner)
}

// OwnerFrom extracts the authenticated owner, if any.
func OwnerFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ownerKey).(string)
	return v, ok && v != ""
}

// WithAuthError records that credentials were presented and rejected. Such a
// request never falls back to the anonymous owner.
func WithAuthError(ctx context.Context, err error) context.Context {
	return context.WithValue(ctx, authErrKey, err)
}

// Policy decides what an absent auth context resolves to.
type Policy struct {
	AllowAnonymous bool `json:"allow_anonymous"`
}

// Resolve returns the owner for ctx.
func (p Policy) Resolve(ctx context.Context) (string, error) {
	if err, ok := ctx.Value(authErrKey).(error); ok && err != nil {
		return "", schema.NewError(schema.ErrCodeUnauthenticated, "invalid credentials").WithCause(err)
	}
	if owner, ok := OwnerFrom(ctx); ok {
		if owner == Anonymous {
			return "", schema.NewError(schema.ErrCodeUnauthenticated, ErrReservedOwner.Error()).WithCause(ErrReservedOwner)
		}
		return owner, nil
	}
	if p.AllowAnonymous {
		return Anonymous, nil
	}
	return "", schema.NewError(schema.ErrCodeUnauthenticated, "authentication required")
}
