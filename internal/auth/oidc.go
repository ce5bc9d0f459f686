package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc"
)

// DefaultClaim is the token claim used as the owner identity.
const DefaultClaim = "sub"

// BearerVerifier turns OIDC bearer tokens into owners.
type BearerVerifier struct {
	verifier *oidc.IDTokenVerifier
	claim    string
}

// NewOIDCVerifier discovers the issuer and verifies access tokens against it.
// An empty audience skips the audience check, as access tokens often carry an
// API audience rather than a client id.
func NewOIDCVerifier(ctx context.Context, issuer, audience, claim string) (*BearerVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery for %s: %w", issuer, err)
	}
	cfg := &oidc.Config{ClientID: audience, SkipClientIDCheck: audience == ""}
	return NewBearerVerifier(provider.Verifier(cfg), claim), nil
}

// NewBearerVerifier wraps an existing verifier.
func NewBearerVerifier(v *oidc.IDTokenVerifier, claim string) *BearerVerifier {
	if claim == "" {
		claim = DefaultClaim
	}
	return &BearerVerifier{verifier: v, claim: claim}
}

// Owner verifies rawToken and returns the configured claim. A claim equal to
// Anonymous is refused with ErrReservedOwner.
func (b *BearerVerifier) Owner(ctx context.Context, rawToken string) (string, error) {
	owner, err := b.claimValue(ctx, rawToken)
	if err != nil {
		return "", err
	}
	if owner == Anonymous {
		return "", ErrReservedOwner
	}
	return owner, nil
}

func (b *BearerVerifier) claimValue(ctx context.Context, rawToken string) (string, error) {
	token, err := b.verifier.Verify(ctx, rawToken)
	if err != nil {
		return "", err
	}
	if b.claim == DefaultClaim {
		if token.Subject == "" {
			return "", errors.New("token has no subject")
		}
		return token.Subject, nil
	}

	var claims map[string]any
	if err := token.Claims(&claims); err != nil {
		return "", fmt.Errorf("parse token claims: %w", err)
	}
	owner, _ := claims[b.claim].(string)
	if owner == "" {
		return "", fmt.Errorf("token has no %q claim", b.claim)
	}
	return owner, nil
}

// HTTPContext resolves the request's bearer token into the context. Requests
// without a token pass through untouched; bad tokens are recorded with
// WithAuthError.
func (b *BearerVerifier) HTTPContext(ctx context.Context, r *http.Request) context.Context {
	raw, ok := BearerToken(r)
	if !ok {
		return ctx
	}
	owner, err := b.Owner(ctx, raw)
	if err != nil {
		return WithAuthError(ctx, err)
	}
	return WithOwner(ctx, owner)
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	return tok, tok != ""
}
