package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-oidc"
	"github.com/rendis/handoff/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKeySet satisfies oidc.KeySet and skips signature verification.
type fakeKeySet struct{}

func (fakeKeySet) VerifySignature(_ context.Context, jwt string) ([]byte, error) {
	parts := strings.Split(jwt, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed jwt")
	}
	return base64.RawURLEncoding.DecodeString(parts[1])
}

const testIssuer = "https://issuer.test"

func fakeToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	header, err := json.Marshal(map[string]any{"alg": "RS256", "typ": "JWT", "kid": "k"})
	require.NoError(t, err)
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(header) + "." +
		base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString([]byte("sig"))
}

func validClaims() map[string]any {
	return map[string]any{
		"iss":   testIssuer,
		"aud":   "handoff",
		"sub":   "user-1",
		"email": "user@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iat":   time.Now().Add(-time.Minute).Unix(),
	}
}

func testVerifier(claim string) *BearerVerifier {
	v := oidc.NewVerifier(testIssuer, fakeKeySet{}, &oidc.Config{SkipClientIDCheck: true})
	return NewBearerVerifier(v, claim)
}

// --- Policy Tests ---

func TestPolicy_Resolve(t *testing.T) {
	ctx := context.Background()

	owner, err := Policy{AllowAnonymous: true}.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, Anonymous, owner)

	_, err = Policy{}.Resolve(ctx)
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnauthenticated))

	owner, err = Policy{}.Resolve(WithOwner(ctx, "alice"))
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)

	_, err = Policy{AllowAnonymous: true}.Resolve(WithAuthError(ctx, errors.New("expired")))
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnauthenticated))
}

func TestPolicy_ReservedOwner(t *testing.T) {
	_, err := Policy{AllowAnonymous: true}.Resolve(WithOwner(context.Background(), Anonymous))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnauthenticated))
	assert.ErrorIs(t, err, ErrReservedOwner)
}

func TestOwnerFrom_EmptyIsAbsent(t *testing.T) {
	_, ok := OwnerFrom(WithOwner(context.Background(), ""))
	assert.False(t, ok)
}

// --- BearerVerifier Tests ---

func TestBearerVerifier_Subject(t *testing.T) {
	owner, err := testVerifier("").Owner(context.Background(), fakeToken(t, validClaims()))
	require.NoError(t, err)
	assert.Equal(t, "user-1", owner)
}

func TestBearerVerifier_CustomClaim(t *testing.T) {
	owner, err := testVerifier("email").Owner(context.Background(), fakeToken(t, validClaims()))
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", owner)

	_, err = testVerifier("tenant").Owner(context.Background(), fakeToken(t, validClaims()))
	assert.Error(t, err)
}

func TestBearerVerifier_RejectsReservedIdentity(t *testing.T) {
	claims := validClaims()
	claims["sub"] = Anonymous
	_, err := testVerifier("").Owner(context.Background(), fakeToken(t, claims))
	assert.ErrorIs(t, err, ErrReservedOwner)

	claims = validClaims()
	claims["email"] = Anonymous
	_, err = testVerifier("email").Owner(context.Background(), fakeToken(t, claims))
	assert.ErrorIs(t, err, ErrReservedOwner)

	// A request carrying that token never falls back to the anonymous owner.
	req := httptest.NewRequest("POST", "/mcp", nil)
	claims = validClaims()
	claims["sub"] = Anonymous
	req.Header.Set("Authorization", "Bearer "+fakeToken(t, claims))
	_, err = Policy{AllowAnonymous: true}.Resolve(testVerifier("").HTTPContext(context.Background(), req))
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnauthenticated))
}

func TestBearerVerifier_RejectsBadTokens(t *testing.T) {
	expired := validClaims()
	expired["exp"] = time.Now().Add(-time.Hour).Unix()
	_, err := testVerifier("").Owner(context.Background(), fakeToken(t, expired))
	assert.Error(t, err)

	wrongIssuer := validClaims()
	wrongIssuer["iss"] = "https://evil.test"
	_, err = testVerifier("").Owner(context.Background(), fakeToken(t, wrongIssuer))
	assert.Error(t, err)
}

func TestBearerVerifier_HTTPContext(t *testing.T) {
	v := testVerifier("")
	policy := Policy{AllowAnonymous: true}

	req := httptest.NewRequest("POST", "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+fakeToken(t, validClaims()))
	owner, err := policy.Resolve(v.HTTPContext(context.Background(), req))
	require.NoError(t, err)
	assert.Equal(t, "user-1", owner)

	req = httptest.NewRequest("POST", "/mcp", nil)
	owner, err = policy.Resolve(v.HTTPContext(context.Background(), req))
	require.NoError(t, err)
	assert.Equal(t, Anonymous, owner)

	req = httptest.NewRequest("POST", "/mcp", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	_, err = policy.Resolve(v.HTTPContext(context.Background(), req))
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnauthenticated))
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	_, ok := BearerToken(req)
	assert.False(t, ok)

	req.Header.Set("Authorization", "Basic abc")
	_, ok = BearerToken(req)
	assert.False(t, ok)

	req.Header.Set("Authorization", "Bearer  tok ")
	tok, ok := BearerToken(req)
	assert.True(t, ok)
	assert.Equal(t, "tok", tok)
}
