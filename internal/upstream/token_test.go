package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bowline-sh/bowline/internal/cache"
	"github.com/bowline-sh/bowline/internal/registry"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newTokenTestClient(t *testing.T, issuerHandler http.HandlerFunc) (*TokenClient, *fakeClock, func()) {
	t.Helper()
	issuer := httptest.NewServer(issuerHandler)
	restore := registry.Override(registry.BackendGHCR, registry.BackendConfig{
		Name:    "test",
		BaseURL: "http://unused.invalid",
		AuthURL: issuer.URL,
		Service: "ghcr.io",
	})

	clock := &fakeClock{now: time.Now()}
	tc := NewTokenClient(New().WithRetries(1), cache.NewMemory()).WithClock(clock.Now)

	return tc, clock, func() {
		issuer.Close()
		restore()
	}
}

func TestAnonymousToken_CachedWithinValidityWindow(t *testing.T) {
	var calls atomic.Int32
	tc, clock, cleanup := newTokenTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		assert.Equal(t, "ghcr.io", r.URL.Query().Get("service"))
		assert.Equal(t, "repository:bowline-sh/myimage:pull", r.URL.Query().Get("scope"))
		fmt.Fprintf(w, `{"token":"tok-%d","expires_in":300}`, n)
	})
	defer cleanup()

	ctx := context.Background()
	first := tc.AnonymousToken(ctx, registry.BackendGHCR, "bowline-sh/myimage", "pull")
	assert.Equal(t, "tok-1", first)
	assert.EqualValues(t, 1, calls.Load())

	// Same scope inside the validity window: no network call.
	second := tc.AnonymousToken(ctx, registry.BackendGHCR, "bowline-sh/myimage", "pull")
	assert.Equal(t, "tok-1", second)
	assert.EqualValues(t, 1, calls.Load())

	// Past expiry (300s minus the 30s safety margin): exactly one more.
	clock.Advance(271 * time.Second)
	third := tc.AnonymousToken(ctx, registry.BackendGHCR, "bowline-sh/myimage", "pull")
	assert.Equal(t, "tok-2", third)
	assert.EqualValues(t, 2, calls.Load())
}

func TestAnonymousToken_DistinctScopesDistinctEntries(t *testing.T) {
	var calls atomic.Int32
	tc, _, cleanup := newTokenTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		fmt.Fprintf(w, `{"token":"tok-%d","expires_in":300}`, n)
	})
	defer cleanup()

	ctx := context.Background()
	a := tc.AnonymousToken(ctx, registry.BackendGHCR, "bowline-sh/a", "pull")
	b := tc.AnonymousToken(ctx, registry.BackendGHCR, "bowline-sh/b", "pull")

	assert.NotEqual(t, a, b)
	assert.EqualValues(t, 2, calls.Load())
}

func TestAnonymousToken_AccessTokenField(t *testing.T) {
	tc, _, cleanup := newTokenTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"alt-token","expires_in":300}`)
	})
	defer cleanup()

	token := tc.AnonymousToken(context.Background(), registry.BackendGHCR, "bowline-sh/myimage", "pull")
	assert.Equal(t, "alt-token", token)
}

func TestAnonymousToken_IssuerFailureReturnsEmpty(t *testing.T) {
	tc, _, cleanup := newTokenTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	defer cleanup()

	token := tc.AnonymousToken(context.Background(), registry.BackendGHCR, "bowline-sh/myimage", "pull")
	assert.Empty(t, token)
}

func TestAnonymousToken_NetworkFailureReturnsEmpty(t *testing.T) {
	issuer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	issuer.Close()
	restore := registry.Override(registry.BackendGHCR, registry.BackendConfig{
		AuthURL: issuer.URL,
		Service: "ghcr.io",
	})
	defer restore()

	tc := NewTokenClient(New().WithRetries(1), cache.NewMemory())
	token := tc.AnonymousToken(context.Background(), registry.BackendGHCR, "bowline-sh/myimage", "pull")
	assert.Empty(t, token)
}

func TestAnonymousToken_JWTExpFallback(t *testing.T) {
	clockStart := time.Now()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": clockStart.Add(10 * time.Minute).Unix(),
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)

	var calls atomic.Int32
	tc, clock, cleanup := newTokenTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprintf(w, `{"token":"%s"}`, signed)
	})
	defer cleanup()
	clock.now = clockStart

	ctx := context.Background()
	token := tc.AnonymousToken(ctx, registry.BackendGHCR, "bowline-sh/myimage", "pull")
	assert.Equal(t, signed, token)

	// Past the 300s default but inside the JWT's 10 minute window: the
	// exp claim governs, so the cached token is still served.
	clock.Advance(5 * time.Minute)
	again := tc.AnonymousToken(ctx, registry.BackendGHCR, "bowline-sh/myimage", "pull")
	assert.Equal(t, signed, again)
	assert.EqualValues(t, 1, calls.Load())
}
