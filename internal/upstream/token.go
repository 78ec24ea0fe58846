package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bowline-sh/bowline/internal/cache"
	"github.com/bowline-sh/bowline/internal/registry"
	"github.com/bowline-sh/bowline/pkg/logger"
)

const (
	// defaultTokenLifetime applies when the issuer omits expires_in and
	// the token carries no exp claim.
	defaultTokenLifetime = 300 * time.Second
	// tokenSafetyMargin is subtracted from the issuer lifetime so a
	// token is never used right at its expiry boundary.
	tokenSafetyMargin = 30 * time.Second
)

// cachedToken is a bearer token with its refresh deadline.
type cachedToken struct {
	Value     string
	ExpiresAt time.Time
}

// tokenResponse is the issuer's JSON body. Some issuers use token,
// others access_token.
type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// TokenClient obtains and caches short-lived anonymous bearer tokens
// for public pulls. It is strictly best-effort: every failure mode
// yields an empty token, never an error, because some images are
// public without bearer auth and the pull should proceed regardless.
type TokenClient struct {
	fetcher *Fetcher
	store   cache.Store
	now     func() time.Time
}

// NewTokenClient creates a token client backed by the given cache.
func NewTokenClient(fetcher *Fetcher, store cache.Store) *TokenClient {
	return &TokenClient{
		fetcher: fetcher,
		store:   store,
		now:     time.Now,
	}
}

// WithClock overrides the clock. Used by tests.
func (tc *TokenClient) WithClock(now func() time.Time) *TokenClient {
	tc.now = now
	return tc
}

// AnonymousToken returns a bearer token scoped to the image and
// actions, from cache when possible. An empty string means "proceed
// without additional auth".
func (tc *TokenClient) AnonymousToken(ctx context.Context, backend registry.Backend, image, actions string) string {
	scope := fmt.Sprintf("repository:%s:%s", image, actions)
	key := fmt.Sprintf("%s:%s", backend, scope)

	if v, ok := tc.store.Get(key); ok {
		if tok, ok := v.(cachedToken); ok && tc.now().Before(tok.ExpiresAt) {
			logger.Debug("token cache hit", "key", key, "expires_in", tok.ExpiresAt.Sub(tc.now()))
			return tok.Value
		}
	}

	cfg := backend.Config()
	reqURL := fmt.Sprintf("%s?service=%s&scope=%s", cfg.AuthURL, url.QueryEscape(cfg.Service), url.QueryEscape(scope))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		logger.Warn("failed to build token request", "registry", backend, "error", err)
		return ""
	}

	resp, err := tc.fetcher.Do(req)
	if err != nil {
		logger.Warn("anonymous token fetch failed", "registry", backend, "scope", scope, "error", err)
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.Warn("token issuer rejected request", "registry", backend, "scope", scope, "status", resp.StatusCode)
		return ""
	}

	var body tokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		logger.Warn("failed to decode token response", "registry", backend, "error", err)
		return ""
	}

	token := body.Token
	if token == "" {
		token = body.AccessToken
	}
	if token == "" {
		logger.Warn("token issuer returned empty token", "registry", backend, "scope", scope)
		return ""
	}

	lifetime := tc.tokenLifetime(body, token)
	tc.store.Set(key, cachedToken{
		Value:     token,
		ExpiresAt: tc.now().Add(lifetime - tokenSafetyMargin),
	}, lifetime)

	logger.Debug("anonymous token fetched", "registry", backend, "scope", scope, "lifetime", lifetime)
	return token
}

// tokenLifetime derives the token's validity window: expires_in when
// present, the JWT exp claim as a fallback, then the issuer default.
func (tc *TokenClient) tokenLifetime(body tokenResponse, token string) time.Duration {
	if body.ExpiresIn > 0 {
		return time.Duration(body.ExpiresIn) * time.Second
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			if lifetime := exp.Sub(tc.now()); lifetime > tokenSafetyMargin {
				return lifetime
			}
		}
	}

	return defaultTokenLifetime
}
