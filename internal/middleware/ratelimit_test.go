package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRateLimiterStore_BurstThenDeny(t *testing.T) {
	store := NewMemoryRateLimiterStore(1, 3, time.Minute)

	for i := 0; i < 3; i++ {
		ok, err := store.Allow("10.0.0.1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d within burst must pass", i)
	}

	ok, err := store.Allow("10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok, "request beyond burst must be denied")

	// A different identifier has its own bucket.
	ok, err = store.Allow("10.0.0.2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRateLimiter_DenialUsesErrorEnvelope(t *testing.T) {
	e := echo.New()
	e.Use(RateLimiter(1, 1))
	e.GET("/v2/", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	first := httptest.NewRecorder()
	e.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/v2/", nil))
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	e.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/v2/", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.JSONEq(t,
		`{"errors":[{"code":"TOOMANYREQUESTS","message":"too many requests","detail":null}]}`,
		second.Body.String())
}
