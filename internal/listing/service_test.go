package listing

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bowline-sh/bowline/internal/cache"
)

func newGitHubFake(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "Bearer test-pat", r.Header.Get("Authorization"))

		switch {
		case strings.HasSuffix(r.URL.Path, "/packages"):
			fmt.Fprint(w, `[{"name":"myimage","updated_at":"2026-08-01T10:00:00Z"},{"name":"tool","updated_at":"2026-08-10T10:00:00Z"}]`)
		case strings.Contains(r.URL.Path, "/packages/container/"):
			fmt.Fprint(w, `[
				{"metadata":{"container":{"tags":["latest","v1.2.0"]}}},
				{"metadata":{"container":{"tags":["v1.10.0"]}}},
				{"metadata":{"container":{"tags":["v1.9.1"]}}}
			]`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestImages_SemverOrderingAndRecency(t *testing.T) {
	var calls atomic.Int32
	srv := newGitHubFake(t, &calls)
	defer srv.Close()

	svc := New("bowline-sh", "test-pat", time.Minute, cache.NewMemory()).WithAPIBase(srv.URL)

	images, err := svc.Images(context.Background())
	require.NoError(t, err)
	require.Len(t, images, 2)

	// Most recently updated package first.
	assert.Equal(t, "tool", images[0].Name)
	assert.Equal(t, "myimage", images[1].Name)

	// Semver tags newest first, non-semver tags after.
	assert.Equal(t, []string{"v1.10.0", "v1.9.1", "v1.2.0", "latest"}, images[0].Tags)
}

func TestImages_CachedWithinTTL(t *testing.T) {
	var calls atomic.Int32
	srv := newGitHubFake(t, &calls)
	defer srv.Close()

	svc := New("bowline-sh", "test-pat", time.Minute, cache.NewMemory()).WithAPIBase(srv.URL)

	_, err := svc.Images(context.Background())
	require.NoError(t, err)
	after := calls.Load()

	_, err = svc.Images(context.Background())
	require.NoError(t, err)

	assert.Equal(t, after, calls.Load(), "second listing must come from cache")
}

func TestHandle_WithoutTokenReportsUnavailable(t *testing.T) {
	svc := New("bowline-sh", "", time.Minute, cache.NewMemory())

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/images", nil)
	rec := httptest.NewRecorder()

	err := svc.Handle(e.NewContext(req, rec))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestImages_GitHubErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	svc := New("bowline-sh", "test-pat", time.Minute, cache.NewMemory()).WithAPIBase(srv.URL)

	_, err := svc.Images(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}
