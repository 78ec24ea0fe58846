package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/bowline-sh/bowline/pkg/logger"
)

// MemoryRateLimiterStore implements echo's RateLimiterStore interface
// with a per-identifier token bucket. Idle entries are swept so the map
// does not grow unbounded under scanner traffic.
type MemoryRateLimiterStore struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	rate      rate.Limit
	burst     int
	expiresIn time.Duration
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewMemoryRateLimiterStore creates a store allowing r requests per
// second with the given burst. Entries idle longer than expiresIn are
// evicted.
func NewMemoryRateLimiterStore(r float64, burst int, expiresIn time.Duration) *MemoryRateLimiterStore {
	s := &MemoryRateLimiterStore{
		visitors:  make(map[string]*visitor),
		rate:      rate.Limit(r),
		burst:     burst,
		expiresIn: expiresIn,
	}
	go s.sweep()
	return s
}

// Allow reports whether the identifier may proceed.
func (s *MemoryRateLimiterStore) Allow(identifier string) (bool, error) {
	s.mu.Lock()
	v, ok := s.visitors[identifier]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(s.rate, s.burst)}
		s.visitors[identifier] = v
	}
	v.lastSeen = time.Now()
	s.mu.Unlock()

	return v.limiter.Allow(), nil
}

func (s *MemoryRateLimiterStore) sweep() {
	ticker := time.NewTicker(s.expiresIn)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		for id, v := range s.visitors {
			if time.Since(v.lastSeen) > s.expiresIn {
				delete(s.visitors, id)
			}
		}
		s.mu.Unlock()
	}
}

// RateLimiter limits requests per client IP. Denials carry the OCI
// error envelope so registry clients can interpret them.
func RateLimiter(r float64, burst int) echo.MiddlewareFunc {
	store := NewMemoryRateLimiterStore(r, burst, 3*time.Minute)
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			logger.Warn("rate limit exceeded", "ip", identifier, "path", c.Request().URL.Path)
			return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
				"errors": []map[string]interface{}{{
					"code":    "TOOMANYREQUESTS",
					"message": "too many requests",
					"detail":  nil,
				}},
			})
		},
	})
}
