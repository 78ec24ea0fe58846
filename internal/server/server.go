// Package server wires the echo application together: routes,
// middleware and graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/bowline-sh/bowline/internal/cache"
	"github.com/bowline-sh/bowline/internal/config"
	"github.com/bowline-sh/bowline/internal/listing"
	"github.com/bowline-sh/bowline/internal/middleware"
	"github.com/bowline-sh/bowline/internal/proxy"
	"github.com/bowline-sh/bowline/internal/registry"
	"github.com/bowline-sh/bowline/internal/upstream"
	"github.com/bowline-sh/bowline/pkg/logger"
)

// shutdownTimeout bounds how long in-flight requests may finish after
// a termination signal.
const shutdownTimeout = 10 * time.Second

// Server is the assembled HTTP application.
type Server struct {
	echo *echo.Echo
	cfg  *config.Config
}

// New builds the server from configuration: one shared cache store,
// the upstream fetchers, the token client, the proxy handler and the
// listing service.
func New(cfg *config.Config) *Server {
	store := cache.NewMemory()
	fetch := upstream.New()
	blobFetch := upstream.NewManualRedirect()
	tokens := upstream.NewTokenClient(fetch, store)

	handler := proxy.NewHandler(
		cfg.Server.Owner,
		registry.Backend(cfg.Server.DefaultRegistry),
		fetch,
		blobFetch,
		tokens,
	)
	listingSvc := listing.New(cfg.Server.Owner, cfg.Listing.Token, cfg.Listing.TTL, store)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echomw.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.AccessLogger())

	v2 := e.Group("/v2")
	if cfg.Limits.Enabled {
		v2.Use(middleware.RateLimiter(cfg.Limits.Rate, cfg.Limits.Burst))
	}
	v2.GET("", handler.Base)
	v2.HEAD("", handler.Base)
	v2.GET("/", handler.Base)
	v2.HEAD("/", handler.Base)
	v2.Any("/*", handler.Route)

	if cfg.Listing.Enabled {
		e.GET("/api/images", listingSvc.Handle)
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	return &Server{echo: e, cfg: cfg}
}

// Echo exposes the underlying echo instance. Used by tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start runs the server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Server.Port)
	errCh := make(chan error, 1)

	go func() {
		logger.Info("server listening",
			"addr", addr,
			"owner", s.cfg.Server.Owner,
			"default_registry", s.cfg.Server.DefaultRegistry)
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
