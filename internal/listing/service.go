// Package listing feeds the landing page: it lists the owner's
// container packages through the GitHub API. It is a thin collaborator
// outside the pull path; docker pulls never depend on it.
package listing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/labstack/echo/v4"

	"github.com/bowline-sh/bowline/internal/cache"
	"github.com/bowline-sh/bowline/pkg/logger"
)

const (
	githubAPIBase = "https://api.github.com"
	cacheKey      = "listing:images"
)

// Image is one published container image with its known tags, newest
// semver first.
type Image struct {
	Name      string    `json:"name"`
	Tags      []string  `json:"tags"`
	UpdatedAt time.Time `json:"updated_at"`
}

type githubPackage struct {
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
}

type githubVersion struct {
	Metadata struct {
		Container struct {
			Tags []string `json:"tags"`
		} `json:"container"`
	} `json:"metadata"`
}

// Service lists the owner's GHCR packages with a personal access
// token, caching responses in the shared cache store.
type Service struct {
	owner   string
	token   string
	ttl     time.Duration
	store   cache.Store
	client  *http.Client
	apiBase string
}

// New creates a listing service. token may be empty, in which case the
// endpoint reports itself unavailable instead of failing pulls.
func New(owner, token string, ttl time.Duration, store cache.Store) *Service {
	return &Service{
		owner:   owner,
		token:   token,
		ttl:     ttl,
		store:   store,
		client:  &http.Client{Timeout: 30 * time.Second},
		apiBase: githubAPIBase,
	}
}

// WithAPIBase overrides the GitHub API base URL. Used by tests.
func (s *Service) WithAPIBase(base string) *Service {
	s.apiBase = base
	return s
}

// Handle serves GET /api/images.
func (s *Service) Handle(c echo.Context) error {
	if s.token == "" {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "image listing is not configured",
		})
	}

	images, err := s.Images(c.Request().Context())
	if err != nil {
		logger.Error("image listing failed", "owner", s.owner, "error", err)
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "failed to list images",
		})
	}
	return c.JSON(http.StatusOK, images)
}

// Images returns the owner's container packages, served from cache
// inside the TTL window.
func (s *Service) Images(ctx context.Context) ([]Image, error) {
	if v, ok := s.store.Get(cacheKey); ok {
		if images, ok := v.([]Image); ok {
			logger.Debug("image listing served from cache", "owner", s.owner, "count", len(images))
			return images, nil
		}
	}

	packagesURL := fmt.Sprintf("%s/users/%s/packages?package_type=container&per_page=100", s.apiBase, url.PathEscape(s.owner))
	var packages []githubPackage
	if err := s.getJSON(ctx, packagesURL, &packages); err != nil {
		return nil, fmt.Errorf("listing packages for %s: %w", s.owner, err)
	}

	images := make([]Image, 0, len(packages))
	for _, pkg := range packages {
		versionsURL := fmt.Sprintf("%s/users/%s/packages/container/%s/versions?per_page=100",
			s.apiBase, url.PathEscape(s.owner), url.PathEscape(pkg.Name))
		var versions []githubVersion
		if err := s.getJSON(ctx, versionsURL, &versions); err != nil {
			return nil, fmt.Errorf("listing versions of %s: %w", pkg.Name, err)
		}

		var tags []string
		for _, v := range versions {
			tags = append(tags, v.Metadata.Container.Tags...)
		}
		sortTags(tags)

		images = append(images, Image{
			Name:      pkg.Name,
			Tags:      tags,
			UpdatedAt: pkg.UpdatedAt,
		})
	}

	sort.Slice(images, func(i, j int) bool {
		return images[i].UpdatedAt.After(images[j].UpdatedAt)
	})

	s.store.Set(cacheKey, images, s.ttl)
	return images, nil
}

func (s *Service) getJSON(ctx context.Context, reqURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("github api returned %d: %s", resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// sortTags orders semver tags newest first, followed by the remaining
// tags in lexical order.
func sortTags(tags []string) {
	sort.Slice(tags, func(i, j int) bool {
		vi, erri := semver.NewVersion(tags[i])
		vj, errj := semver.NewVersion(tags[j])
		switch {
		case erri == nil && errj == nil:
			return vi.GreaterThan(vj)
		case erri == nil:
			return true
		case errj == nil:
			return false
		default:
			return tags[i] < tags[j]
		}
	})
}
