// Package proxy implements the Registry V2 pull surface: manifest,
// blob and tag-list handlers plus the protocol error translator.
package proxy

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/bowline-sh/bowline/internal/registry"
	"github.com/bowline-sh/bowline/internal/upstream"
	"github.com/bowline-sh/bowline/pkg/logger"
)

// defaultManifestAccept is offered when the client sends no Accept
// header. Order matters: clients and registries negotiate on it.
const defaultManifestAccept = "application/vnd.docker.distribution.manifest.v2+json, " +
	"application/vnd.docker.distribution.manifest.list.v2+json, " +
	"application/vnd.oci.image.manifest.v1+json, " +
	"application/vnd.oci.image.index.v1+json, " +
	"*/*"

// Handler serves the /v2 pull surface for a single owner namespace.
type Handler struct {
	owner          string
	defaultBackend registry.Backend
	fetch          *upstream.Fetcher
	blobFetch      *upstream.Fetcher
	tokens         *upstream.TokenClient
}

// NewHandler creates the proxy handler. blobFetch must not follow
// redirects; fetch follows them.
func NewHandler(owner string, defaultBackend registry.Backend, fetch, blobFetch *upstream.Fetcher, tokens *upstream.TokenClient) *Handler {
	return &Handler{
		owner:          owner,
		defaultBackend: defaultBackend,
		fetch:          fetch,
		blobFetch:      blobFetch,
		tokens:         tokens,
	}
}

// Base handles GET/HEAD /v2/, the protocol version check.
func (h *Handler) Base(c echo.Context) error {
	c.Response().Header().Set(HeaderAPIVersion, apiVersion)
	return c.NoContent(http.StatusOK)
}

// Route dispatches every /v2/* request to the matching handler.
func (h *Handler) Route(c echo.Context) error {
	path := strings.Trim(strings.TrimPrefix(c.Request().URL.Path, "/v2"), "/")
	if path == "" {
		return h.Base(c)
	}

	parsed := registry.ParsePath(strings.Split(path, "/"), h.owner, h.defaultBackend)
	if parsed == nil {
		return writeError(c, http.StatusBadRequest, CodeNameInvalid, "invalid repository path")
	}

	method := c.Request().Method
	switch parsed.Endpoint {
	case registry.EndpointManifests:
		if method != http.MethodGet && method != http.MethodHead {
			return writeError(c, http.StatusMethodNotAllowed, CodeUnsupported, "method not allowed")
		}
		return h.manifest(c, parsed)
	case registry.EndpointBlobs:
		if method != http.MethodGet {
			return writeError(c, http.StatusMethodNotAllowed, CodeUnsupported, "method not allowed")
		}
		return h.blobRedirect(c, parsed)
	case registry.EndpointTags:
		if parsed.Reference != "list" {
			return writeError(c, http.StatusBadRequest, CodeUnsupported, "unsupported tags operation")
		}
		if method != http.MethodGet {
			return writeError(c, http.StatusMethodNotAllowed, CodeUnsupported, "method not allowed")
		}
		return h.listTags(c, parsed)
	}
	return writeError(c, http.StatusBadRequest, CodeUnsupported, "unsupported operation")
}

// manifest proxies GET/HEAD manifest requests. The body is streamed
// through as raw bytes so content digests stay byte-exact.
func (h *Handler) manifest(c echo.Context, p *registry.ParsedPath) error {
	accept := c.Request().Header.Get("Accept")
	if accept == "" {
		accept = defaultManifestAccept
	}

	resp, err := h.fetchWithAuth(c, h.fetch, p, c.Request().Method, http.Header{"Accept": {accept}})
	if err != nil {
		logger.Error("manifest fetch failed", "image", p.Image, "reference", p.Reference, "error", err)
		return writeError(c, http.StatusBadGateway, CodeManifestUnknown, "upstream registry unavailable")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return writeAuthChallenge(c, p.Backend, p.Image, "pull")
	case http.StatusNotFound:
		return writeError(c, http.StatusNotFound, CodeManifestUnknown, "manifest unknown")
	}

	res := c.Response()
	copyManifestHeaders(res.Header(), resp.Header)
	res.Header().Set(HeaderAPIVersion, apiVersion)
	res.WriteHeader(resp.StatusCode)

	if c.Request().Method == http.MethodHead {
		return nil
	}
	if _, err := io.Copy(res, resp.Body); err != nil {
		// Headers are out; all we can do is log the broken stream.
		logger.Warn("manifest stream interrupted", "image", p.Image, "reference", p.Reference, "error", err)
	}
	return nil
}

// blobRedirect forwards the upstream's signed-URL redirect so layer
// bytes never pass through the proxy. The upstream is asked with GET,
// not HEAD, because object-storage backends only reveal the redirect
// target on GET.
func (h *Handler) blobRedirect(c echo.Context, p *registry.ParsedPath) error {
	resp, err := h.fetchWithAuth(c, h.blobFetch, p, http.MethodGet, nil)
	if err != nil {
		logger.Error("blob fetch failed", "image", p.Image, "digest", p.Reference, "error", err)
		return writeError(c, http.StatusBadGateway, CodeBlobUnknown, "upstream registry unavailable")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return writeAuthChallenge(c, p.Backend, p.Image, "pull")
	case http.StatusNotFound:
		return writeError(c, http.StatusNotFound, CodeBlobUnknown, "blob unknown to registry")
	}

	if location := resp.Header.Get("Location"); location != "" &&
		(resp.StatusCode == http.StatusTemporaryRedirect || resp.StatusCode == http.StatusFound) {
		c.Response().Header().Set(HeaderAPIVersion, apiVersion)
		return c.Redirect(http.StatusTemporaryRedirect, location)
	}

	// Neither a redirect nor an auth/not-found answer. Not observed
	// from the configured backends; answer with an empty 200 carrying
	// whatever digest the upstream supplied.
	logger.Warn("blob response without redirect", "image", p.Image, "digest", p.Reference, "status", resp.StatusCode)
	c.Response().Header().Set(HeaderAPIVersion, apiVersion)
	if digest := resp.Header.Get(HeaderContentDigest); digest != "" {
		c.Response().Header().Set(HeaderContentDigest, digest)
	}
	return c.NoContent(http.StatusOK)
}

// listTags proxies GET tags/list. The upstream JSON is passed through
// as text so field ordering is preserved.
func (h *Handler) listTags(c echo.Context, p *registry.ParsedPath) error {
	resp, err := h.fetchWithAuth(c, h.fetch, p, http.MethodGet, http.Header{"Accept": {"application/json"}})
	if err != nil {
		logger.Error("tags fetch failed", "image", p.Image, "error", err)
		return writeError(c, http.StatusBadGateway, CodeNameUnknown, "upstream registry unavailable")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return writeAuthChallenge(c, p.Backend, p.Image, "pull")
	case http.StatusNotFound:
		return writeError(c, http.StatusNotFound, CodeNameUnknown, "repository name not known")
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, contentType)
	res.Header().Set(HeaderAPIVersion, apiVersion)
	res.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(res, resp.Body); err != nil {
		logger.Warn("tags stream interrupted", "image", p.Image, "error", err)
	}
	return nil
}

// fetchWithAuth runs the two-phase auth flow: forward the client's
// Authorization header as-is, and only when the upstream answers 401 to
// an unauthenticated request, retry once with an anonymous pull token.
func (h *Handler) fetchWithAuth(c echo.Context, f *upstream.Fetcher, p *registry.ParsedPath, method string, headers http.Header) (*http.Response, error) {
	cfg := p.Backend.Config()
	url := fmt.Sprintf("%s/v2/%s/%s/%s", cfg.BaseURL, p.Image, p.Endpoint, p.Reference)

	clientAuth := c.Request().Header.Get("Authorization")

	build := func(auth string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(c.Request().Context(), method, url, nil)
		if err != nil {
			return nil, err
		}
		for name, values := range headers {
			for _, v := range values {
				req.Header.Add(name, v)
			}
		}
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		return req, nil
	}

	req, err := build(clientAuth)
	if err != nil {
		return nil, err
	}
	resp, err := f.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized && clientAuth == "" {
		token := h.tokens.AnonymousToken(c.Request().Context(), p.Backend, p.Image, "pull")
		if token != "" {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()

			retry, err := build("Bearer " + token)
			if err != nil {
				return nil, err
			}
			return f.Do(retry)
		}
	}
	return resp, nil
}
