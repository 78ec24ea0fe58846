package proxy

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/bowline-sh/bowline/internal/registry"
)

// Headers the Registry V2 protocol requires on responses.
const (
	HeaderAPIVersion    = "Docker-Distribution-API-Version"
	HeaderContentDigest = "Docker-Content-Digest"
	apiVersion          = "registry/2.0"
)

// Registry error codes OCI distribution clients know how to interpret.
const (
	CodeNameInvalid     = "NAME_INVALID"
	CodeUnsupported     = "UNSUPPORTED"
	CodeManifestUnknown = "MANIFEST_UNKNOWN"
	CodeBlobUnknown     = "BLOB_UNKNOWN"
	CodeNameUnknown     = "NAME_UNKNOWN"
)

// RegistryErrorItem is one entry in the OCI error envelope. Detail is
// always serialized, even when null, because clients parse it.
type RegistryErrorItem struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Detail  interface{} `json:"detail"`
}

// RegistryErrorResponse is the OCI/Docker error envelope.
type RegistryErrorResponse struct {
	Errors []RegistryErrorItem `json:"errors"`
}

// writeError sends a Registry V2 formatted error response with the two
// mandatory headers.
func writeError(c echo.Context, status int, code, message string) error {
	c.Response().Header().Set(echo.HeaderContentType, "application/json")
	c.Response().Header().Set(HeaderAPIVersion, apiVersion)
	return c.JSON(status, RegistryErrorResponse{
		Errors: []RegistryErrorItem{{
			Code:    code,
			Message: message,
		}},
	})
}

// writeAuthChallenge sends the 401 bearer challenge telling the client
// where and how to obtain a token.
func writeAuthChallenge(c echo.Context, backend registry.Backend, image, actions string) error {
	c.Response().Header().Set("WWW-Authenticate", authenticateHeader(backend, image, actions))
	c.Response().Header().Set(HeaderAPIVersion, apiVersion)
	return c.NoContent(http.StatusUnauthorized)
}

// authenticateHeader formats the WWW-Authenticate value exactly as OCI
// distribution clients expect to parse it.
func authenticateHeader(backend registry.Backend, image, actions string) string {
	cfg := backend.Config()
	return fmt.Sprintf("Bearer realm=%q,service=%q,scope=%q",
		cfg.AuthURL, cfg.Service, fmt.Sprintf("repository:%s:%s", image, actions))
}

// manifestResponseHeaders is the allow-list copied from upstream
// manifest responses. Nothing else crosses the proxy in either
// direction so internal headers never leak.
var manifestResponseHeaders = []string{
	"Content-Type",
	HeaderContentDigest,
	"Content-Length",
	"ETag",
}

func copyManifestHeaders(dst, src http.Header) {
	for _, name := range manifestResponseHeaders {
		if v := src.Get(name); v != "" {
			dst.Set(name, v)
		}
	}
}
