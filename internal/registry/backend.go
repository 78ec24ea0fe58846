// Package registry describes the upstream registries the proxy pulls
// from and parses inbound /v2 paths into routable requests.
package registry

// Backend identifies an upstream registry.
type Backend string

const (
	BackendDocker Backend = "docker"
	BackendGHCR   Backend = "ghcr"
)

// BackendConfig holds the endpoints of one upstream registry. The table
// is immutable and loaded at process start.
type BackendConfig struct {
	Name    string
	BaseURL string
	AuthURL string
	Service string
}

var backends = map[Backend]BackendConfig{
	BackendDocker: {
		Name:    "Docker Hub",
		BaseURL: "https://registry-1.docker.io",
		AuthURL: "https://auth.docker.io/token",
		Service: "registry.docker.io",
	},
	BackendGHCR: {
		Name:    "GitHub Container Registry",
		BaseURL: "https://ghcr.io",
		AuthURL: "https://ghcr.io/token",
		Service: "ghcr.io",
	},
}

// Override replaces a backend's endpoints and returns a restore
// function. Tests use it to point backends at local servers; production
// code never mutates the table after start.
func Override(b Backend, cfg BackendConfig) (restore func()) {
	prev := backends[b]
	backends[b] = cfg
	return func() { backends[b] = prev }
}

// Lookup resolves a path segment to a known backend key.
func Lookup(key string) (Backend, bool) {
	b := Backend(key)
	_, ok := backends[b]
	return b, ok
}

// Config returns the endpoint configuration for the backend.
func (b Backend) Config() BackendConfig {
	return backends[b]
}

// Known reports whether the backend is in the table.
func (b Backend) Known() bool {
	_, ok := backends[b]
	return ok
}
