package registry

import "strings"

// Endpoint is one of the three Registry V2 operations the proxy serves.
type Endpoint string

const (
	EndpointManifests Endpoint = "manifests"
	EndpointBlobs     Endpoint = "blobs"
	EndpointTags      Endpoint = "tags"
)

// ParsedPath is the routable form of an inbound /v2 request path. It is
// derived once per request and never retained.
type ParsedPath struct {
	Backend   Backend
	Image     string
	Endpoint  Endpoint
	Reference string
}

// ParsePath parses the path segments following the /v2 prefix, e.g.
// ["ghcr", "myimage", "manifests", "latest"]. The image name is always
// forced under the owner namespace: the proxy serves a single account's
// images regardless of what the client asked for. Returns nil when the
// path cannot name a manifest, blob or tag-list request.
func ParsePath(segments []string, owner string, defaultBackend Backend) *ParsedPath {
	if len(segments) < 3 {
		return nil
	}

	backend := defaultBackend
	if b, ok := Lookup(segments[0]); ok {
		backend = b
		segments = segments[1:]
	}

	// Locate the first endpoint literal; everything before it is the
	// image name, everything after it the reference.
	endpointIdx := -1
	var endpoint Endpoint
	for i, seg := range segments {
		switch Endpoint(seg) {
		case EndpointManifests, EndpointBlobs, EndpointTags:
			endpoint = Endpoint(seg)
			endpointIdx = i
		}
		if endpointIdx >= 0 {
			break
		}
	}
	if endpointIdx <= 0 || endpointIdx == len(segments)-1 {
		return nil
	}

	image := strings.Join(segments[:endpointIdx], "/")
	reference := strings.Join(segments[endpointIdx+1:], "/")
	if image == "" || reference == "" {
		return nil
	}

	return &ParsedPath{
		Backend:   backend,
		Image:     owner + "/" + image,
		Endpoint:  endpoint,
		Reference: reference,
	}
}
