// Package wellknown holds documents served under /.well-known.
package wellknown

import (
	"net/url"
	"strings"
)

// ProtectedResourceMetadataPrefix is the well-known prefix of RFC 9728
// documents. The resource's own path is appended to it.
const ProtectedResourceMetadataPrefix = "/.well-known/oauth-protected-resource"

// ProtectedResourceMetadata is the OAuth 2.0 Protected Resource Metadata
// document (RFC 9728) advertised to streaming clients.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	JwksURI                string   `json:"jwks_uri,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
	ResourceDocumentation  string   `json:"resource_documentation,omitempty"`
}

// MetadataURL returns the absolute URL of the metadata document for resource
// and the path it is served on.
func MetadataURL(resource string) (abs string, path string, err error) {
	u, err := url.Parse(resource)
	if err != nil {
		return "", "", err
	}
	path = ProtectedResourceMetadataPrefix + "/" + strings.Trim(u.Path, "/")
	path = strings.TrimSuffix(path, "/")
	doc := url.URL{Scheme: u.Scheme, Host: u.Host, Path: path}
	return doc.String(), path, nil
}
