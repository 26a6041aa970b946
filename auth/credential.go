package auth

import (
	"fmt"
	"net/http"
	"strings"
)

// Location is where a credential was found on the request.
type Location uint8

const (
	LocationNone Location = iota
	LocationSubprotocol
	LocationHeader
	LocationQuery
)

func (l Location) String() string {
	switch l {
	case LocationSubprotocol:
		return "subprotocol"
	case LocationHeader:
		return "header"
	case LocationQuery:
		return "query"
	}
	return "none"
}

const (
	authorizationHeader = "Authorization"
	subprotocolHeader   = "Sec-WebSocket-Protocol"
	accessTokenParam    = "access_token"
	bearerScheme        = "Bearer"
)

// Credential is a bearer token and where it was presented.
type Credential struct {
	Token    string
	Location Location
}

// Present reports whether a token was found.
func (c Credential) Present() bool { return c.Token != "" }

// ExtractCredential looks for a bearer token in the Authorization header and
// the access_token query parameter, and only when neither is present in the
// WebSocket subprotocol, so a client authenticating by header can still offer
// ordinary subprotocols. Presenting the same token in the header and the query
// is tolerated; presenting different ones is ErrAmbiguousCredential. A
// malformed Authorization header is ErrUnauthorized. No token at all returns
// a zero Credential and no error.
func ExtractCredential(r *http.Request) (Credential, error) {
	var found []Credential

	if h := r.Header.Get(authorizationHeader); h != "" {
		scheme, rest, _ := strings.Cut(strings.TrimSpace(h), " ")
		if !strings.EqualFold(scheme, bearerScheme) {
			return Credential{}, fmt.Errorf("%w: malformed bearer authorization header", ErrUnauthorized)
		}
		tok := strings.TrimSpace(rest)
		if tok == "" {
			return Credential{}, fmt.Errorf("%w: empty bearer token", ErrUnauthorized)
		}
		found = append(found, Credential{Token: tok, Location: LocationHeader})
	}
	if tok := strings.TrimSpace(r.URL.Query().Get(accessTokenParam)); tok != "" {
		found = append(found, Credential{Token: tok, Location: LocationQuery})
	}

	if len(found) == 0 {
		if tok := SubprotocolToken(r); tok != "" {
			return Credential{Token: tok, Location: LocationSubprotocol}, nil
		}
		return Credential{}, nil
	}
	for _, c := range found[1:] {
		if c.Token != found[0].Token {
			return Credential{}, ErrAmbiguousCredential
		}
	}
	return found[0], nil
}

// SubprotocolToken returns the token carried in Sec-WebSocket-Protocol, if
// any. Clients send the raw token as the only offered subprotocol.
func SubprotocolToken(r *http.Request) string {
	h := r.Header.Get(subprotocolHeader)
	if h == "" {
		return ""
	}
	first, _, _ := strings.Cut(h, ",")
	return strings.TrimSpace(first)
}
