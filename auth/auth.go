package auth

import (
	"context"
	"errors"
	"slices"
	"strings"
)

var (
	// ErrUnauthorized indicates the token is unknown, invalid, expired or revoked.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrMissingToken indicates no credential was presented in any location.
	ErrMissingToken = errors.New("missing access token")
	// ErrAmbiguousCredential indicates different tokens were presented in more
	// than one location on the same request.
	ErrAmbiguousCredential = errors.New("ambiguous access token")
)

// Well-known scopes checked by channel access control.
const (
	ScopeRead              = "read"
	ScopeReadStatuses      = "read:statuses"
	ScopeReadNotifications = "read:notifications"
	ScopeReadLists         = "read:lists"
)

// Scopes is the set of OAuth scopes granted to a token.
type Scopes []string

// ParseScopes splits a space-delimited scope string.
func ParseScopes(s string) Scopes {
	return Scopes(strings.Fields(s))
}

// Has reports whether scope is granted. The umbrella "read" scope grants
// every "read:*" scope.
func (s Scopes) Has(scope string) bool {
	if slices.Contains(s, scope) {
		return true
	}
	if strings.HasPrefix(scope, ScopeRead+":") {
		return slices.Contains(s, ScopeRead)
	}
	return false
}

// HasAny reports whether at least one of scopes is granted.
func (s Scopes) HasAny(scopes ...string) bool {
	for _, want := range scopes {
		if s.Has(want) {
			return true
		}
	}
	return false
}

func (s Scopes) String() string { return strings.Join(s, " ") }

// Identity is the authenticated principal behind a connection. The zero value
// is the anonymous identity.
type Identity struct {
	AccountID string
	TokenID   string
	Scopes    Scopes
}

// Anonymous reports whether the identity carries no account.
func (i Identity) Anonymous() bool { return i.AccountID == "" }

// Validator turns a bearer token into an Identity. Implementations return an
// error wrapping ErrUnauthorized for tokens that are unknown, invalid or
// revoked; any other error is an infrastructure failure.
type Validator interface {
	Validate(ctx context.Context, token string) (Identity, error)
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(ctx context.Context, token string) (Identity, error)

func (f ValidatorFunc) Validate(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}

// Chain tries each validator in order and returns the first success. A token
// rejected by every validator yields ErrUnauthorized; infrastructure errors
// are joined into the result.
func Chain(validators ...Validator) Validator {
	return ValidatorFunc(func(ctx context.Context, token string) (Identity, error) {
		var errs []error
		for _, v := range validators {
			id, err := v.Validate(ctx, token)
			if err == nil {
				return id, nil
			}
			if !errors.Is(err, ErrUnauthorized) {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			return Identity{}, errors.Join(errs...)
		}
		return Identity{}, ErrUnauthorized
	})
}
