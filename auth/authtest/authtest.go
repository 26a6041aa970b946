// Package authtest provides an in-memory auth.Validator for tests and local
// development.
package authtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ggoodman/timeline-streaming-go/auth"
)

// Static validates tokens against a fixed table.
type Static struct {
	mu     sync.RWMutex
	tokens map[string]auth.Identity
	calls  int
}

// NewStatic creates a validator that knows no tokens.
func NewStatic() *Static {
	return &Static{tokens: make(map[string]auth.Identity)}
}

// Add registers token for account with the given scopes. The token id
// defaults to the token itself.
func (s *Static) Add(token, accountID string, scopes ...string) *Static {
	return s.AddIdentity(token, auth.Identity{AccountID: accountID, TokenID: token, Scopes: auth.Scopes(scopes)})
}

// AddIdentity registers an explicit identity for token.
func (s *Static) AddIdentity(token string, id auth.Identity) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = id
	return s
}

// Remove forgets token; subsequent validations fail.
func (s *Static) Remove(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
}

// Calls returns how many times Validate ran.
func (s *Static) Calls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls
}

func (s *Static) Validate(ctx context.Context, token string) (auth.Identity, error) {
	if err := ctx.Err(); err != nil {
		return auth.Identity{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	id, ok := s.tokens[token]
	if !ok {
		return auth.Identity{}, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	return id, nil
}

var _ auth.Validator = (*Static)(nil)
