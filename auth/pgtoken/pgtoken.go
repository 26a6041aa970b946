// Package pgtoken validates opaque OAuth access tokens against the
// application's relational store.
package pgtoken

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ggoodman/timeline-streaming-go/auth"
	"github.com/jackc/pgx/v5"
)

// Querier is the subset of pgxpool.Pool (or pgx.Conn) used here.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const lookupSQL = `
SELECT oauth_access_tokens.id, users.account_id, COALESCE(oauth_access_tokens.scopes, '')
FROM oauth_access_tokens
INNER JOIN users ON oauth_access_tokens.resource_owner_id = users.id
WHERE oauth_access_tokens.token = $1
  AND oauth_access_tokens.revoked_at IS NULL
  AND (oauth_access_tokens.expires_in IS NULL
       OR oauth_access_tokens.created_at + oauth_access_tokens.expires_in * interval '1 second' > now())
LIMIT 1`

// Option configures a Validator.
type Option func(*Validator)

// WithTimeout bounds each lookup. Defaults to 5s.
func WithTimeout(d time.Duration) Option {
	return func(v *Validator) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// Validator looks tokens up in oauth_access_tokens.
type Validator struct {
	db      Querier
	timeout time.Duration
}

// New returns a Validator using db.
func New(db Querier, opts ...Option) *Validator {
	v := &Validator{db: db, timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

var _ auth.Validator = (*Validator)(nil)

func (v *Validator) Validate(ctx context.Context, token string) (auth.Identity, error) {
	if token == "" {
		return auth.Identity{}, fmt.Errorf("%w: empty token", auth.ErrUnauthorized)
	}
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	var (
		tokenID   int64
		accountID int64
		scopes    string
	)
	err := v.db.QueryRow(ctx, lookupSQL, token).Scan(&tokenID, &accountID, &scopes)
	if errors.Is(err, pgx.ErrNoRows) {
		return auth.Identity{}, fmt.Errorf("%w: unknown or revoked token", auth.ErrUnauthorized)
	}
	if err != nil {
		return auth.Identity{}, fmt.Errorf("token lookup: %w", err)
	}
	return auth.Identity{
		AccountID: strconv.FormatInt(accountID, 10),
		TokenID:   strconv.FormatInt(tokenID, 10),
		Scopes:    auth.ParseScopes(scopes),
	}, nil
}
