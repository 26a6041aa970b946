// Package pglists confirms list ownership against the relational store.
package pglists

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ggoodman/timeline-streaming-go/access"
	"github.com/jackc/pgx/v5"
)

// Querier is the subset of pgxpool.Pool (or pgx.Conn) used here.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const ownsSQL = `SELECT 1 FROM lists WHERE id = $1 AND account_id = $2 LIMIT 1`

// Store answers ownership questions with a single indexed lookup.
type Store struct {
	db Querier
}

// New returns a Store using db.
func New(db Querier) *Store {
	return &Store{db: db}
}

var _ access.ListOwnership = (*Store)(nil)

// OwnsList reports whether accountID owns listID. Non-numeric ids are never
// owned.
func (s *Store) OwnsList(ctx context.Context, accountID, listID string) (bool, error) {
	lid, err := strconv.ParseInt(listID, 10, 64)
	if err != nil {
		return false, nil
	}
	aid, err := strconv.ParseInt(accountID, 10, 64)
	if err != nil {
		return false, nil
	}

	var one int
	err = s.db.QueryRow(ctx, ownsSQL, lid, aid).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("list ownership lookup: %w", err)
	}
	return true, nil
}
