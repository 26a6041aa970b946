// Package tokenfile validates static service tokens listed in a YAML file.
// The file is watched and reloaded when it changes; tokens that disappear on
// reload are reported so live connections using them can be closed.
//
// File format:
//
//	tokens:
//	  - token: s3cr3t
//	    account_id: "42"
//	    token_id: ops-dashboard
//	    scopes: [read]
//
// account_id is required. Entries without token_id get an id derived from
// the token, so it stays the same when other entries are added or removed.
package tokenfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/timeline-streaming-go/auth"
	"github.com/ggoodman/timeline-streaming-go/internal/jwtauth"
	"gopkg.in/yaml.v3"
)

type fileEntry struct {
	Token     string   `yaml:"token"`
	AccountID string   `yaml:"account_id"`
	TokenID   string   `yaml:"token_id"`
	Scopes    []string `yaml:"scopes"`
}

type fileDoc struct {
	Tokens []fileEntry `yaml:"tokens"`
}

// Option configures a Validator.
type Option func(*Validator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) { v.log = l }
}

// WithOnRevoke registers a callback receiving the token ids removed by a
// reload.
func WithOnRevoke(fn func(tokenIDs []string)) Option {
	return func(v *Validator) { v.onRevoke = fn }
}

// Validator serves tokens from the most recently loaded file.
type Validator struct {
	path     string
	log      *slog.Logger
	onRevoke func([]string)

	mu     sync.RWMutex
	tokens map[string]auth.Identity
}

// Load reads path and returns a Validator. Call Watch to pick up changes.
func Load(path string, opts ...Option) (*Validator, error) {
	v := &Validator{path: path, log: slog.Default()}
	for _, opt := range opts {
		opt(v)
	}
	tokens, err := readFile(path)
	if err != nil {
		return nil, err
	}
	v.tokens = tokens
	return v, nil
}

func readFile(path string) (map[string]auth.Identity, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	// A writer truncates before it writes; an empty read is never a real table.
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, fmt.Errorf("token file %s is empty", path)
	}
	var doc fileDoc
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse token file %s: %w", path, err)
	}
	out := make(map[string]auth.Identity, len(doc.Tokens))
	for i, e := range doc.Tokens {
		if e.Token == "" {
			return nil, fmt.Errorf("token file %s: entry %d has no token", path, i)
		}
		if _, dup := out[e.Token]; dup {
			return nil, fmt.Errorf("token file %s: entry %d duplicates an earlier token", path, i)
		}
		if e.AccountID == "" {
			return nil, fmt.Errorf("token file %s: entry %d has no account_id", path, i)
		}
		id := e.TokenID
		if id == "" {
			id = jwtauth.Fingerprint(e.Token)
		}
		out[e.Token] = auth.Identity{AccountID: e.AccountID, TokenID: id, Scopes: auth.Scopes(e.Scopes)}
	}
	return out, nil
}

var _ auth.Validator = (*Validator)(nil)

func (v *Validator) Validate(ctx context.Context, token string) (auth.Identity, error) {
	v.mu.RLock()
	id, ok := v.tokens[token]
	v.mu.RUnlock()
	if !ok || token == "" {
		return auth.Identity{}, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	return id, nil
}

// Reload re-reads the file. On a parse error the previous tokens stay in
// effect. It returns the token ids that were removed.
func (v *Validator) Reload() ([]string, error) {
	next, err := readFile(v.path)
	if err != nil {
		return nil, err
	}
	keep := make(map[string]bool, len(next))
	for _, id := range next {
		keep[id.TokenID] = true
	}

	v.mu.Lock()
	prev := v.tokens
	v.tokens = next
	v.mu.Unlock()

	var removed []string
	for _, id := range prev {
		if !keep[id.TokenID] {
			removed = append(removed, id.TokenID)
		}
	}
	if len(removed) > 0 && v.onRevoke != nil {
		v.onRevoke(removed)
	}
	return removed, nil
}

// Watch reloads the file whenever it changes until ctx is done. The parent
// directory is watched so editors that replace the file are handled.
func (v *Validator) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("tokenfile watcher: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()

	abs, err := filepath.Abs(v.path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("tokenfile watch %s: %w", filepath.Dir(abs), err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("tokenfile watcher closed")
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			removed, err := v.Reload()
			if err != nil {
				v.log.WarnContext(ctx, "tokenfile.reload.fail", slog.String("err", err.Error()))
				continue
			}
			v.log.InfoContext(ctx, "tokenfile.reload", slog.Int("removed", len(removed)))
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("tokenfile watcher closed")
			}
			v.log.WarnContext(ctx, "tokenfile.watch.err", slog.String("err", err.Error()))
		}
	}
}
