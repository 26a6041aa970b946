// Package jwtauth verifies RFC 9068 JWT access tokens for the streaming
// endpoint. Keys come from a JWKS endpoint, either discovered through OpenID
// Connect or configured directly, and are refreshed in the background.
package jwtauth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized indicates that the access token failed validation (e.g.,
// signature, issuer, audience, exp/nbf).
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// Config controls validation behavior for access tokens.
type Config struct {
	Issuer string
	// ExpectedAudiences lists every accepted audience. A token is accepted
	// when its aud claim intersects this set.
	ExpectedAudiences []string
	AllowedAlgs       []string
	Leeway            time.Duration
	// RequireATType enforces the RFC 9068 "at+jwt" typ header.
	RequireATType bool
	// AccountClaim names the claim carrying the account id. Defaults to
	// "account_id"; "sub" is used when the claim is absent.
	AccountClaim string
}

// DefaultConfig returns a Config with safe defaults for algorithm and leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs:   []string{"RS256"},
		Leeway:        60 * time.Second,
		RequireATType: true,
		AccountClaim:  "account_id",
	}
}

func (c *Config) normalize() error {
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if len(c.ExpectedAudiences) == 0 {
		return errors.New("at least one expected audience required")
	}
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if slices.Contains(c.AllowedAlgs, "none") {
		return errors.New(`alg "none" is never allowed`)
	}
	if c.AccountClaim == "" {
		c.AccountClaim = "account_id"
	}
	return nil
}

// Principal is what a verified token says about its bearer.
type Principal struct {
	Subject   string
	AccountID string
	TokenID   string
	Scopes    []string
	ExpiresAt time.Time
}

// Verifier validates access tokens. It is safe for concurrent use.
type Verifier struct {
	cfg     Config
	issuer  string
	jwksURL string
	keyfunc jwt.Keyfunc
}

// NewFromDiscovery performs OIDC discovery to obtain jwks_uri and issuer and
// returns a Verifier whose keys are auto-refreshed.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*Verifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	c := *cfg
	if err := c.normalize(); err != nil {
		return nil, err
	}

	provider, err := oidc.NewProvider(ctx, c.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}
	issuer := meta.Issuer
	if issuer == "" {
		issuer = c.Issuer
	}
	return newVerifier(ctx, c, issuer, meta.JwksURI)
}

// NewStatic returns a Verifier for a statically configured issuer and JWKS
// URL, skipping discovery.
func NewStatic(ctx context.Context, cfg *Config, jwksURL string) (*Verifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if jwksURL == "" {
		return nil, errors.New("jwks url required")
	}
	c := *cfg
	if err := c.normalize(); err != nil {
		return nil, err
	}
	return newVerifier(ctx, c, c.Issuer, jwksURL)
}

func newVerifier(ctx context.Context, c Config, issuer, jwksURL string) (*Verifier, error) {
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	algs := append([]string(nil), c.AllowedAlgs...)
	return &Verifier{
		cfg:     c,
		issuer:  issuer,
		jwksURL: jwksURL,
		keyfunc: func(t *jwt.Token) (any, error) {
			if alg := t.Method.Alg(); !slices.Contains(algs, alg) {
				return nil, fmt.Errorf("disallowed alg: %s", alg)
			}
			return kf.Keyfunc(t)
		},
	}, nil
}

// Issuer returns the issuer tokens are checked against.
func (v *Verifier) Issuer() string { return v.issuer }

// JWKSURL returns the key set location in use.
func (v *Verifier) JWKSURL() string { return v.jwksURL }

// Verify validates tok and extracts its Principal.
func (v *Verifier) Verify(ctx context.Context, tok string) (Principal, error) {
	if tok == "" {
		return Principal{}, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	if err := ctx.Err(); err != nil {
		return Principal{}, err
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.cfg.Leeway),
	)
	parsed, err := parser.Parse(tok, v.keyfunc)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	if v.cfg.RequireATType {
		if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
			return Principal{}, fmt.Errorf("%w: invalid typ; want at+jwt", ErrUnauthorized)
		}
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}
	if !audIntersects(claims["aud"], v.cfg.ExpectedAudiences) {
		return Principal{}, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Principal{}, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	p := Principal{
		Subject:   sub,
		AccountID: stringClaim(claims[v.cfg.AccountClaim]),
		Scopes:    scopeClaim(claims),
	}
	if p.AccountID == "" {
		p.AccountID = sub
	}
	if jti, _ := claims["jti"].(string); jti != "" {
		p.TokenID = jti
	} else {
		p.TokenID = Fingerprint(tok)
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		p.ExpiresAt = exp.Time
	}
	return p, nil
}

// Fingerprint derives a stable token id from the raw token for tokens that
// carry no jti.
func Fingerprint(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return "sha256:" + hex.EncodeToString(sum[:16])
}

func stringClaim(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return fmt.Sprintf("%.0f", s)
	case fmt.Stringer:
		return s.String()
	}
	return ""
}

// scopeClaim reads the space-delimited "scope" claim, falling back to an
// "scp" array.
func scopeClaim(claims jwt.MapClaims) []string {
	if s, ok := claims["scope"].(string); ok {
		return strings.Fields(s)
	}
	switch v := claims["scp"].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.Fields(v)
	}
	return nil
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}
