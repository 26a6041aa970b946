package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/timeline-streaming-go/internal/jwtauth"
)

// SecurityConfig describes how JWT access tokens are validated.
type SecurityConfig struct {
	Issuer      string
	Audiences   []string
	AllowedAlgs []string // default: ["RS256"] if empty
	JWKSURL     string   // required for manual validation, filled by discovery

	Leeway time.Duration // clock skew tolerance (default 60s)
	// AccountClaim names the claim carrying the account id (default
	// "account_id", falling back to "sub").
	AccountClaim string
}

// Normalize fills defaults.
func (c *SecurityConfig) Normalize() {
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if c.Leeway == 0 {
		c.Leeway = 60 * time.Second
	}
	if c.AccountClaim == "" {
		c.AccountClaim = "account_id"
	}
}

// Validate returns an error if required fields are missing.
func (c SecurityConfig) Validate() error {
	if c.Issuer == "" {
		return errors.New("security: issuer required")
	}
	if len(c.Audiences) == 0 {
		return errors.New("security: at least one audience required")
	}
	for _, a := range c.Audiences {
		if a == "" {
			return errors.New("security: empty audience entry")
		}
	}
	return nil
}

// Copy returns a deep copy safe for mutation by the caller.
func (c SecurityConfig) Copy() SecurityConfig {
	dup := c
	dup.Audiences = append([]string(nil), c.Audiences...)
	dup.AllowedAlgs = append([]string(nil), c.AllowedAlgs...)
	return dup
}

func (c SecurityConfig) jwtConfig() *jwtauth.Config {
	jc := jwtauth.DefaultConfig()
	jc.Issuer = c.Issuer
	jc.ExpectedAudiences = append([]string(nil), c.Audiences...)
	jc.AllowedAlgs = append([]string(nil), c.AllowedAlgs...)
	jc.Leeway = c.Leeway
	jc.AccountClaim = c.AccountClaim
	return jc
}

// NewJWTValidator builds a validator from this configuration without OIDC
// discovery. Issuer, at least one audience and JWKSURL are required.
func (c SecurityConfig) NewJWTValidator(ctx context.Context) (*JWTValidator, error) {
	cc := c.Copy()
	cc.Normalize()
	if err := cc.Validate(); err != nil {
		return nil, err
	}
	if cc.JWKSURL == "" {
		return nil, errors.New("security: JWKSURL required for manual JWT validation")
	}
	v, err := jwtauth.NewStatic(ctx, cc.jwtConfig(), cc.JWKSURL)
	if err != nil {
		return nil, err
	}
	return &JWTValidator{v: v, sec: cc}, nil
}

// NewFromDiscovery returns a validator for JWT access tokens whose keys are
// located through OpenID Connect discovery on issuer.
func NewFromDiscovery(ctx context.Context, issuer string, audience string, opts ...JWTOption) (*JWTValidator, error) {
	sec := SecurityConfig{Issuer: issuer, Audiences: []string{audience}}
	for _, opt := range opts {
		opt(&sec)
	}
	sec.Normalize()
	if err := sec.Validate(); err != nil {
		return nil, err
	}
	v, err := jwtauth.NewFromDiscovery(ctx, sec.jwtConfig())
	if err != nil {
		return nil, err
	}
	sec.Issuer = v.Issuer()
	sec.JWKSURL = v.JWKSURL()
	return &JWTValidator{v: v, sec: sec}, nil
}

// JWTOption configures optional aspects of NewFromDiscovery.
type JWTOption func(*SecurityConfig)

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
func WithAllowedAlgs(algs ...string) JWTOption {
	return func(c *SecurityConfig) { c.AllowedAlgs = append([]string(nil), algs...) }
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) JWTOption {
	return func(c *SecurityConfig) { c.Leeway = d }
}

// WithAdditionalAudiences accepts tokens minted for other audiences too.
func WithAdditionalAudiences(aud ...string) JWTOption {
	return func(c *SecurityConfig) { c.Audiences = append(c.Audiences, aud...) }
}

// WithAccountClaim selects the claim carrying the account id.
func WithAccountClaim(name string) JWTOption {
	return func(c *SecurityConfig) { c.AccountClaim = name }
}

// JWTValidator validates signed JWT access tokens.
type JWTValidator struct {
	v   *jwtauth.Verifier
	sec SecurityConfig
}

var _ Validator = (*JWTValidator)(nil)

func (j *JWTValidator) Validate(ctx context.Context, token string) (Identity, error) {
	p, err := j.v.Verify(ctx, token)
	if err != nil {
		if errors.Is(err, jwtauth.ErrUnauthorized) {
			return Identity{}, errors.Join(ErrUnauthorized, err)
		}
		return Identity{}, fmt.Errorf("jwt verify: %w", err)
	}
	return Identity{AccountID: p.AccountID, TokenID: p.TokenID, Scopes: Scopes(p.Scopes)}, nil
}

// SecurityConfig returns a copy of the effective configuration.
func (j *JWTValidator) SecurityConfig() SecurityConfig { return j.sec.Copy() }
