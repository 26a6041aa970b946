// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ggoodman/timeline-streaming-go/queue"
	"github.com/joeshaw/envdecode"
)

// Authentication modes.
const (
	AuthPostgres  = "postgres"
	AuthJWT       = "jwt"
	AuthTokenFile = "tokenfile"
)

// Config for the streaming service. Every field has an env tag; defaults are
// provided via the tags.
type Config struct {
	ListenAddr string `env:"STREAMING_LISTEN_ADDR,default=:4000"`
	BasePath   string `env:"STREAMING_BASE_PATH,default=/api/v1/streaming"`
	// PublicURL is the externally visible origin, for example
	// https://stream.example. In jwt mode it enables the protected resource
	// metadata document.
	PublicURL string `env:"STREAMING_PUBLIC_URL"`
	Realm     string `env:"STREAMING_REALM"`

	// RedisURL wins over RedisAddr, RedisPassword and RedisDB when set.
	RedisURL       string `env:"REDIS_URL"`
	RedisAddr      string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	RedisDB        int    `env:"REDIS_DB,default=0"`
	RedisNamespace string `env:"REDIS_NAMESPACE"`

	DatabaseURL string `env:"DATABASE_URL"`

	AuthMode     string `env:"STREAMING_AUTH_MODE,default=postgres"`
	OIDCIssuer   string `env:"OIDC_ISSUER"`
	OIDCAudience string `env:"OIDC_AUDIENCE"`
	OIDCJWKSURL  string `env:"OIDC_JWKS_URL"`
	TokenFile    string `env:"STREAMING_TOKEN_FILE"`

	AllowAnonymousPublic bool `env:"STREAMING_ALLOW_ANONYMOUS_PUBLIC,default=false"`

	HeartbeatInterval time.Duration `env:"STREAMING_HEARTBEAT_INTERVAL,default=15s"`
	IdleTimeout       time.Duration `env:"STREAMING_IDLE_TIMEOUT,default=45s"`
	WriteTimeout      time.Duration `env:"STREAMING_WRITE_TIMEOUT,default=10s"`
	CloseDrainTimeout time.Duration `env:"STREAMING_CLOSE_DRAIN_TIMEOUT,default=2s"`
	AuthTimeout       time.Duration `env:"STREAMING_AUTH_TIMEOUT,default=5s"`
	ListLookupTimeout time.Duration `env:"STREAMING_LIST_LOOKUP_TIMEOUT,default=2s"`

	QueueSize        int    `env:"STREAMING_QUEUE_SIZE,default=256"`
	ControlLaneSize  int    `env:"STREAMING_CONTROL_LANE_SIZE,default=32"`
	OverflowPolicy   string `env:"STREAMING_OVERFLOW_POLICY,default=drop-oldest"`
	OverflowOverride string `env:"STREAMING_OVERFLOW_OVERRIDES,default=notification=disconnect"`

	ControlRate  float64 `env:"STREAMING_CONTROL_RATE,default=10"`
	ControlBurst int     `env:"STREAMING_CONTROL_BURST,default=20"`

	RegistryShards int `env:"STREAMING_REGISTRY_SHARDS,default=64"`

	RevocationTopic      string        `env:"STREAMING_REVOCATION_TOPIC,default=streaming:revocations"`
	RevokedTTL           time.Duration `env:"STREAMING_REVOKED_TTL,default=10m"`
	ReconnectMaxInterval time.Duration `env:"STREAMING_RECONNECT_MAX_INTERVAL,default=30s"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`

	Metrics bool `env:"STREAMING_METRICS,default=true"`
}

// Load decodes the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid or missing setting at once.
func (c Config) Validate() error {
	var errs []error
	switch c.AuthMode {
	case AuthPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("config: DATABASE_URL is required for postgres auth mode"))
		}
	case AuthJWT:
		if c.OIDCIssuer == "" || c.OIDCAudience == "" {
			errs = append(errs, errors.New("config: OIDC_ISSUER and OIDC_AUDIENCE are required for jwt auth mode"))
		}
	case AuthTokenFile:
		if c.TokenFile == "" {
			errs = append(errs, errors.New("config: STREAMING_TOKEN_FILE is required for tokenfile auth mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown auth mode %q", c.AuthMode))
	}
	if _, err := c.Policies(); err != nil {
		errs = append(errs, fmt.Errorf("config: overflow policy: %w", err))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("config: unknown log format %q", c.LogFormat))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("config: queue size must be positive, got %d", c.QueueSize))
	}
	if c.ControlLaneSize <= 0 {
		errs = append(errs, fmt.Errorf("config: control lane size must be positive, got %d", c.ControlLaneSize))
	}
	if !strings.HasPrefix(c.BasePath, "/") {
		errs = append(errs, fmt.Errorf("config: base path %q must start with /", c.BasePath))
	}
	return errors.Join(errs...)
}

// Policies returns the configured overflow policies.
func (c Config) Policies() (queue.Policies, error) {
	def, err := queue.ParsePolicy(c.OverflowPolicy)
	if err != nil {
		return queue.Policies{}, err
	}
	return queue.ParsePolicies(def, c.OverflowOverride)
}

// Queue returns the per-connection queue configuration.
func (c Config) Queue() (queue.Config, error) {
	p, err := c.Policies()
	if err != nil {
		return queue.Config{}, err
	}
	return queue.Config{Size: c.QueueSize, ControlSize: c.ControlLaneSize, Policies: p}, nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: log level: %w", err)
	}
	return lvl, nil
}
