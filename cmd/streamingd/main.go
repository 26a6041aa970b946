// streamingd serves the real-time timeline streaming API over WebSocket and
// Server-Sent Events. Events arrive on a Redis Pub/Sub feed published by the
// application; configuration is read from the environment, with a few
// command-line overrides.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ggoodman/timeline-streaming-go/access"
	"github.com/ggoodman/timeline-streaming-go/access/pglists"
	"github.com/ggoodman/timeline-streaming-go/auth"
	"github.com/ggoodman/timeline-streaming-go/auth/pgtoken"
	"github.com/ggoodman/timeline-streaming-go/auth/tokenfile"
	"github.com/ggoodman/timeline-streaming-go/bridge"
	"github.com/ggoodman/timeline-streaming-go/feed/redisfeed"
	"github.com/ggoodman/timeline-streaming-go/internal/config"
	"github.com/ggoodman/timeline-streaming-go/internal/logctx"
	"github.com/ggoodman/timeline-streaming-go/internal/metrics"
	"github.com/ggoodman/timeline-streaming-go/internal/wellknown"
	"github.com/ggoodman/timeline-streaming-go/registry"
	"github.com/ggoodman/timeline-streaming-go/revocation"
	"github.com/ggoodman/timeline-streaming-go/streaming"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	flagSet := pflag.NewFlagSet("streamingd", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "address to listen on (STREAMING_LISTEN_ADDR)")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error (LOG_LEVEL)")
	flagSet.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "json or text (LOG_FORMAT)")
	flagSet.BoolVar(&cfg.AllowAnonymousPublic, "allow-anonymous-public", cfg.AllowAnonymousPublic, "permit unauthenticated public streams (STREAMING_ALLOW_ANONYMOUS_PUBLIC)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var mt *metrics.Metrics
	promReg := prometheus.NewRegistry()
	if cfg.Metrics {
		promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		mt = metrics.New(promReg)
	}

	rdb, err := newRedisClient(cfg)
	if err != nil {
		return err
	}
	f := redisfeed.New(redisfeed.Config{Client: rdb, KeyPrefix: cfg.RedisNamespace})
	defer func() { _ = f.Close() }()

	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
	}

	br := bridge.New(f,
		bridge.WithLogger(log),
		bridge.WithMetrics(mt),
		bridge.WithReconnectBackoff(100*time.Millisecond, cfg.ReconnectMaxInterval),
	)
	reg := registry.New(
		registry.WithShards(cfg.RegistryShards),
		registry.WithObserver(br),
		registry.WithLogger(log),
	)

	// The watcher closes connections through the manager, which in turn asks
	// the watcher about recently revoked tokens.
	var manager *streaming.Manager
	watcher := revocation.New(f, closerFunc(func(tokenID string, code int) int {
		return manager.CloseByToken(tokenID, code)
	}),
		revocation.WithLogger(log),
		revocation.WithMetrics(mt),
		revocation.WithTopic(cfg.RevocationTopic),
		revocation.WithRememberFor(cfg.RevokedTTL),
		revocation.WithReconnectBackoff(100*time.Millisecond, cfg.ReconnectMaxInterval),
	)
	defer watcher.Close()

	validator, watch, err := newValidator(ctx, cfg, pool, watcher, log)
	if err != nil {
		return err
	}

	authzOpts := []access.Option{access.WithLogger(log), access.WithLookupTimeout(cfg.ListLookupTimeout)}
	if pool != nil {
		authzOpts = append(authzOpts, access.WithListOwnership(pglists.New(pool)))
	}
	authz := access.New(access.Policy{AllowAnonymousPublic: cfg.AllowAnonymousPublic}, authzOpts...)

	qcfg, err := cfg.Queue()
	if err != nil {
		return err
	}
	manager = streaming.NewManager(validator, authz, reg,
		streaming.WithLogger(log),
		streaming.WithMetrics(mt),
		streaming.WithRevocationChecker(watcher),
		streaming.WithConfig(streaming.Config{
			HeartbeatInterval: cfg.HeartbeatInterval,
			IdleTimeout:       cfg.IdleTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			CloseDrainTimeout: cfg.CloseDrainTimeout,
			AuthTimeout:       cfg.AuthTimeout,
			Queue:             qcfg,
			ControlRate:       cfg.ControlRate,
			ControlBurst:      cfg.ControlBurst,
		}),
	)

	mt.ObserveGauge("channels_active", "Channels with at least one subscriber.", func() float64 {
		return float64(reg.Stats().Channels)
	})
	mt.ObserveGauge("subscriptions", "Live channel subscriptions.", func() float64 {
		return float64(reg.Stats().Subscriptions)
	})
	mt.ObserveGauge("feed_topics", "Backend topics the bridge is subscribed to.", func() float64 {
		return float64(len(br.Demand()))
	})

	hopts := []streaming.HandlerOption{streaming.WithBasePath(cfg.BasePath), streaming.WithRealm(cfg.Realm)}
	if cfg.PublicURL != "" && cfg.AuthMode == config.AuthJWT {
		hopts = append(hopts, streaming.WithProtectedResourceMetadata(wellknown.ProtectedResourceMetadata{
			Resource:               strings.TrimSuffix(cfg.PublicURL, "/") + cfg.BasePath,
			AuthorizationServers:   []string{cfg.OIDCIssuer},
			JwksURI:                cfg.OIDCJWKSURL,
			ScopesSupported:        []string{auth.ScopeRead, auth.ScopeReadStatuses, auth.ScopeReadNotifications, auth.ScopeReadLists},
			BearerMethodsSupported: []string{"header", "query"},
			ResourceName:           "timeline streaming",
		}))
	}
	handler, err := streaming.NewHandler(manager, hopts...)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/", handler)
	if cfg.Metrics {
		mux.Handle("GET /metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.AuthTimeout,
	}

	errc := make(chan error, 4)
	go func() { errc <- br.Run(ctx, reg) }()
	go func() { errc <- watcher.Run(ctx) }()
	if watch != nil {
		go func() { errc <- watch(ctx) }()
	}
	go func() {
		log.InfoContext(ctx, "server.listen", slog.String("addr", cfg.ListenAddr), slog.String("base_path", cfg.BasePath))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.ErrorContext(ctx, "server.component.fail", slog.String("err", err.Error()))
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.CloseDrainTimeout+5*time.Second)
	defer cancel()
	log.InfoContext(shutdownCtx, "server.shutdown.start")
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.WarnContext(shutdownCtx, "server.shutdown.connections", slog.String("err", err.Error()))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	log.InfoContext(shutdownCtx, "server.shutdown.done")
	return nil
}

type closerFunc func(tokenID string, code int) int

func (f closerFunc) CloseByToken(tokenID string, code int) int { return f(tokenID, code) }

func newLogger(cfg config.Config, w io.Writer) (*slog.Logger, error) {
	lvl, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if cfg.LogFormat == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(logctx.Handler{Handler: h}), nil
}

func newRedisClient(cfg config.Config) (*redis.Client, error) {
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}), nil
}

// newValidator builds the token validator for the configured auth mode. The
// returned watch func, when non-nil, must run for the validator to follow
// changes.
func newValidator(ctx context.Context, cfg config.Config, pool *pgxpool.Pool, watcher *revocation.Watcher, log *slog.Logger) (auth.Validator, func(context.Context) error, error) {
	switch cfg.AuthMode {
	case config.AuthPostgres:
		if pool == nil {
			return nil, nil, errors.New("postgres auth mode requires DATABASE_URL")
		}
		return pgtoken.New(pool, pgtoken.WithTimeout(cfg.AuthTimeout)), nil, nil
	case config.AuthJWT:
		if cfg.OIDCJWKSURL != "" {
			v, err := auth.SecurityConfig{
				Issuer:    cfg.OIDCIssuer,
				Audiences: []string{cfg.OIDCAudience},
				JWKSURL:   cfg.OIDCJWKSURL,
			}.NewJWTValidator(ctx)
			if err != nil {
				return nil, nil, fmt.Errorf("jwt validator: %w", err)
			}
			return v, nil, nil
		}
		v, err := auth.NewFromDiscovery(ctx, cfg.OIDCIssuer, cfg.OIDCAudience)
		if err != nil {
			return nil, nil, fmt.Errorf("oidc discovery: %w", err)
		}
		return v, nil, nil
	case config.AuthTokenFile:
		v, err := tokenfile.Load(cfg.TokenFile, tokenfile.WithLogger(log), tokenfile.WithOnRevoke(watcher.RevokeTokens))
		if err != nil {
			return nil, nil, err
		}
		return v, v.Watch, nil
	}
	return nil, nil, fmt.Errorf("unknown auth mode %q", cfg.AuthMode)
}
