package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	oauth "github.com/gridstatus/keybridge"
	"github.com/gridstatus/keybridge/events"
	"github.com/gridstatus/keybridge/instrumentation"
	"github.com/gridstatus/keybridge/proxy"
	"github.com/gridstatus/keybridge/security"
	"github.com/gridstatus/keybridge/server"
	"github.com/gridstatus/keybridge/storage/memory"
	"github.com/gridstatus/keybridge/token"
)

const shutdownTimeout = 15 * time.Second

// serveOptions is the resolved configuration of the serve command.
type serveOptions struct {
	Listen            string
	Issuer            string
	Resource          string
	AllowInsecureHTTP bool
	TokenSecret       string
	Cipher            security.Cipher

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	CodeTTL         time.Duration
	CleanupInterval time.Duration

	MaxBodyBytes      int64
	RateLimit         float64
	RateBurst         int
	TrustProxy        bool
	TrustedProxyCount int
	CORSOrigins       []string

	Upstream       *url.URL
	UpstreamHeader string
	ProtectedPath  string

	Metrics      bool
	OTLPEndpoint string
	Environment  string
	GitSHA       string
}

func newServeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server and forwarding proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(os.Stderr, v.GetString("log-level"), v.GetString("log-format"))
			if err != nil {
				return err
			}
			opts, err := loadServeOptions(v)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), opts, logger)
		},
	}

	f := cmd.Flags()
	f.String("listen", ":8080", "address to listen on")
	f.String("issuer", "", "public base URL of this server (required)")
	f.String("resource", "", "protected resource identifier (default <issuer><protected-path>)")
	f.Bool("allow-insecure-http", false, "permit an http:// issuer on a non-loopback host")
	f.String("token-secret", "", "secret used to seal access tokens, at least 32 characters (required)")
	f.String("cipher", string(security.CipherAESGCM), "token AEAD (aes-gcm, xchacha20poly1305)")
	f.Duration("access-token-ttl", token.DefaultAccessTokenTTL, "access token lifetime")
	f.Duration("refresh-token-ttl", token.DefaultRefreshTokenTTL, "refresh token lifetime")
	f.Duration("code-ttl", server.DefaultAuthorizationCodeTTL, "authorization code lifetime")
	f.Duration("cleanup-interval", memory.DefaultCleanupInterval, "interval between sweeps of expired codes and refresh tokens")
	f.String("max-body-bytes", "32KiB", "maximum request body size on OAuth endpoints")
	f.Float64("rate-limit", 0, "requests per second per client IP on OAuth endpoints (0 disables)")
	f.Int("rate-burst", 0, "rate limiter burst (default rate-limit+1)")
	f.Bool("trust-proxy", false, "trust X-Forwarded-For and X-Real-IP for client IPs")
	f.Int("trusted-proxy-count", 0, "number of proxies appending to X-Forwarded-For")
	f.StringSlice("cors-origins", nil, "origins allowed to call discovery, register and token endpoints")
	f.String("upstream", "", "upstream base URL; enables the forwarding proxy")
	f.String("upstream-api-key-header", proxy.DefaultAPIKeyHeader, "header carrying the API key upstream")
	f.String("protected-path", oauth.DefaultProtectedPath, "path prefix of the protected resource")
	f.Bool("metrics", false, "serve Prometheus metrics at /metrics")
	f.String("otlp-endpoint", "", "OTLP/HTTP endpoint for trace export")
	f.String("environment", "", "environment name reported by /ready")
	f.String("git-sha", "", "git commit reported by /ready")
	if err := v.BindPFlags(f); err != nil {
		panic(err)
	}
	return cmd
}

func loadServeOptions(v *viper.Viper) (serveOptions, error) {
	opts := serveOptions{
		Listen:            v.GetString("listen"),
		Issuer:            strings.TrimSpace(v.GetString("issuer")),
		Resource:          strings.TrimSpace(v.GetString("resource")),
		AllowInsecureHTTP: v.GetBool("allow-insecure-http"),
		TokenSecret:       v.GetString("token-secret"),
		Cipher:            security.Cipher(strings.ToLower(strings.TrimSpace(v.GetString("cipher")))),
		AccessTokenTTL:    v.GetDuration("access-token-ttl"),
		RefreshTokenTTL:   v.GetDuration("refresh-token-ttl"),
		CodeTTL:           v.GetDuration("code-ttl"),
		CleanupInterval:   v.GetDuration("cleanup-interval"),
		RateLimit:         v.GetFloat64("rate-limit"),
		RateBurst:         v.GetInt("rate-burst"),
		TrustProxy:        v.GetBool("trust-proxy"),
		TrustedProxyCount: v.GetInt("trusted-proxy-count"),
		CORSOrigins:       v.GetStringSlice("cors-origins"),
		UpstreamHeader:    strings.TrimSpace(v.GetString("upstream-api-key-header")),
		ProtectedPath:     v.GetString("protected-path"),
		Metrics:           v.GetBool("metrics"),
		OTLPEndpoint:      strings.TrimSpace(v.GetString("otlp-endpoint")),
		Environment:       v.GetString("environment"),
		GitSHA:            v.GetString("git-sha"),
	}

	if opts.Issuer == "" {
		return opts, errors.New("--issuer is required")
	}
	if len(opts.TokenSecret) < security.MinSecretLength {
		return opts, fmt.Errorf("--token-secret must be at least %d characters (see 'keybridge genkey')", security.MinSecretLength)
	}
	if opts.RateLimit < 0 || opts.RateBurst < 0 {
		return opts, errors.New("--rate-limit and --rate-burst must not be negative")
	}

	maxBody, err := oauth.ParseByteSize(v.GetString("max-body-bytes"))
	if err != nil {
		return opts, fmt.Errorf("--max-body-bytes: %w", err)
	}
	opts.MaxBodyBytes = maxBody

	if raw := strings.TrimSpace(v.GetString("upstream")); raw != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return opts, fmt.Errorf("--upstream: %w", err)
		}
		opts.Upstream = u
	}

	if opts.Resource == "" {
		opts.Resource = strings.TrimRight(opts.Issuer, "/") + "/" + strings.Trim(opts.ProtectedPath, "/")
	}
	return opts, nil
}

func runServe(ctx context.Context, opts serveOptions, logger *slog.Logger) error {
	inst, err := instrumentation.New(instrumentation.Config{
		ServiceVersion: version,
		Enabled:        opts.Metrics || opts.OTLPEndpoint != "",
		OTLPEndpoint:   opts.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}()

	store := memory.NewWithInterval(opts.CleanupInterval)
	store.SetLogger(logger)
	store.SetInstrumentation(inst)
	defer store.Stop()

	bus := events.NewBus(logger)
	defer bus.Close()
	go security.NewAuditor(logger, true).Run(ctx, bus)

	sealer, err := security.NewSealer(security.SealerConfig{
		Secret: []byte(opts.TokenSecret),
		Cipher: opts.Cipher,
	})
	if err != nil {
		return fmt.Errorf("token sealer: %w", err)
	}

	srv, err := server.New(store, sealer, &server.Config{
		Issuer:               opts.Issuer,
		Resource:             opts.Resource,
		AuthorizationCodeTTL: opts.CodeTTL,
		AccessTokenTTL:       opts.AccessTokenTTL,
		RefreshTokenTTL:      opts.RefreshTokenTTL,
		AllowInsecureHTTP:    opts.AllowInsecureHTTP,
	}, logger)
	if err != nil {
		return err
	}
	srv.SetEventBus(bus)
	srv.SetInstrumentation(inst)

	var protected http.Handler
	if opts.Upstream != nil {
		p, err := proxy.New(opts.Upstream, opts.UpstreamHeader, logger,
			proxy.WithStripPrefix(opts.ProtectedPath),
			proxy.WithInstrumentation(inst))
		if err != nil {
			return fmt.Errorf("proxy: %w", err)
		}
		protected = p
	} else {
		logger.Warn("No upstream configured, the protected path is not served")
	}

	var metricsHandler http.Handler
	if opts.Metrics {
		metricsHandler = inst.MetricsHandler()
	}

	h, err := oauth.NewHandler(srv, oauth.Config{
		CORS:              oauth.CORSConfig{AllowedOrigins: opts.CORSOrigins},
		MaxBodyBytes:      opts.MaxBodyBytes,
		RateLimit:         opts.RateLimit,
		RateBurst:         opts.RateBurst,
		TrustProxy:        opts.TrustProxy,
		TrustedProxyCount: opts.TrustedProxyCount,
		ProtectedPath:     opts.ProtectedPath,
		Protected:         protected,
		MetricsHandler:    metricsHandler,
		GitSHA:            opts.GitSHA,
		Environment:       opts.Environment,
	}, logger)
	if err != nil {
		return err
	}
	defer h.Close()

	httpServer := &http.Server{
		Addr:              opts.Listen,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No WriteTimeout: proxied responses may stream.
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting keybridge",
			"addr", opts.Listen,
			"issuer", srv.Config.Issuer,
			"resource", srv.Config.Resource,
			"upstream", upstreamHost(opts.Upstream),
			"cipher", opts.Cipher,
			"version", version)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func upstreamHost(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.Host
}
