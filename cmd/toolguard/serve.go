package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jonwraymond/toolguard/audit"
	"github.com/jonwraymond/toolguard/events"
	"github.com/jonwraymond/toolguard/health"
	"github.com/jonwraymond/toolguard/oauth"
	"github.com/jonwraymond/toolguard/observe"
	"github.com/jonwraymond/toolguard/observe/exporters"
	"github.com/jonwraymond/toolguard/server"
	"github.com/jonwraymond/toolguard/signing"
)

type serveOptions struct {
	addr            string
	toolsPath       string
	logLevel        string
	noBroker        bool
	validateJWT     bool
	signingKey      string
	signingKeyID    string
	signingAlg      string
	trustedKeys     []string
	signatureMaxAge time.Duration
	auditLog        string
	tracing         string
	samplePct       float64
	metrics         string
	strict          bool
	trackBehavior   bool
	shutdownTimeout time.Duration
}

func newServeCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the tools in a tools file",
		Long: `Loads the tools file, registers every tool and serves them over HTTP:

  POST /tools/{toolID}/invoke
  GET  /tools
  GET  /healthz, /readyz, /health
  GET  /metrics (with --metrics prometheus)

Tool tokens are acquired with the client-credentials grant from the provider
configured by AUTH0_DOMAIN, AUTH0_CLIENT_ID, AUTH0_CLIENT_SECRET and
AUTH0_AUDIENCE. Values may be secretref:env:NAME or secretref:file:PATH
references.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.addr, "addr", ":8080", "listen address")
	f.StringVarP(&opts.toolsPath, "tools", "t", "tools.yaml", "tools file")
	f.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	f.BoolVar(&opts.noBroker, "no-broker", false, "require callers to present tokens instead of acquiring them")
	f.BoolVar(&opts.validateJWT, "validate-jwt", false, "accept caller bearer tokens validated against the provider's JWKS")
	f.StringVar(&opts.signingKey, "signing-key", "", "private key PEM for signing requests to tools that require it")
	f.StringVar(&opts.signingKeyID, "signing-key-id", "toolguard", "key id advertised with request signatures")
	f.StringVar(&opts.signingAlg, "signing-alg", "", "request signing algorithm (default inferred from the key)")
	f.StringArrayVar(&opts.trustedKeys, "trusted-key", nil, "caller public key as id=path.pem; enables inbound signature checks (repeatable)")
	f.DurationVar(&opts.signatureMaxAge, "signature-max-age", 5*time.Minute, "oldest inbound signature accepted")
	f.StringVar(&opts.auditLog, "audit-log", "", "append call-chain audit records to this file as JSON lines")
	f.StringVar(&opts.tracing, "tracing", exporters.None, "trace exporter (stdout, otlp, none)")
	f.Float64Var(&opts.samplePct, "trace-sample", 1, "trace sampling ratio")
	f.StringVar(&opts.metrics, "metrics", exporters.None, "metrics exporter (stdout, otlp, prometheus, none)")
	f.BoolVar(&opts.strict, "strict-integrity", false, "count missing contract and implementation attestations as rug-pull risk")
	f.BoolVar(&opts.trackBehavior, "track-behavior", false, "refuse behavior changes of registered definitions across versions")
	f.DurationVar(&opts.shutdownTimeout, "shutdown-timeout", 15*time.Second, "graceful shutdown bound")
	return cmd
}

func runServe(ctx context.Context, opts serveOptions) error {
	obs, err := observe.NewObserver(ctx, observe.Config{
		ServiceName: "toolguard",
		Version:     version,
		Tracing: observe.TracingConfig{
			Enabled:   opts.tracing != exporters.None,
			Exporter:  opts.tracing,
			SamplePct: opts.samplePct,
		},
		Metrics: observe.MetricsConfig{
			Enabled:  opts.metrics != exporters.None,
			Exporter: opts.metrics,
		},
		Logging: observe.LoggingConfig{Enabled: true, Level: opts.logLevel},
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.shutdownTimeout)
		defer cancel()
		_ = obs.Shutdown(sctx)
	}()
	logger := obs.Logger()

	middleware, err := observe.MiddlewareFromObserver(obs)
	if err != nil {
		return err
	}
	metrics, err := observe.NewMetrics(obs.Meter())
	if err != nil {
		return err
	}

	tools, err := server.LoadToolsFile(opts.toolsPath)
	if err != nil {
		return err
	}

	bus := events.NewBus(events.Config{
		OnPanic: func(ev events.Event, recovered any) {
			logger.Error(context.Background(), "event handler panicked",
				observe.F("event_type", string(ev.Type)), observe.F("panic", fmt.Sprint(recovered)))
		},
	})
	defer func() { _ = bus.Close(context.WithoutCancel(ctx)) }()
	if _, err := bus.SubscribeAll(func(ctx context.Context, ev events.Event) {
		logger.WithTool(ev.ToolID).Info(ctx, "security event",
			observe.F("event_type", string(ev.Type)), observe.F("data", ev.Data))
	}); err != nil {
		return err
	}

	client := &http.Client{Timeout: 30 * time.Second}
	cfg := server.Config{
		Policy:          &tools.Policy,
		Bus:             bus,
		StrictIntegrity: opts.strict,
		TrackBehavior:   opts.trackBehavior,
		Logger:          logger,
		Middleware:      middleware,
	}
	var httpCfg server.HTTPConfig

	if !opts.noBroker || opts.validateJWT {
		oauthCfg, err := oauth.ConfigFromEnv(ctx, nil)
		if err != nil {
			return err
		}
		provider, err := oauth.DefaultRegistry.Create(oauthCfg, client)
		if err != nil {
			return err
		}
		if !opts.noBroker {
			cfg.Tokens = oauth.NewBroker(provider, oauth.BrokerConfig{
				Logger:  logger,
				Metrics: metrics,
				Events:  bus,
			})
		}
		if opts.validateJWT {
			httpCfg.JWT = oauth.NewJWTValidatorForProvider(provider, oauthCfg.Audience(), client)
		}
		logger.Info(ctx, "oauth provider configured", observe.F("config", oauthCfg.String()))
	}

	agg := health.NewAggregator()
	if opts.signingKey != "" {
		keys := signing.NewPEMFileSource()
		if err := keys.Add(opts.signingKeyID, opts.signingKey, signing.Algorithm(opts.signingAlg)); err != nil {
			return err
		}
		cfg.Signer = signing.NewSigner(keys, opts.signingKeyID)
		agg.Register("signing_key", health.SigningKeyChecker(keys, cfg.Signer.KeyID))
	}
	if len(opts.trustedKeys) > 0 {
		trusted, err := loadTrustedKeys(opts.trustedKeys)
		if err != nil {
			return err
		}
		httpCfg.Verifier = signing.NewVerifier(trusted, signing.VerifierConfig{MaxAge: opts.signatureMaxAge})
	}

	if opts.auditLog != "" {
		file, err := os.OpenFile(opts.auditLog, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			return err
		}
		sink := audit.NewWriterSink(file)
		defer func() { _ = sink.Close() }()
		cfg.Sink = sink
	}

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}
	if err := tools.Register(ctx, srv, client, cfg.Signer); err != nil {
		_ = srv.Shutdown(context.WithoutCancel(ctx))
		return err
	}
	for id, cb := range tools.Breakers() {
		agg.Register("circuit_"+id, health.CircuitChecker("circuit_"+id, cb))
	}
	agg.Register("event_bus", health.BusChecker(bus))
	agg.Register("tools", health.ToolsChecker(func() int { return len(srv.Tools()) }))

	httpCfg.Health = agg
	httpCfg.Logger = logger
	router := chi.NewRouter()
	if opts.metrics == exporters.Prometheus {
		router.Handle("/metrics", promhttp.Handler())
	}
	router.Mount("/", server.NewHandler(srv, httpCfg))

	httpSrv := &http.Server{
		Addr:              opts.addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Info(ctx, "serving", observe.F("addr", opts.addr), observe.F("tools", len(srv.Tools())),
		observe.F("security_level", tools.Policy.Level.String()))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			_ = srv.Shutdown(context.WithoutCancel(ctx))
			return err
		}
	}

	logger.Info(context.Background(), "shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), opts.shutdownTimeout)
	defer cancel()
	return errors.Join(httpSrv.Shutdown(sctx), srv.Shutdown(sctx))
}

// loadTrustedKeys imports id=path public keys for inbound verification.
func loadTrustedKeys(specs []string) (*signing.KeyManager, error) {
	km := signing.NewKeyManager()
	for _, spec := range specs {
		id, path, ok := strings.Cut(spec, "=")
		if !ok || id == "" || path == "" {
			return nil, fmt.Errorf("trusted key %q: want id=path", spec)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("trusted key %s: %w", id, err)
		}
		if _, err := km.ImportTrustedKey(id, data, ""); err != nil {
			return nil, fmt.Errorf("trusted key %s: %w", id, err)
		}
	}
	return km, nil
}
