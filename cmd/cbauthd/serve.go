package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	oauth "github.com/critiquebrainz/cbauth"
	"github.com/critiquebrainz/cbauth/instrumentation"
	"github.com/critiquebrainz/cbauth/security"
	"github.com/critiquebrainz/cbauth/server"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := bindConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogFormat, cfg.LogLevel)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, logger)
		},
	}
}

// app is a fully wired server: store, service, instrumentation and handler.
type app struct {
	backend *backend
	server  *server.Server
	inst    *instrumentation.Instrumentation
	handler http.Handler
}

// newApp wires the daemon components from cfg.
func newApp(ctx context.Context, cfg *daemonConfig, logger *slog.Logger) (*app, error) {
	inst, err := instrumentation.New(instrumentation.Config{
		Enabled:         cfg.MetricsListen != "" || cfg.OTLPEndpoint != "",
		MetricsExporter: metricsExporter(cfg),
		TracesEndpoint:  cfg.OTLPEndpoint,
		TracesInsecure:  cfg.OTLPInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize instrumentation: %w", err)
	}

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		_ = inst.Shutdown(ctx)
		return nil, fmt.Errorf("open %s store: %w", cfg.Store, err)
	}
	b.setInstrumentation(inst)

	srv, err := server.New(b, b, b, &cfg.Server, logger)
	if err != nil {
		b.close()
		_ = inst.Shutdown(ctx)
		return nil, err
	}
	srv.SetAuditor(security.NewAuditor(logger, true))
	srv.SetInstrumentation(inst)

	if cfg.ClientsFile != "" {
		n, err := registerClients(ctx, srv, cfg.ClientsFile)
		if err != nil {
			b.close()
			_ = inst.Shutdown(ctx)
			return nil, err
		}
		logger.Info("Registered clients", "count", n, "file", cfg.ClientsFile)
	}

	h := oauth.NewHandler(srv, &oauth.Config{
		Logger:            logger,
		TrustProxy:        cfg.TrustProxy,
		TrustedProxyCount: cfg.TrustedProxyCount,
		TrustedUserHeader: cfg.TrustedUserHeader,
		HSTS:              cfg.HSTS,
	})

	return &app{
		backend: b,
		server:  srv,
		inst:    inst,
		handler: otelhttp.NewHandler(h.TrustedHeaderAuth(h), "cbauth",
			otelhttp.WithTracerProvider(inst.TracerProvider()),
			otelhttp.WithMeterProvider(inst.MeterProvider())),
	}, nil
}

func metricsExporter(cfg *daemonConfig) string {
	if cfg.MetricsListen != "" {
		return instrumentation.ExporterPrometheus
	}
	return instrumentation.ExporterNone
}

func (a *app) close(ctx context.Context) {
	a.backend.close()
	_ = a.inst.Shutdown(ctx)
}

// runServe serves until ctx is cancelled, then shuts down gracefully.
func runServe(ctx context.Context, cfg *daemonConfig, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go runSweeper(sweepCtx, a.backend, cfg.CleanupInterval, logger)

	servers := []*http.Server{{
		Addr:              cfg.Listen,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if cfg.MetricsListen != "" {
		if mh := a.inst.MetricsHandler(); mh != nil {
			mux := http.NewServeMux()
			mux.Handle("/metrics", mh)
			servers = append(servers, &http.Server{
				Addr:              cfg.MetricsListen,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			})
		}
	}

	errCh := make(chan error, len(servers))
	for _, hs := range servers {
		logger.Info("Listening", "addr", hs.Addr)
		go func(hs *http.Server) {
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("serve %s: %w", hs.Addr, err)
			}
		}(hs)
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case serveErr = <-errCh:
		logger.Error("Server failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	for _, hs := range servers {
		if err := hs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Graceful shutdown failed", "addr", hs.Addr, "error", err)
		}
	}
	stopSweep()
	a.close(shutdownCtx)
	return serveErr
}
