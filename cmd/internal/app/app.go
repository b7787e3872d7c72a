// Package app wires the Relay server runtime: config, logging, backends, HTTP routes and the
// realtime gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"relay/cmd/internal/messaging"
	"relay/cmd/internal/messaging/restapi"
	"relay/cmd/internal/metrics"
	"relay/cmd/internal/realtime"
	"relay/cmd/security/token"
)

// App is the Relay server runtime: it owns HTTP server wiring and the realtime core.
type App struct {
	cfg Config
	log Logger

	be      *backends
	metrics *metrics.Metrics

	router *realtime.Router
	ws     *realtime.WSGateway
	api    *restapi.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogColor)
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	tokens, err := newTokenManager(cfg, log)
	if err != nil {
		return nil, err
	}

	be, err := openBackends(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a, err := wire(cfg, log, be, tokens)
	if err != nil {
		_ = be.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func wire(cfg Config, log Logger, be *backends, tokens *token.Manager) (*App, error) {
	m := metrics.New()

	fan := realtime.NewFanout(log, m)
	reg := realtime.NewRegistry(log, fan, append(be.presenceOptions(), realtime.WithRegistryMetrics(m))...)
	router := realtime.NewRouter(log, reg, fan, m)

	svc, err := messaging.NewService(log, be.messages, be.notes, be.users, router,
		append(be.serviceOptions(), messaging.WithMetrics(m))...)
	if err != nil {
		return nil, err
	}

	// A typed nil *token.Manager must not reach the interface fields.
	var wsVerifier realtime.TokenVerifier
	var apiVerifier restapi.Verifier
	if tokens != nil {
		wsVerifier = tokens
		apiVerifier = tokens
	}

	api, err := restapi.NewHandler(log, restapi.LoadConfigFromEnv(), svc, reg, apiVerifier)
	if err != nil {
		// REST needs either tokens or the dev header; the realtime surface still works.
		log.Warn("api.disabled", "err", err)
		api = nil
	}

	return &App{
		cfg:     cfg,
		log:     log,
		be:      be,
		metrics: m,
		router:  router,
		ws:      realtime.NewWSGateway(log, router, wsVerifier),
		api:     api,
	}, nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.be, a.metrics, a.ws, a.api)
	return WithSecurityHeaders(WithRequestLogging(mux, a.log, a.metrics))
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "backend", a.be.kind, "rest_enabled", a.api != nil)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by Shutdown; close them first.
	a.router.Close()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	if err := a.be.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return runErr
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
