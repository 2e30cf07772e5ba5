package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pactduel/trust/internal/audit"
	"pactduel/trust/internal/config"
	"pactduel/trust/internal/logging"
	"pactduel/trust/internal/metrics"
	"pactduel/trust/internal/pipeline"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("configuration error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		os.Stderr.WriteString("logging setup error: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("gateway terminated", logging.Error(err))
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	var sink audit.Sink = audit.NopSink{}
	if cfg.AuditDir != "" {
		journal, err := audit.NewJournal(cfg.AuditDir)
		if err != nil {
			return err
		}
		defer func() { _ = journal.Close() }()
		sink = journal
	} else {
		logger.Warn("audit journal disabled, security events will not be persisted")
	}

	instruments := metrics.New()
	gatekeeper, err := pipeline.New(cfg, sink, instruments, logger)
	if err != nil {
		return err
	}
	gatekeeper.Start()
	defer gatekeeper.Stop()

	var authenticator gatewayAuthenticator
	if cfg.AuthSecret != "" {
		authenticator, err = newHMACAuthenticator(cfg.AuthSecret)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("TRUST_AUTH_SECRET not set, accepting unauthenticated handshakes")
		authenticator = allowAllAuthenticator{}
	}

	gateway := NewGateway(cfg, gatekeeper, authenticator, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gateway.ServeWS)
	mux.Handle("/metrics", instruments.Handler())
	registerOpsEndpoints(mux, gatekeeper, gateway)
	registerCodeDocEndpoints(mux)

	server := &http.Server{
		Addr:              cfg.Address,
		Handler:           logging.HTTPTraceMiddleware(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("trust gateway listening", logging.String("url", listenerURL(cfg.Address, false)))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
