// chat-proxy is the multi-gateway chat proxy daemon. It holds persistent
// WebSocket sessions to the configured gateways, serves the REST API, and
// bridges browser chat sockets to the upstream event streams.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/openclaw/chat-proxy/internal/config"
	"github.com/openclaw/chat-proxy/internal/monitoring"
	"github.com/openclaw/chat-proxy/internal/server"
	"github.com/openclaw/chat-proxy/internal/store"
	"github.com/openclaw/chat-proxy/internal/upstream"
)

func main() {
	if err := run(); err != nil {
		log.Error().Err(err).Msg("startup failed")
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	tracker, err := monitoring.NewTracker(cfg.TelemetryPath)
	if err != nil {
		return err
	}
	metrics := monitoring.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager := upstream.NewManager(st, metrics, tracker)
	if err := seedDefaultGateway(ctx, st, cfg.DefaultGatewayURL); err != nil {
		return err
	}
	if err := manager.StartStored(ctx); err != nil {
		return err
	}
	defer manager.StopAll()

	srv := server.NewServer(cfg, st, manager, metrics, tracker)
	httpSrv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      srv.Handler(),
		ReadTimeout:  config.DefaultServerReadTimeout,
		WriteTimeout: config.DefaultServerWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr()).Str("db", cfg.DatabasePath).Msg("chat proxy listening")
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("forced shutdown")
	}
	return nil
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339

	if term.IsTerminal(int(os.Stdout.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen})
	}
}

// seedDefaultGateway inserts a starter gateway when the table is empty so a
// fresh install connects to something out of the box.
func seedDefaultGateway(ctx context.Context, st *store.Store, url string) error {
	if url == "" {
		return nil
	}
	count, err := st.CountGateways(ctx)
	if err != nil || count > 0 {
		return err
	}

	token := os.Getenv("DEFAULT_GATEWAY_TOKEN")
	_, err = st.AddGateway(ctx, store.Gateway{
		ID:    "default",
		Name:  "Default Gateway",
		URL:   url,
		Token: token,
	})
	if err != nil {
		return err
	}
	// Token material never reaches a log line, only its presence.
	log.Info().Str("url", url).Bool("token_set", token != "").Msg("seeded default gateway")
	return nil
}
