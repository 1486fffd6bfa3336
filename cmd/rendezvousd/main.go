// Command rendezvousd runs the rendezvous relay server: a websocket endpoint
// where clients bind, claim a short channel id, and exchange phase-tagged
// messages until they no longer need the relay.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ggoodman/rendezvous-server-go/internal/logctx"
	"github.com/ggoodman/rendezvous-server-go/rendezvous"
	"github.com/ggoodman/rendezvous-server-go/wsrelay"
)

type config struct {
	ListenAddr        string        `env:"RENDEZVOUS_LISTEN_ADDR,default=:4000"`
	AdvertisedVersion string        `env:"RENDEZVOUS_ADVERTISED_VERSION"`
	MOTDFile          string        `env:"RENDEZVOUS_MOTD_FILE"`
	LogLevel          string        `env:"RENDEZVOUS_LOG_LEVEL,default=info"`
	LogFormat         string        `env:"RENDEZVOUS_LOG_FORMAT,default=text"`
	ShutdownGrace     time.Duration `env:"RENDEZVOUS_SHUTDOWN_GRACE,default=5s"`
}

func main() {
	var cfg config
	// Defaults are provided via struct tags; decode failures only occur for
	// malformed values, which should stop the process.
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		slog.Error("config decode failed", slog.String("err", err.Error()))
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := rendezvous.NewRegistry()
	welcome := rendezvous.NewWelcome(cfg.AdvertisedVersion)
	if cfg.MOTDFile != "" {
		go func() {
			if err := welcome.WatchMOTD(ctx, cfg.MOTDFile, logger); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("motd watcher stopped", slog.String("err", err.Error()))
			}
		}()
	}

	relay := wsrelay.New(registry, welcome, wsrelay.WithLogger(logger))

	r := mux.NewRouter()
	r.Handle("/v1", relay)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("rendezvous relay listening", slog.String("addr", cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", slog.String("err", err.Error()))
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", slog.String("err", err.Error()))
			os.Exit(1)
		}
	}
}

func newLogger(cfg config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var inner slog.Handler
	if cfg.LogFormat == "json" {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(logctx.Handler{Handler: inner})
}
