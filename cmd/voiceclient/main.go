package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/gosymbo/voiceclient/internal/api"
	"github.com/gosymbo/voiceclient/internal/audio"
	"github.com/gosymbo/voiceclient/internal/client"
	"github.com/gosymbo/voiceclient/internal/config"
	"github.com/gosymbo/voiceclient/internal/metrics"
	"github.com/gosymbo/voiceclient/internal/session"
	"github.com/gosymbo/voiceclient/internal/signaling"
	"github.com/gosymbo/voiceclient/internal/store"
	"github.com/gosymbo/voiceclient/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting voiceclient",
		"http_port", cfg.HTTPPort,
		"endpoints", cfg.Endpoints,
		"domain", cfg.Domain,
		"data_dir", cfg.DataDir,
	)

	// Open the call-history database and run migrations.
	db, err := store.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	callRepo := store.NewCallRepository(db)
	history := store.NewHistory(callRepo, logger)

	// Shared SIP user agent plus inbound request routing.
	factory, err := signaling.NewFactory(logger)
	if err != nil {
		slog.Error("failed to create signaling factory", "error", err)
		os.Exit(1)
	}
	defer factory.Close()

	sessions, err := session.NewFactory(factory, cfg.ICEServerList(), logger)
	if err != nil {
		slog.Error("failed to create session factory", "error", err)
		os.Exit(1)
	}

	telem := telemetry.NewService(cfg.TelemetryURL, cfg.ResolverURL, logger)

	cl, err := client.New(client.Options{
		Manager: client.ManagerOptions{
			Endpoints:       cfg.EndpointList(),
			Domain:          cfg.Domain,
			ReconnectMin:    cfg.ReconnectMinDuration(),
			ReconnectMax:    cfg.ReconnectMaxDuration(),
			KeepAliveIdle:   cfg.KeepAliveIdleDuration(),
			KeepAliveInCall: cfg.KeepAliveInCallDuration(),
			NetRetryCeiling: cfg.NetRetryCeiling,
			NetRetryStep:    cfg.NetRetryStep(),
			NetworkType:     cfg.NetworkType,
		},
		Factory:     factory,
		Sessions:    sessions,
		Resolver:    telem,
		Telemetry:   telem,
		Stats:       telem,
		History:     history,
		Noise:       audio.NewNoiseSuppressor(logger),
		Speech:      audio.NewSpeechDetector(logger),
		Ringtone:    audio.NewRingtonePlayer(logger),
		Multiplex:   cfg.Multiplex,
		MaxIncoming: cfg.MaxIncoming,
		Callbacks: client.Callbacks{
			OnLoginFailed: func(reason string) {
				slog.Warn("login failed", "reason", reason)
			},
			OnLogin: func() {
				slog.Info("logged in")
			},
			OnLogout: func() {
				slog.Info("logged out")
			},
			OnIncomingCall: func(callID, from string) {
				slog.Info("incoming call ringing", "call_id", callID, "from", from)
			},
		},
		Logger: logger,
	})
	if err != nil {
		slog.Error("failed to create client", "error", err)
		os.Exit(1)
	}
	defer cl.Destroy()

	factory.RemoteHangup = cl.RemoteHangup

	// Prometheus registry with the client collector plus runtime defaults.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(cl.Connection(), cl, callRepo, cl.StartTime()),
	)

	handler := api.NewServer(cl, callRepo, registry)
	defer handler.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	if cfg.AutoLogin && cfg.HasCredentials() {
		cl.Login(client.Credentials{
			Username:    cfg.Username,
			Password:    cfg.Password,
			AccessToken: cfg.AccessToken,
		}, cfg.RefreshInterval)
	}

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	cl.Logout()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("voiceclient stopped")
}
