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
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/autologout/internal/artifact"
	"github.com/loykin/autologout/internal/config"
	"github.com/loykin/autologout/internal/history"
	"github.com/loykin/autologout/internal/history/factory"
	"github.com/loykin/autologout/internal/logger"
	"github.com/loykin/autologout/internal/metrics"
	"github.com/loykin/autologout/internal/orchestrator"
	"github.com/loykin/autologout/internal/server"
	"github.com/loykin/autologout/internal/service"
	"github.com/loykin/autologout/internal/store"
)

func createServeCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the watcher control surface",
		Long: `Run the HTTP control surface that creates, updates and deletes watchers.
Without a config file the defaults and AUTOLOGOUT_* environment apply.

Examples:
  autologout serve
  autologout serve /etc/autologout/config.toml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := ServeFlags{ConfigPath: global.ConfigPath}
			if len(args) > 0 {
				f.ConfigPath = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, f)
		},
	}
}

func runServe(ctx context.Context, f ServeFlags) error {
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		return err
	}
	log, logCloser, err := logger.New(loggerConfig(cfg.Log), os.Stdout)
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(log)

	orch, closer, err := buildOrchestrator(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		go serveMetrics(ctx, cfg.Metrics.Listen, log)
	}

	srv, err := server.NewServer(cfg.Server, orch, cfg.Systemd.CommandTimeout, log)
	if err != nil {
		return err
	}
	log.Info("control surface listening",
		"listen", cfg.Server.Listen,
		"base_path", cfg.Server.BasePath,
		"tls", srv.TLSConfig != nil,
		"store", cfg.Watchers.StorePath)
	return server.Serve(ctx, srv)
}

func loggerConfig(c config.LogConfig) logger.Config {
	return logger.Config{
		Level:      c.Level,
		Format:     c.Format,
		File:       c.File,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
		Compress:   c.Compress,
	}
}

// buildOrchestrator wires the store, artifact generator, systemd controller
// and history sinks described by cfg. The closer releases the history sinks.
func buildOrchestrator(cfg *config.Config, log *slog.Logger) (*orchestrator.Orchestrator, io.Closer, error) {
	sinks, err := factory.NewFanout(cfg.History.DSNs)
	if err != nil {
		return nil, nil, err
	}
	var hist history.Sink
	if len(sinks) > 0 {
		hist = sinks
	}

	gen := artifact.NewGenerator(artifact.Settings{
		Binary:     cfg.Watchers.Binary,
		InstallDir: cfg.Watchers.InstallDir,
		UnitDir:    cfg.Watchers.UnitDir,
		User:       cfg.Watchers.RunAsUser,
		RestartSec: cfg.Watchers.RestartSec,
		HistoryDSN: cfg.Watchers.HistoryDSN,
	})
	ctl := service.NewSystemd(service.SystemdConfig{
		Systemctl:      cfg.Systemd.Systemctl,
		Journalctl:     cfg.Systemd.Journalctl,
		CommandTimeout: cfg.Systemd.CommandTimeout,
		Logger:         log,
	})
	orch, err := orchestrator.New(orchestrator.Options{
		Store:       store.New(cfg.Watchers.StorePath),
		Generator:   gen,
		Controller:  ctl,
		History:     hist,
		Logger:      log,
		MaxLogLines: cfg.Watchers.MaxLogLines,
	})
	if err != nil {
		_ = sinks.Close()
		return nil, nil, err
	}
	return orch, sinks, nil
}

// serveMetrics exposes /metrics on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("metrics listening", "listen", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server failed", "error", err)
	}
}
