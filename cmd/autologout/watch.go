package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/loykin/autologout/internal/config"
	"github.com/loykin/autologout/internal/history/factory"
	"github.com/loykin/autologout/internal/logger"
	"github.com/loykin/autologout/internal/metrics"
	"github.com/loykin/autologout/internal/watcher"
)

func createWatchCommand() *cobra.Command {
	f := &WatchFlags{}
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run one watcher process in the foreground",
		Long: `Poll the realtime report and log out agents on the target session idle
past the threshold. This is what generated launchers exec; credentials and
the history DSN are read from AUTOLOGOUT_USERNAME, AUTOLOGOUT_PASSWORD and
AUTOLOGOUT_HISTORY_DSN unless given as flags.

Examples:
  AUTOLOGOUT_USERNAME=admin AUTOLOGOUT_PASSWORD=secret \
    autologout watch --name=sales --base-url=https://dialer/vicidial --session-id=8001`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.Username = v.GetString("username")
			f.Password = v.GetString("password")
			f.HistoryDSN = v.GetString("history_dsn")
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, *f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.Name, "name", "", "watcher name used in logs and metrics")
	fl.StringVar(&f.BaseURL, "base-url", "", "call-center base URL")
	fl.String("username", "", "call-center username (env AUTOLOGOUT_USERNAME)")
	fl.String("password", "", "call-center password (env AUTOLOGOUT_PASSWORD)")
	fl.String("history-dsn", "", "history sink DSN for logout events (env AUTOLOGOUT_HISTORY_DSN)")
	fl.StringVar(&f.SessionID, "session-id", "", "session whose agents are watched")
	fl.IntVar(&f.Threshold, "threshold", 90, "seconds an agent may stay READY or INCALL")
	fl.IntVar(&f.Interval, "interval", 5, "seconds between polls")
	fl.BoolVar(&f.Insecure, "insecure", false, "skip TLS verification of the call-center system")
	fl.StringVar(&f.MetricsListen, "metrics-listen", "", "expose Prometheus metrics on this address")
	fl.StringVar(&f.LogLevel, "log-level", "info", "debug, info, warn or error")
	fl.StringVar(&f.LogFormat, "log-format", "text", "text, json or color")

	v.SetEnvPrefix(config.EnvPrefix)
	_ = v.BindPFlag("username", fl.Lookup("username"))
	_ = v.BindPFlag("password", fl.Lookup("password"))
	_ = v.BindPFlag("history_dsn", fl.Lookup("history-dsn"))
	_ = v.BindEnv("username")
	_ = v.BindEnv("password")
	_ = v.BindEnv("history_dsn")
	return cmd
}

func (f WatchFlags) validate() error {
	var errs []error
	if f.BaseURL == "" {
		errs = append(errs, errors.New("--base-url is required"))
	}
	if f.SessionID == "" {
		errs = append(errs, errors.New("--session-id is required"))
	}
	if f.Username == "" || f.Password == "" {
		errs = append(errs, errors.New("username and password are required (flags or AUTOLOGOUT_USERNAME/AUTOLOGOUT_PASSWORD)"))
	}
	if f.Threshold <= 0 {
		errs = append(errs, errors.New("--threshold must be positive"))
	}
	if f.Interval <= 0 {
		errs = append(errs, errors.New("--interval must be positive"))
	}
	return errors.Join(errs...)
}

// runWatch runs the watcher loop until ctx is cancelled.
func runWatch(ctx context.Context, f WatchFlags) error {
	if err := f.validate(); err != nil {
		return err
	}
	if f.Name == "" {
		f.Name = f.SessionID
	}
	log, closer, err := logger.New(logger.Config{Level: f.LogLevel, Format: f.LogFormat}, os.Stdout)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(log)

	remote, err := watcher.NewClient(watcher.ClientConfig{
		BaseURL:            f.BaseURL,
		Username:           f.Username,
		Password:           f.Password,
		InsecureSkipVerify: f.Insecure,
	})
	if err != nil {
		return err
	}

	opts := []watcher.Option{watcher.WithLogger(log)}
	if f.HistoryDSN != "" {
		sink, err := factory.NewSinkFromDSN(f.HistoryDSN)
		if err != nil {
			// logouts matter more than their history
			log.Warn("history sink unavailable", "error", err)
		} else {
			opts = append(opts, watcher.WithHistory(sink))
			if c, ok := sink.(interface{ Close() error }); ok {
				defer func() { _ = c.Close() }()
			}
		}
	}

	if f.MetricsListen != "" {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		go serveMetrics(ctx, f.MetricsListen, log)
		go metrics.RunResourceSampler(ctx, f.Name, 15*time.Second)
	}

	w, err := watcher.New(watcher.Config{
		Name:             f.Name,
		SessionID:        f.SessionID,
		ThresholdSeconds: f.Threshold,
		Interval:         time.Duration(f.Interval) * time.Second,
	}, remote, opts...)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}
