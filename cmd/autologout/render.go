package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/autologout/internal/artifact"
	"github.com/loykin/autologout/internal/orchestrator"
	"github.com/loykin/autologout/internal/store"
)

func createRenderCommand() *cobra.Command {
	f := &RenderFlags{}
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Print a generated launcher or unit without installing it",
		Long: `Render the artifacts a watcher would get, for offline debugging.

Examples:
  autologout render --part=unit --name=sales --base-url=https://dialer/vicidial \
      --username=admin --password=secret --session-id=8001`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRender(*f, cmd.OutOrStdout())
		},
	}
	addWatcherFlags(cmd, &f.Watcher)
	fl := cmd.Flags()
	fl.StringVar(&f.Part, "part", "program", "program or unit")
	fl.StringVar(&f.Binary, "binary", artifact.DefaultBinary, "autologout executable used by the launcher")
	fl.StringVar(&f.InstallDir, "install-dir", artifact.DefaultInstallDir, "launcher directory")
	fl.StringVar(&f.UnitDir, "unit-dir", artifact.DefaultUnitDir, "unit file directory")
	fl.StringVar(&f.User, "user", artifact.DefaultUser, "unit User=")
	fl.IntVar(&f.RestartSec, "restart-sec", artifact.DefaultRestartSec, "unit RestartSec=")
	fl.StringVar(&f.HistoryDSN, "history-dsn", "", "history DSN embedded into the launcher")
	return cmd
}

func runRender(f RenderFlags, out io.Writer) error {
	cfg := orchestrator.Normalize(f.Watcher.config())
	if err := orchestrator.Validate(cfg); err != nil {
		return err
	}
	gen := artifact.NewGenerator(artifact.Settings{
		Binary:     f.Binary,
		InstallDir: f.InstallDir,
		UnitDir:    f.UnitDir,
		User:       f.User,
		RestartSec: f.RestartSec,
		HistoryDSN: f.HistoryDSN,
	})
	cfg.Artifacts = gen.Paths(cfg.Name)

	var (
		b   []byte
		err error
	)
	switch strings.ToLower(f.Part) {
	case "program":
		b, err = gen.RenderProgram(cfg)
	case "unit":
		b, err = gen.RenderUnit(cfg)
	default:
		return fmt.Errorf("unknown part %q (want program or unit)", f.Part)
	}
	if err != nil {
		return err
	}
	_, err = out.Write(b)
	return err
}

func addWatcherFlags(cmd *cobra.Command, f *WatcherFlags) {
	fl := cmd.Flags()
	fl.StringVar(&f.Name, "name", "", "watcher name, also the unit name")
	fl.StringVar(&f.BaseURL, "base-url", "", "call-center base URL")
	fl.StringVar(&f.Username, "username", "", "call-center username")
	fl.StringVar(&f.Password, "password", "", "call-center password")
	fl.StringVar(&f.SessionID, "session-id", "", "session whose agents are watched")
	fl.IntVar(&f.Threshold, "threshold", 0, "idle seconds before logout (default 90)")
	fl.IntVar(&f.Interval, "interval", 0, "seconds between polls (default 5)")
	fl.StringVar(&f.Description, "description", "", "unit description")
	fl.BoolVar(&f.Insecure, "insecure", false, "skip TLS verification of the call-center system")
}

func (f WatcherFlags) config() store.WatcherConfig {
	return store.WatcherConfig{
		Name:                 f.Name,
		BaseURL:              f.BaseURL,
		Credentials:          store.Credentials{Username: f.Username, Password: f.Password},
		TargetSessionID:      f.SessionID,
		TimeThresholdSeconds: f.Threshold,
		CheckIntervalSeconds: f.Interval,
		Description:          f.Description,
		InsecureSkipVerify:   f.Insecure,
	}
}
