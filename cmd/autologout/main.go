package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/autologout/pkg/client"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	global := &GlobalFlags{}
	root := createRootCommand(global)
	root.AddCommand(
		createServeCommand(global),
		createWatchCommand(),
		createRenderCommand(),
		createCreateCommand(global),
		createListCommand(global),
		createGetCommand(global),
		createUpdateCommand(global),
		createDeleteCommand(global),
		createActionCommand(global, "start", "Start a watcher"),
		createActionCommand(global, "stop", "Stop a watcher"),
		createActionCommand(global, "restart", "Restart a watcher"),
		createActionCommand(global, "status", "Show the live status of a watcher"),
		createLogsCommand(global),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "autologout",
		Short: "Manage auto-logout watchers for call-center agents",
		Long: `autologout creates and supervises watcher services that log out
call-center agents idle past a threshold on a target session.

Examples:
  autologout serve config.toml
  autologout create --name=sales --base-url=https://dialer/vicidial \
      --username=admin --password=secret --session-id=8001
  autologout list
  autologout logs sales --lines=100`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (serve)")
	pf.StringVar(&flags.APIUrl, "api-url", client.DefaultBaseURL, "control surface URL")
	pf.DurationVar(&flags.APITimeout, "api-timeout", client.DefaultTimeout, "control surface request timeout")
	pf.BoolVar(&flags.Insecure, "api-insecure", false, "skip TLS verification of the control surface")
	pf.StringVar(&flags.CACert, "api-ca-cert", "", "CA certificate for the control surface")
	pf.StringVarP(&flags.Output, "output", "o", "table", "output format: table or json")
	return root
}
