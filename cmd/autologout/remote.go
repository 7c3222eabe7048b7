package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/loykin/autologout/pkg/client"
)

func newAPIClient(g *GlobalFlags) (*client.Client, error) {
	cfg := client.Config{
		BaseURL:  g.APIUrl,
		Timeout:  g.APITimeout,
		Insecure: g.Insecure,
	}
	if g.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{CACert: g.CACert}
	}
	return client.New(cfg)
}

func createCreateCommand(g *GlobalFlags) *cobra.Command {
	f := &WatcherFlags{}
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create and start a watcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newAPIClient(g)
			if err != nil {
				return err
			}
			e, err := c.Create(cmd.Context(), f.watcher())
			if err != nil {
				return err
			}
			return printEntries(cmd.OutOrStdout(), g.Output, []client.Entry{e})
		},
	}
	addWatcherFlags(cmd, f)
	return cmd
}

func (f WatcherFlags) watcher() client.Watcher {
	return client.Watcher{
		Name:                 f.Name,
		BaseURL:              f.BaseURL,
		Credentials:          client.Credentials{Username: f.Username, Password: f.Password},
		TargetSessionID:      f.SessionID,
		TimeThresholdSeconds: f.Threshold,
		CheckIntervalSeconds: f.Interval,
		Description:          f.Description,
		InsecureSkipVerify:   f.Insecure,
	}
}

func createListCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List watchers with their live status",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newAPIClient(g)
			if err != nil {
				return err
			}
			entries, err := c.List(cmd.Context())
			if err != nil {
				return err
			}
			return printEntries(cmd.OutOrStdout(), g.Output, entries)
		},
	}
}

func createGetCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get NAME",
		Short: "Show one watcher",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(g)
			if err != nil {
				return err
			}
			e, err := c.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), e)
		},
	}
}

func createUpdateCommand(g *GlobalFlags) *cobra.Command {
	f := &WatcherFlags{}
	cmd := &cobra.Command{
		Use:   "update NAME",
		Short: "Change a watcher; only the given flags are updated",
		Long: `Change a watcher. The launcher and unit are regenerated and a running
watcher is restarted; a stopped watcher stays stopped.

Examples:
  autologout update sales --threshold=120
  autologout update sales --password=rotated`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := patchFromFlags(cmd, f)
			if p == (client.Patch{}) {
				return fmt.Errorf("nothing to update")
			}
			c, err := newAPIClient(g)
			if err != nil {
				return err
			}
			e, err := c.Update(cmd.Context(), args[0], p)
			if err != nil {
				return err
			}
			return printEntries(cmd.OutOrStdout(), g.Output, []client.Entry{e})
		},
	}
	addWatcherFlags(cmd, f)
	_ = cmd.Flags().MarkHidden("name")
	return cmd
}

// patchFromFlags includes exactly the flags set on the command line.
func patchFromFlags(cmd *cobra.Command, f *WatcherFlags) client.Patch {
	changed := cmd.Flags().Changed
	var p client.Patch
	if changed("base-url") {
		p.BaseURL = &f.BaseURL
	}
	if changed("username") || changed("password") {
		p.Credentials = &client.CredentialsPatch{}
		if changed("username") {
			p.Credentials.Username = &f.Username
		}
		if changed("password") {
			p.Credentials.Password = &f.Password
		}
	}
	if changed("session-id") {
		p.TargetSessionID = &f.SessionID
	}
	if changed("threshold") {
		p.TimeThresholdSeconds = &f.Threshold
	}
	if changed("interval") {
		p.CheckIntervalSeconds = &f.Interval
	}
	if changed("description") {
		p.Description = &f.Description
	}
	if changed("insecure") {
		p.InsecureSkipVerify = &f.Insecure
	}
	return p
}

func createDeleteCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "delete NAME",
		Aliases: []string{"rm"},
		Short:   "Stop a watcher and remove its unit, launcher and config",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(g)
			if err != nil {
				return err
			}
			if err := c.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return err
		},
	}
}

func createActionCommand(g *GlobalFlags, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " NAME",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(g)
			if err != nil {
				return err
			}
			return runAction(cmd.Context(), c, cmd.OutOrStdout(), g.Output, args[0], action)
		},
	}
}

func runAction(ctx context.Context, c *client.Client, out io.Writer, format, name, action string) error {
	r, err := c.Action(ctx, name, action)
	if err != nil {
		return err
	}
	if format == "json" {
		return printJSON(out, r)
	}
	_, err = fmt.Fprintf(out, "%s: %s\n", r.Name, colorStatus(r.Status))
	return err
}

func createLogsCommand(g *GlobalFlags) *cobra.Command {
	f := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs NAME",
		Short: "Print recent log lines of a watcher",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(g)
			if err != nil {
				return err
			}
			lines, err := c.Logs(cmd.Context(), args[0], f.Lines)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), strings.Join(lines, "\n"))
			return err
		},
	}
	cmd.Flags().IntVarP(&f.Lines, "lines", "n", 50, "number of lines")
	return cmd
}

func printEntries(out io.Writer, format string, entries []client.Entry) error {
	if format == "json" {
		return printJSON(out, entries)
	}
	if len(entries) == 0 {
		_, err := fmt.Fprintln(out, "no watchers")
		return err
	}
	if _, err := fmt.Fprintf(out, "%-24s %-10s %-10s %-9s %s\n", "NAME", "STATUS", "SESSION", "THRESHOLD", "BASE URL"); err != nil {
		return err
	}
	for _, e := range entries {
		// pad before coloring so escape codes do not break alignment
		status := colorStatus(e.Status, fmt.Sprintf("%-10s", e.Status))
		_, err := fmt.Fprintf(out, "%-24s %s %-10s %-9d %s\n",
			e.Config.Name, status, e.Config.TargetSessionID, e.Config.TimeThresholdSeconds, e.Config.BaseURL)
		if err != nil {
			return err
		}
	}
	return nil
}

// colorStatus colors text (status itself when omitted) by status.
func colorStatus(status string, text ...string) string {
	s := status
	if len(text) > 0 {
		s = text[0]
	}
	switch status {
	case "active":
		return color.GreenString(s)
	case "failed":
		return color.RedString(s)
	default:
		return color.YellowString(s)
	}
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
