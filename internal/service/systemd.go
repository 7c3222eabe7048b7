package service

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

const DefaultCommandTimeout = 30 * time.Second

// SystemdConfig configures the systemd controller.
type SystemdConfig struct {
	Systemctl      string
	Journalctl     string
	CommandTimeout time.Duration
	Runner         Runner
	Logger         *slog.Logger
}

// Systemd drives units through systemctl and reads logs through journalctl.
// It never retries; every command is idempotent and re-issuable by the caller.
type Systemd struct {
	systemctl  string
	journalctl string
	timeout    time.Duration
	run        Runner
	log        *slog.Logger
}

var _ Controller = (*Systemd)(nil)

func NewSystemd(cfg SystemdConfig) *Systemd {
	s := &Systemd{
		systemctl:  cfg.Systemctl,
		journalctl: cfg.Journalctl,
		timeout:    cfg.CommandTimeout,
		run:        cfg.Runner,
		log:        cfg.Logger,
	}
	if s.systemctl == "" {
		s.systemctl = "systemctl"
	}
	if s.journalctl == "" {
		s.journalctl = "journalctl"
	}
	if s.timeout <= 0 {
		s.timeout = DefaultCommandTimeout
	}
	if s.run == nil {
		s.run = ExecRunner{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

func unitName(name string) string {
	if strings.HasSuffix(name, ".service") {
		return name
	}
	return name + ".service"
}

func (s *Systemd) exec(ctx context.Context, command string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	s.log.Debug("service command", "command", command, "args", args)
	out, stderr, err := s.run.Run(ctx, command, args...)
	if err != nil {
		return string(out), &CommandError{
			Command:  command,
			Args:     args,
			ExitCode: exitCode(err),
			Stderr:   string(stderr),
			Err:      err,
		}
	}
	return string(out), nil
}

func (s *Systemd) Register(ctx context.Context, unitPath string) error {
	s.log.Info("reloading unit index", "unit_path", unitPath)
	_, err := s.exec(ctx, s.systemctl, "daemon-reload")
	return err
}

func (s *Systemd) Enable(ctx context.Context, name string) error {
	_, err := s.exec(ctx, s.systemctl, "enable", unitName(name))
	return err
}

// Disable treats an unknown unit as already disabled.
func (s *Systemd) Disable(ctx context.Context, name string) error {
	_, err := s.exec(ctx, s.systemctl, "disable", unitName(name))
	if unitMissing(err) {
		return nil
	}
	return err
}

func (s *Systemd) Start(ctx context.Context, name string) error {
	_, err := s.exec(ctx, s.systemctl, "start", unitName(name))
	return err
}

// Stop treats an unknown unit as already stopped.
func (s *Systemd) Stop(ctx context.Context, name string) error {
	_, err := s.exec(ctx, s.systemctl, "stop", unitName(name))
	if unitMissing(err) {
		return nil
	}
	return err
}

func (s *Systemd) Restart(ctx context.Context, name string) error {
	_, err := s.exec(ctx, s.systemctl, "restart", unitName(name))
	return err
}

// Status reads ActiveState and SubState through systemctl show. A unit that
// systemd is about to restart after a crash reports failed. When show prints
// nothing usable the answer of is-active is used; it exits non-zero for every
// state but active, so its printed state wins over the exit code.
func (s *Systemd) Status(ctx context.Context, name string) Status {
	out, err := s.exec(ctx, s.systemctl, "show", "-p", "ActiveState,SubState,Result", unitName(name))
	if err == nil {
		if st, ok := parseShow(out); ok {
			return st
		}
	}
	out, _ = s.exec(ctx, s.systemctl, "is-active", unitName(name))
	if strings.TrimSpace(out) == "" {
		return StatusInactive
	}
	return ParseStatus(out)
}

// parseShow maps the Key=Value output of systemctl show onto Status.
func parseShow(out string) (Status, bool) {
	props := make(map[string]string)
	for _, l := range strings.Split(out, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(l), "=")
		if ok {
			props[k] = v
		}
	}
	active, ok := props["ActiveState"]
	if !ok || active == "" {
		return "", false
	}
	if props["SubState"] == "auto-restart" {
		return StatusFailed, true
	}
	return ParseStatus(active), true
}

func (s *Systemd) Logs(ctx context.Context, name string, n int) ([]string, error) {
	if n <= 0 {
		n = 50
	}
	out, err := s.exec(ctx, s.journalctl, "-u", unitName(name), "--no-pager", "-n", strconv.Itoa(n))
	if err != nil {
		return nil, err
	}
	return splitLogLines(out), nil
}

// splitLogLines drops journal meta lines such as "-- No entries --".
func splitLogLines(out string) []string {
	lines := make([]string, 0)
	for _, l := range strings.Split(out, "\n") {
		l = strings.TrimRight(l, "\r")
		if strings.TrimSpace(l) == "" {
			continue
		}
		if strings.HasPrefix(l, "-- ") && strings.HasSuffix(l, " --") {
			continue
		}
		lines = append(lines, l)
	}
	return lines
}

func unitMissing(err error) bool {
	ce, ok := err.(*CommandError)
	if !ok {
		return false
	}
	msg := strings.ToLower(ce.Stderr)
	return strings.Contains(msg, "not loaded") ||
		strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "not found")
}
