package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/loykin/autologout/internal/store"
)

const (
	DefaultBinary     = "/usr/local/bin/autologout"
	DefaultInstallDir = "/var/lib/autologout"
	DefaultUnitDir    = "/etc/systemd/system"
	DefaultUser       = "root"
	DefaultRestartSec = 10

	programMode os.FileMode = 0o700 // embeds credentials
	unitMode    os.FileMode = 0o644
)

// Settings are the host-wide values every generated artifact shares.
type Settings struct {
	Binary     string // autologout executable run by the launcher
	InstallDir string // launcher directory and unit WorkingDirectory
	UnitDir    string // where unit files are written
	User       string // unit User=
	RestartSec int    // unit RestartSec=
	HistoryDSN string // optional, exported to watchers for logout events
}

// IOError reports a failed artifact write or removal.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string { return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

// Generator renders and materializes watcher artifacts. Rendering is a pure
// function of the config and Settings.
type Generator struct {
	s Settings
}

func NewGenerator(s Settings) *Generator {
	if s.Binary == "" {
		s.Binary = DefaultBinary
	}
	if s.InstallDir == "" {
		s.InstallDir = DefaultInstallDir
	}
	if s.UnitDir == "" {
		s.UnitDir = DefaultUnitDir
	}
	if s.User == "" {
		s.User = DefaultUser
	}
	if s.RestartSec <= 0 {
		s.RestartSec = DefaultRestartSec
	}
	return &Generator{s: s}
}

func (g *Generator) Settings() Settings { return g.s }

// Paths returns where the artifacts of watcher name live.
func (g *Generator) Paths(name string) store.ArtifactPaths {
	return store.ArtifactPaths{
		Program: filepath.Join(g.s.InstallDir, name+".sh"),
		Unit:    filepath.Join(g.s.UnitDir, name+".service"),
	}
}

var funcs = template.FuncMap{
	"sh":   shellQuote,
	"unit": unitEscape,
}

var programTmpl = template.Must(template.New("program").Funcs(funcs).Parse(`#!/bin/sh
# Code generated by autologout. DO NOT EDIT.
# watcher: {{.Name}}
AUTOLOGOUT_USERNAME={{sh .Username}}
AUTOLOGOUT_PASSWORD={{sh .Password}}
export AUTOLOGOUT_USERNAME AUTOLOGOUT_PASSWORD
{{- if .HistoryDSN}}
AUTOLOGOUT_HISTORY_DSN={{sh .HistoryDSN}}
export AUTOLOGOUT_HISTORY_DSN
{{- end}}
exec {{sh .Binary}} watch \
	--name {{sh .Name}} \
	--base-url {{sh .BaseURL}} \
	--session-id {{sh .SessionID}} \
	--threshold {{.Threshold}} \
	--interval {{.Interval}}{{if .Insecure}} \
	--insecure{{end}}
`))

var unitTmpl = template.Must(template.New("unit").Funcs(funcs).Parse(`[Unit]
Description={{unit .Description}}
After=network.target

[Service]
Type=simple
User={{unit .User}}
WorkingDirectory={{unit .WorkDir}}
ExecStart={{unit .Program}}
Restart=always
RestartSec={{.RestartSec}}
StandardOutput=journal
StandardError=journal
SyslogIdentifier={{.Name}}

[Install]
WantedBy=multi-user.target
`))

type programData struct {
	Name       string
	Username   string
	Password   string
	HistoryDSN string
	Binary     string
	BaseURL    string
	SessionID  string
	Threshold  int
	Interval   int
	Insecure   bool
}

type unitData struct {
	Name        string
	Description string
	User        string
	WorkDir     string
	Program     string
	RestartSec  int
}

// RenderProgram renders the launcher for c with every value embedded as a literal.
func (g *Generator) RenderProgram(c store.WatcherConfig) ([]byte, error) {
	var buf bytes.Buffer
	err := programTmpl.Execute(&buf, programData{
		Name:       c.Name,
		Username:   c.Credentials.Username,
		Password:   c.Credentials.Password,
		HistoryDSN: g.s.HistoryDSN,
		Binary:     g.s.Binary,
		BaseURL:    c.BaseURL,
		SessionID:  c.TargetSessionID,
		Threshold:  c.TimeThresholdSeconds,
		Interval:   c.CheckIntervalSeconds,
		Insecure:   c.InsecureSkipVerify,
	})
	if err != nil {
		return nil, fmt.Errorf("render program for %s: %w", c.Name, err)
	}
	return buf.Bytes(), nil
}

// RenderUnit renders the service unit for c.
func (g *Generator) RenderUnit(c store.WatcherConfig) ([]byte, error) {
	program := c.Artifacts.Program
	if program == "" {
		program = g.Paths(c.Name).Program
	}
	desc := c.Description
	if desc == "" {
		desc = DefaultDescription(c.Name)
	}
	var buf bytes.Buffer
	err := unitTmpl.Execute(&buf, unitData{
		Name:        c.Name,
		Description: desc,
		User:        g.s.User,
		WorkDir:     g.s.InstallDir,
		Program:     program,
		RestartSec:  g.s.RestartSec,
	})
	if err != nil {
		return nil, fmt.Errorf("render unit for %s: %w", c.Name, err)
	}
	return buf.Bytes(), nil
}

func DefaultDescription(name string) string {
	return "Auto-Logout Watcher - " + name
}

// Write renders and writes both artifacts to c.Artifacts. Each file is
// replaced atomically; if the unit cannot be written the program is put back
// the way it was, so a failed Write leaves no new state behind.
func (g *Generator) Write(c store.WatcherConfig) error {
	if c.Artifacts.Program == "" || c.Artifacts.Unit == "" {
		return &IOError{Op: "write", Path: c.Name, Err: errors.New("artifact paths not set")}
	}
	program, err := g.RenderProgram(c)
	if err != nil {
		return &IOError{Op: "render", Path: c.Artifacts.Program, Err: err}
	}
	unit, err := g.RenderUnit(c)
	if err != nil {
		return &IOError{Op: "render", Path: c.Artifacts.Unit, Err: err}
	}

	prev, hadPrev, err := readIfExists(c.Artifacts.Program)
	if err != nil {
		return &IOError{Op: "read", Path: c.Artifacts.Program, Err: err}
	}
	if err := store.WriteFileAtomic(c.Artifacts.Program, program, programMode); err != nil {
		return &IOError{Op: "write", Path: c.Artifacts.Program, Err: err}
	}
	if err := store.WriteFileAtomic(c.Artifacts.Unit, unit, unitMode); err != nil {
		if hadPrev {
			_ = store.WriteFileAtomic(c.Artifacts.Program, prev, programMode)
		} else {
			_ = os.Remove(c.Artifacts.Program)
		}
		return &IOError{Op: "write", Path: c.Artifacts.Unit, Err: err}
	}
	return nil
}

// Remove deletes both artifacts; files already gone are not an error.
func Remove(p store.ArtifactPaths) error {
	for _, path := range []string{p.Program, p.Unit} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return &IOError{Op: "remove", Path: path, Err: err}
		}
	}
	return nil
}

func readIfExists(path string) ([]byte, bool, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return b, true, nil
}

// shellQuote wraps s in single quotes for POSIX sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// unitEscape keeps a value on one line and escapes systemd specifiers.
func unitEscape(s string) string {
	s = strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
	return strings.ReplaceAll(s, "%", "%%")
}
