package main

import "time"

// Flag structs decouple cobra from logic for testing.

type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	Insecure   bool
	CACert     string
	Output     string // table or json
}

type ServeFlags struct {
	ConfigPath string
}

type WatchFlags struct {
	Name          string
	BaseURL       string
	Username      string
	Password      string
	SessionID     string
	Threshold     int
	Interval      int
	Insecure      bool
	HistoryDSN    string
	MetricsListen string
	LogLevel      string
	LogFormat     string
}

// WatcherFlags describe a watcher on the command line (create, update, render).
type WatcherFlags struct {
	Name        string
	BaseURL     string
	Username    string
	Password    string
	SessionID   string
	Threshold   int
	Interval    int
	Description string
	Insecure    bool
}

type RenderFlags struct {
	Watcher    WatcherFlags
	Part       string // program or unit
	Binary     string
	InstallDir string
	UnitDir    string
	User       string
	RestartSec int
	HistoryDSN string
}

type LogsFlags struct {
	Lines int
}
