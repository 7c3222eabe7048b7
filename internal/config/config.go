package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "AUTOLOGOUT"

// Config represents the top-level TOML structure of `autologout serve`.
type Config struct {
	Server   ServerConfig   `toml:"server" mapstructure:"server"`
	Watchers WatchersConfig `toml:"watchers" mapstructure:"watchers"`
	Systemd  SystemdConfig  `toml:"systemd" mapstructure:"systemd"`
	Log      LogConfig      `toml:"log" mapstructure:"log"`
	Metrics  MetricsConfig  `toml:"metrics" mapstructure:"metrics"`
	History  HistoryConfig  `toml:"history" mapstructure:"history"`
}

type ServerConfig struct {
	Listen   string    `toml:"listen" mapstructure:"listen"`
	BasePath string    `toml:"base_path" mapstructure:"base_path"`
	TLS      TLSConfig `toml:"tls" mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled      bool       `toml:"enabled" mapstructure:"enabled"`
	CertFile     string     `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string     `toml:"key_file" mapstructure:"key_file"`
	Dir          string     `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool       `toml:"auto_generate" mapstructure:"auto_generate"`
	MinVersion   string     `toml:"min_version" mapstructure:"min_version"`
	MaxVersion   string     `toml:"max_version" mapstructure:"max_version"`
	AutoGen      AutoGenTLS `toml:"auto_gen" mapstructure:"auto_gen"`
}

// AutoGenTLS configures the self-signed certificate written when
// AutoGenerate is set and Dir holds no certificate yet.
type AutoGenTLS struct {
	CommonName   string   `toml:"common_name" mapstructure:"common_name"`
	Organization string   `toml:"organization" mapstructure:"organization"`
	DNSNames     []string `toml:"dns_names" mapstructure:"dns_names"`
	IPAddresses  []string `toml:"ip_addresses" mapstructure:"ip_addresses"`
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
}

type WatchersConfig struct {
	StorePath   string `toml:"store_path" mapstructure:"store_path"`
	InstallDir  string `toml:"install_dir" mapstructure:"install_dir"`
	UnitDir     string `toml:"unit_dir" mapstructure:"unit_dir"`
	Binary      string `toml:"binary" mapstructure:"binary"`
	RunAsUser   string `toml:"run_as_user" mapstructure:"run_as_user"`
	RestartSec  int    `toml:"restart_sec" mapstructure:"restart_sec"`
	MaxLogLines int    `toml:"max_log_lines" mapstructure:"max_log_lines"`
	// HistoryDSN is embedded into every launcher so watcher processes record
	// their logout events.
	HistoryDSN string `toml:"history_dsn" mapstructure:"history_dsn"`
}

type SystemdConfig struct {
	Systemctl      string        `toml:"systemctl" mapstructure:"systemctl"`
	Journalctl     string        `toml:"journalctl" mapstructure:"journalctl"`
	CommandTimeout time.Duration `toml:"command_timeout" mapstructure:"command_timeout"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

// HistoryConfig lists the sinks receiving orchestrator events.
type HistoryConfig struct {
	DSNs []string `toml:"dsns" mapstructure:"dsns"`
}

// SetDefaults registers every key with its default value. Keys must be known
// to viper for AutomaticEnv to reach them during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "")
	v.SetDefault("server.tls.max_version", "")

	v.SetDefault("watchers.store_path", "/var/lib/autologout/watchers.json")
	v.SetDefault("watchers.install_dir", "/var/lib/autologout")
	v.SetDefault("watchers.unit_dir", "/etc/systemd/system")
	v.SetDefault("watchers.binary", "/usr/local/bin/autologout")
	v.SetDefault("watchers.run_as_user", "root")
	v.SetDefault("watchers.restart_sec", 10)
	v.SetDefault("watchers.max_log_lines", 1000)
	v.SetDefault("watchers.history_dsn", "")

	v.SetDefault("systemd.systemctl", "systemctl")
	v.SetDefault("systemd.journalctl", "journalctl")
	v.SetDefault("systemd.command_timeout", "30s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)
	v.SetDefault("log.compress", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9090")

	v.SetDefault("history.dsns", []string{})
}

// Load reads path (TOML) over the defaults and applies AUTOLOGOUT_* overrides,
// e.g. AUTOLOGOUT_SERVER_LISTEN or AUTOLOGOUT_WATCHERS_STORE_PATH. An empty
// path yields the defaults plus environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Server.BasePath = normalizeBasePath(cfg.Server.BasePath)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values viper cannot type-check.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen must not be empty"))
	}
	if c.Watchers.StorePath == "" {
		errs = append(errs, errors.New("watchers.store_path must not be empty"))
	}
	if c.Watchers.RestartSec < 0 {
		errs = append(errs, errors.New("watchers.restart_sec must not be negative"))
	}
	if c.Watchers.MaxLogLines < 0 {
		errs = append(errs, errors.New("watchers.max_log_lines must not be negative"))
	}
	if c.Systemd.CommandTimeout < 0 {
		errs = append(errs, errors.New("systemd.command_timeout must not be negative"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json", "color":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text, json or color", c.Log.Format))
	}
	if c.Server.TLS.Enabled && c.Server.TLS.Dir == "" && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls needs cert_file and key_file, or dir"))
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, errors.New("metrics.listen must not be empty when metrics are enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "/" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimRight(p, "/")
}
