package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/john/k1bridge/k1ws"
	"github.com/john/k1bridge/printer"
)

// envPrefix prefixes every environment override, e.g. K1BRIDGE_LISTEN.
const envPrefix = "K1BRIDGE"

type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Session  SessionConfig   `yaml:"session"`
	Printers []PrinterConfig `yaml:"printers"`
	History  HistoryConfig   `yaml:"history"`
	Log      LogConfig       `yaml:"log"`
	Tracing  TracingConfig   `yaml:"tracing"`
}

type ServerConfig struct {
	// Listen is the HTTP listen address. Empty disables the HTTP server.
	Listen string `yaml:"listen"`
}

// SessionConfig applies to every printer.
type SessionConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	IdleMargin        time.Duration `yaml:"idle_margin"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffJitter     float64       `yaml:"backoff_jitter"`
}

type PrinterConfig struct {
	// Name defaults to the host.
	Name string `yaml:"name"`
	Host string `yaml:"host"`
}

type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
	// Exporter selects where spans go. Only "stdout" is built in.
	Exporter    string `yaml:"exporter"`
	ServiceName string `yaml:"service_name"`
}

// envOverrides are read from K1BRIDGE_* variables after the file.
type envOverrides struct {
	PrinterHost  string        `envconfig:"PRINTER_HOST"`
	PrinterName  string        `envconfig:"PRINTER_NAME"`
	Listen       string        `envconfig:"LISTEN"`
	PollInterval time.Duration `envconfig:"POLL_INTERVAL"`
	HistoryPath  string        `envconfig:"HISTORY_PATH"`
	LogLevel     string        `envconfig:"LOG_LEVEL"`
	LogFormat    string        `envconfig:"LOG_FORMAT"`
	Tracing      *bool         `envconfig:"TRACING_ENABLED"`
}

func DefaultConfig() *Config {
	b := printer.DefaultBackoff()
	return &Config{
		Server: ServerConfig{
			Listen: "0.0.0.0:7125",
		},
		Session: SessionConfig{
			PollInterval:      printer.DefaultPollInterval,
			IdleMargin:        printer.DefaultIdleMargin,
			HandshakeTimeout:  10 * time.Second,
			WriteTimeout:      5 * time.Second,
			BackoffInitial:    b.Initial,
			BackoffMax:        b.Max,
			BackoffMultiplier: b.Multiplier,
			BackoffJitter:     b.Jitter,
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    "data/history.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			Exporter:    "stdout",
			ServiceName: "k1bridge",
		},
	}
}

// LoadConfig reads the YAML file at path (skipped when path is empty),
// applies environment overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays K1BRIDGE_* variables. K1BRIDGE_PRINTER_HOST replaces
// the configured printer list with that single printer.
func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envconfig.Process(envPrefix, &env); err != nil {
		return fmt.Errorf("processing environment: %w", err)
	}

	if env.PrinterHost != "" {
		c.Printers = []PrinterConfig{{Name: env.PrinterName, Host: env.PrinterHost}}
	}
	if env.Listen != "" {
		c.Server.Listen = env.Listen
	}
	if env.PollInterval != 0 {
		c.Session.PollInterval = env.PollInterval
	}
	if env.HistoryPath != "" {
		c.History.Path = env.HistoryPath
	}
	if env.LogLevel != "" {
		c.Log.Level = env.LogLevel
	}
	if env.LogFormat != "" {
		c.Log.Format = env.LogFormat
	}
	if env.Tracing != nil {
		c.Tracing.Enabled = *env.Tracing
	}
	return nil
}

// Validate checks the configuration and fills in printer names.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Printers) == 0 {
		errs = append(errs, errors.New("no printers configured (set printers in the config file or "+envPrefix+"_PRINTER_HOST)"))
	}
	seen := make(map[string]bool)
	for i := range c.Printers {
		p := &c.Printers[i]
		p.Host = strings.TrimSpace(p.Host)
		if err := k1ws.ValidateHost(p.Host); err != nil {
			errs = append(errs, fmt.Errorf("printers[%d]: %w", i, err))
			continue
		}
		if p.Name == "" {
			p.Name = p.Host
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("printers[%d]: duplicate name %q", i, p.Name))
		}
		seen[p.Name] = true
	}

	s := c.Session
	for name, d := range map[string]time.Duration{
		"poll_interval":     s.PollInterval,
		"idle_margin":       s.IdleMargin,
		"handshake_timeout": s.HandshakeTimeout,
		"write_timeout":     s.WriteTimeout,
		"backoff_initial":   s.BackoffInitial,
		"backoff_max":       s.BackoffMax,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("session.%s must be positive, got %v", name, d))
		}
	}
	if s.BackoffInitial > s.BackoffMax {
		errs = append(errs, fmt.Errorf("session.backoff_initial (%v) exceeds backoff_max (%v)", s.BackoffInitial, s.BackoffMax))
	}
	if s.BackoffMultiplier < 1 {
		errs = append(errs, fmt.Errorf("session.backoff_multiplier must be at least 1, got %v", s.BackoffMultiplier))
	}
	if s.BackoffJitter < 0 || s.BackoffJitter >= 1 {
		errs = append(errs, fmt.Errorf("session.backoff_jitter must be in [0, 1), got %v", s.BackoffJitter))
	}

	if c.History.Enabled && c.History.Path == "" {
		errs = append(errs, errors.New("history.path is required when history is enabled"))
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	if c.Tracing.Enabled {
		if c.Tracing.Exporter != "stdout" {
			errs = append(errs, fmt.Errorf("tracing.exporter must be stdout, got %q", c.Tracing.Exporter))
		}
		if c.Tracing.ServiceName == "" {
			errs = append(errs, errors.New("tracing.service_name is required when tracing is enabled"))
		}
	}

	return errors.Join(errs...)
}

// PrinterConfigs builds the client configuration of every printer.
func (c *Config) PrinterConfigs(log *slog.Logger, reg prometheus.Registerer) []printer.Config {
	out := make([]printer.Config, 0, len(c.Printers))
	for _, p := range c.Printers {
		out = append(out, printer.Config{
			Name:             p.Name,
			Host:             p.Host,
			PollInterval:     c.Session.PollInterval,
			IdleMargin:       c.Session.IdleMargin,
			HandshakeTimeout: c.Session.HandshakeTimeout,
			WriteTimeout:     c.Session.WriteTimeout,
			Backoff: printer.BackoffConfig{
				Initial:    c.Session.BackoffInitial,
				Max:        c.Session.BackoffMax,
				Multiplier: c.Session.BackoffMultiplier,
				Jitter:     c.Session.BackoffJitter,
			},
			Logger:     log,
			Registerer: reg,
		})
	}
	return out
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// NewLogger builds the process logger from the log section.
func NewLogger(c LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch c.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", c.Format)
}
