package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/NodePath81/lossmon/internal/util"
	"gopkg.in/yaml.v3"
)

const (
	defaultLogLevel = "info"

	defaultIngestBindAddr  = "0.0.0.0"
	defaultIngestBindPort  = 1911
	defaultIngestQueueSize = 1024
	defaultIngestBatchSize = 32
	maxIngestBatchSize     = 1024

	defaultReportInterval       = 1 * time.Second
	defaultHistoryPath          = "lossmon.db"
	defaultHistoryRetention     = 24 * time.Hour
	defaultHistoryEnabled       = false
	defaultControlEnabled       = true
	defaultControlAddr          = "127.0.0.1"
	defaultControlPort          = 8080
	defaultControlMetricsEnable = true
	defaultControlStatusEnable  = true
)

type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	switch value.Tag {
	case "!!int", "!!float":
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	default:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		if raw == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Hostname string        `yaml:"hostname"`
	Log      LogConfig     `yaml:"log"`
	Ingest   IngestConfig  `yaml:"ingest"`
	Report   ReportConfig  `yaml:"report"`
	Control  ControlConfig `yaml:"control"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type IngestConfig struct {
	BindAddr        string `yaml:"bind_addr"`
	BindPort        int    `yaml:"bind_port"`
	Workers         int    `yaml:"workers"`
	QueueSize       int    `yaml:"queue_size"`
	BatchSize       int    `yaml:"batch_size"`
	ReadBufferBytes int    `yaml:"read_buffer_bytes"`
}

type ReportConfig struct {
	Interval Duration      `yaml:"interval"`
	History  HistoryConfig `yaml:"history"`
}

type HistoryConfig struct {
	Enabled   *bool    `yaml:"enabled"`
	Path      string   `yaml:"path"`
	// Retention is a pointer so an explicit 0 (keep every row) survives
	// defaulting.
	Retention *Duration `yaml:"retention"`
}

type ControlConfig struct {
	Enabled   *bool                `yaml:"enabled"`
	BindAddr  string               `yaml:"bind_addr"`
	BindPort  int                  `yaml:"bind_port"`
	AuthToken string               `yaml:"auth_token"`
	Metrics   ControlMetricsConfig `yaml:"metrics"`
	Status    ControlStatusConfig  `yaml:"status"`
}

type ControlMetricsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

type ControlStatusConfig struct {
	Enabled *bool `yaml:"enabled"`
}

func (h HistoryConfig) IsEnabled() bool {
	return util.BoolValue(h.Enabled, defaultHistoryEnabled)
}

// RetentionDuration returns the configured retention, or the default when
// the key was never set. Zero keeps every row.
func (h HistoryConfig) RetentionDuration() time.Duration {
	if h.Retention == nil {
		return defaultHistoryRetention
	}
	return h.Retention.Duration()
}

func (c ControlConfig) IsEnabled() bool {
	return util.BoolValue(c.Enabled, defaultControlEnabled)
}

func (m ControlMetricsConfig) IsEnabled() bool {
	return util.BoolValue(m.Enabled, defaultControlMetricsEnable)
}

func (s ControlStatusConfig) IsEnabled() bool {
	return util.BoolValue(s.Enabled, defaultControlStatusEnable)
}

func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(raw)
}

func ParseConfig(raw []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, err
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}

	if c.Ingest.BindAddr == "" {
		c.Ingest.BindAddr = defaultIngestBindAddr
	}
	if c.Ingest.BindPort == 0 {
		c.Ingest.BindPort = defaultIngestBindPort
	}
	if c.Ingest.QueueSize == 0 {
		c.Ingest.QueueSize = defaultIngestQueueSize
	}
	if c.Ingest.BatchSize == 0 {
		c.Ingest.BatchSize = defaultIngestBatchSize
	}

	if c.Report.Interval == 0 {
		c.Report.Interval = Duration(defaultReportInterval)
	}
	if c.Report.History.Enabled == nil {
		val := defaultHistoryEnabled
		c.Report.History.Enabled = &val
	}
	if c.Report.History.Path == "" {
		c.Report.History.Path = defaultHistoryPath
	}
	if c.Report.History.Retention == nil {
		val := Duration(defaultHistoryRetention)
		c.Report.History.Retention = &val
	}

	if c.Control.Enabled == nil {
		val := defaultControlEnabled
		c.Control.Enabled = &val
	}
	if c.Control.BindAddr == "" {
		c.Control.BindAddr = defaultControlAddr
	}
	if c.Control.BindPort == 0 {
		c.Control.BindPort = defaultControlPort
	}
	if c.Control.Metrics.Enabled == nil {
		val := defaultControlMetricsEnable
		c.Control.Metrics.Enabled = &val
	}
	if c.Control.Status.Enabled == nil {
		val := defaultControlStatusEnable
		c.Control.Status.Enabled = &val
	}
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error (got %q)", c.Log.Level)
	}

	c.Ingest.BindAddr = strings.TrimSpace(c.Ingest.BindAddr)
	if net.ParseIP(c.Ingest.BindAddr) == nil {
		return fmt.Errorf("ingest.bind_addr must be an IP address (got %q)", c.Ingest.BindAddr)
	}
	if c.Ingest.BindPort <= 0 || c.Ingest.BindPort > 65535 {
		return errors.New("ingest.bind_port must be in 1..65535")
	}
	if c.Ingest.Workers < 0 {
		return errors.New("ingest.workers must be >= 0")
	}
	if c.Ingest.QueueSize <= 0 {
		return errors.New("ingest.queue_size must be > 0")
	}
	if c.Ingest.BatchSize <= 0 || c.Ingest.BatchSize > maxIngestBatchSize {
		return fmt.Errorf("ingest.batch_size must be in 1..%d", maxIngestBatchSize)
	}
	if c.Ingest.ReadBufferBytes < 0 {
		return errors.New("ingest.read_buffer_bytes must be >= 0")
	}

	if c.Report.Interval.Duration() <= 0 {
		return errors.New("report.interval must be > 0")
	}
	if c.Report.History.IsEnabled() {
		c.Report.History.Path = strings.TrimSpace(c.Report.History.Path)
		if c.Report.History.Path == "" {
			return errors.New("report.history.path must not be empty")
		}
		if c.Report.History.RetentionDuration() < 0 {
			return errors.New("report.history.retention must be >= 0")
		}
	}

	if c.Control.IsEnabled() {
		if c.Control.AuthToken == "" {
			return errors.New("control.auth_token must not be empty")
		}
		if c.Control.BindPort <= 0 || c.Control.BindPort > 65535 {
			return errors.New("control.bind_port must be in 1..65535")
		}
	}
	return nil
}
