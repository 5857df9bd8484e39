package config

import (
	"time"

	"codeberg.org/mutker/gaitmon/internal/backend"
	"codeberg.org/mutker/gaitmon/internal/poller"
	"codeberg.org/mutker/gaitmon/internal/recorder"
)

// Command selects what the binary does after loading configuration.
type Command string

const (
	CommandRun     Command = "run"
	CommandExport  Command = "export"
	CommandHistory Command = "history"
)

func (c Command) IsValid() bool {
	switch c {
	case CommandRun, CommandExport, CommandHistory:
		return true
	default:
		return false
	}
}

// Option defines a configuration option that can be passed to Load
type Option func(*options)

type options struct {
	configPath  string
	envPrefix   string
	searchPaths []string
}

// WithConfigFile specifies an explicit configuration file path
func WithConfigFile(path string) Option {
	return func(o *options) {
		o.configPath = path
	}
}

// WithEnvPrefix specifies a custom environment variable prefix
// Default is "GAITMON"
func WithEnvPrefix(prefix string) Option {
	return func(o *options) {
		o.envPrefix = prefix
	}
}

// WithSearchPaths replaces the directories searched for gaitmon.toml.
func WithSearchPaths(paths ...string) Option {
	return func(o *options) {
		o.searchPaths = paths
	}
}

type BackendConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Source  string        `mapstructure:"source"`
}

type PollConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type HistoryConfig struct {
	Capacity int `mapstructure:"capacity"`
}

type RecorderConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	DBPath            string        `mapstructure:"db_path"`
	BatchSize         int           `mapstructure:"batch_size"`
	BatchTimeout      time.Duration `mapstructure:"batch_timeout"`
	Retention         string        `mapstructure:"retention"`
	RetentionSchedule string        `mapstructure:"retention_schedule"`
}

type StreamConfig struct {
	// Listen is the stream server address; empty disables the server.
	Listen    string `mapstructure:"listen"`
	QueueSize int    `mapstructure:"queue_size"`
}

// ExportConfig carries the one-shot export and history arguments. It is
// filled from flags only.
type ExportConfig struct {
	Format     string `mapstructure:"format"`
	SessionID  string `mapstructure:"session"`
	StartDate  string `mapstructure:"start_date"`
	EndDate    string `mapstructure:"end_date"`
	ReportType string `mapstructure:"report_type"`
}

// BackendClient returns the client settings.
func (c *Config) BackendClient() backend.Config {
	return backend.Config{
		BaseURL: c.Backend.URL,
		Timeout: c.Backend.Timeout,
		Source:  c.Backend.Source,
	}
}

// Poller returns the poller settings.
func (c *Config) Poller() poller.Config {
	return poller.Config{
		Interval: c.Poll.Interval,
		Capacity: c.History.Capacity,
	}
}

// RecorderSettings returns the recorder settings.
func (c *Config) RecorderSettings() recorder.Config {
	return recorder.Config{
		Enabled:           c.Recorder.Enabled,
		DBPath:            c.Recorder.DBPath,
		BatchSize:         c.Recorder.BatchSize,
		BatchTimeout:      c.Recorder.BatchTimeout,
		Retention:         c.Recorder.Retention,
		RetentionSchedule: c.Recorder.RetentionSchedule,
	}
}

// ExportRequest returns the normalized export request built from flags.
func (c *Config) ExportRequest() (backend.ExportRequest, error) {
	format, err := backend.ParseExportFormat(c.Export.Format)
	if err != nil {
		return backend.ExportRequest{}, err
	}

	return backend.ExportRequest{
		Format:     format,
		SessionID:  c.Export.SessionID,
		StartDate:  c.Export.StartDate,
		EndDate:    c.Export.EndDate,
		ReportType: c.Export.ReportType,
	}.Normalize()
}
