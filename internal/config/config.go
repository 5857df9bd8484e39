// Package config loads gaitmon settings from defaults, a TOML file, the
// environment and command-line flags, in increasing precedence.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"codeberg.org/mutker/gaitmon/internal/backend"
	"codeberg.org/mutker/gaitmon/internal/errors"
	"codeberg.org/mutker/gaitmon/internal/history"
	"codeberg.org/mutker/gaitmon/internal/logger"
	"codeberg.org/mutker/gaitmon/internal/poller"
	"codeberg.org/mutker/gaitmon/internal/recorder"
	"codeberg.org/mutker/gaitmon/internal/stream"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultEnvPrefix  = "GAITMON"
	DefaultBackendURL = "http://127.0.0.1:5000"
	DefaultPIDFile    = "gaitmon.pid"

	configName = "gaitmon"
	configType = "toml"
)

type Config struct {
	Command  Command        `mapstructure:"-"`
	Backend  BackendConfig  `mapstructure:"backend"`
	Poll     PollConfig     `mapstructure:"poll"`
	History  HistoryConfig  `mapstructure:"history"`
	Recorder RecorderConfig `mapstructure:"recorder"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Export   ExportConfig   `mapstructure:"export"`
	LogLevel string         `mapstructure:"log_level"`
	Debug    bool           `mapstructure:"debug"`
	Verbose  bool           `mapstructure:"verbose"`
	PIDFile  string         `mapstructure:"pid_file"`
}

// flagKeys maps flag names onto configuration keys.
var flagKeys = map[string]string{
	"backend-url":     "backend.url",
	"backend-timeout": "backend.timeout",
	"source":          "backend.source",
	"interval":        "poll.interval",
	"capacity":        "history.capacity",
	"record":          "recorder.enabled",
	"db":              "recorder.db_path",
	"retention":       "recorder.retention",
	"listen":          "stream.listen",
	"log-level":       "log_level",
	"debug":           "debug",
	"verbose":         "verbose",
	"pid-file":        "pid_file",
	"format":          "export.format",
	"session":         "export.session",
	"start-date":      "export.start_date",
	"end-date":        "export.end_date",
	"report-type":     "export.report_type",
}

func setDefaults(v *viper.Viper) {
	rec := recorder.DefaultConfig()

	v.SetDefault("backend.url", DefaultBackendURL)
	v.SetDefault("backend.timeout", backend.DefaultTimeout)
	v.SetDefault("backend.source", backend.DefaultSource)
	v.SetDefault("poll.interval", poller.DefaultInterval)
	v.SetDefault("history.capacity", history.DefaultCapacity)
	v.SetDefault("recorder.enabled", rec.Enabled)
	v.SetDefault("recorder.db_path", rec.DBPath)
	v.SetDefault("recorder.batch_size", rec.BatchSize)
	v.SetDefault("recorder.batch_timeout", rec.BatchTimeout)
	v.SetDefault("recorder.retention", rec.Retention)
	v.SetDefault("recorder.retention_schedule", rec.RetentionSchedule)
	v.SetDefault("stream.listen", stream.DefaultListen)
	v.SetDefault("stream.queue_size", stream.DefaultQueueSize)
	v.SetDefault("export.format", string(backend.FormatCSV))
	v.SetDefault("export.session", "")
	v.SetDefault("export.start_date", "")
	v.SetDefault("export.end_date", "")
	v.SetDefault("export.report_type", "")
	v.SetDefault("log_level", "")
	v.SetDefault("debug", false)
	v.SetDefault("verbose", false)
	v.SetDefault("pid_file", "")
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet(configName, pflag.ContinueOnError)

	fs.String("backend-url", DefaultBackendURL, "Analysis backend base URL")
	fs.Duration("backend-timeout", backend.DefaultTimeout, "Timeout for each backend request")
	fs.String("source", backend.DefaultSource, "Sensor source requested on start")
	fs.Duration("interval", poller.DefaultInterval, "Interval between real-time polls")
	fs.Int("capacity", history.DefaultCapacity, "Number of samples kept in history")
	fs.Bool("record", false, "Record samples to the local database")
	fs.String("db", recorder.DefaultConfig().DBPath, "Sample database path")
	fs.String("retention", recorder.DefaultConfig().Retention, "ISO-8601 retention period for recorded samples")
	fs.String("listen", stream.DefaultListen, "Stream server address, empty to disable")
	fs.String("log-level", "", "Log level (debug, info, warning, error)")
	fs.Bool("debug", false, "Enable debugging mode")
	fs.Bool("verbose", false, "Enable verbose logging")
	fs.String("pid-file", "", "PID file path")
	fs.String("format", string(backend.FormatCSV), "Export format (csv, pdf)")
	fs.String("session", "", "Export a single session")
	fs.String("start-date", "", "Start of the export or history range")
	fs.String("end-date", "", "End of the export or history range")
	fs.String("report-type", "", "Report type for PDF exports")

	return fs
}

// Load builds the configuration from args (without the program name). A
// leading non-flag argument selects the command.
func Load(args []string, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := options{
		configPath:  os.Getenv(DefaultEnvPrefix + "_CONFIG"),
		envPrefix:   DefaultEnvPrefix,
		searchPaths: []string{"/etc"},
	}
	for _, opt := range opts {
		opt(&o)
	}

	command := CommandRun
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command = Command(args[0])
		args = args[1:]
		if !command.IsValid() {
			return nil, errFactory.WithData(errors.ErrInvalidArgument, "unknown command "+string(command))
		}
	}

	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, err
		}
		return nil, errFactory.Wrap(errors.ErrInvalidArgument, err)
	}

	v := viper.New()
	setDefaults(v)

	if err := readConfigFile(v, o); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, errFactory.Wrap(errors.ErrInternal, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(ErrReadConfig, err)
	}
	cfg.Command = command

	if cfg.PIDFile == "" {
		cfg.PIDFile = defaultPIDPath()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func readConfigFile(v *viper.Viper, o options) error {
	errFactory := errors.New()

	if o.configPath != "" {
		v.SetConfigFile(o.configPath)
		v.SetConfigType(configType)
		if err := v.ReadInConfig(); err != nil {
			return errFactory.Wrap(ErrReadConfig, err)
		}
		return nil
	}

	v.SetConfigName(configName)
	v.SetConfigType(configType)
	for _, p := range o.searchPaths {
		v.AddConfigPath(p)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return errFactory.Wrap(ErrReadConfig, err)
	}

	return nil
}

func defaultPIDPath() string {
	if dir := os.Getenv("RUNTIME_DIRECTORY"); dir != "" {
		return filepath.Join(dir, DefaultPIDFile)
	}
	return filepath.Join(os.TempDir(), DefaultPIDFile)
}

// Validate checks every section.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if err := c.BackendClient().Validate(); err != nil {
		return errFactory.Wrap(ErrInvalidConfig, err)
	}
	if c.Poll.Interval <= 0 {
		return errFactory.WithData(ErrInvalidInterval, c.Poll.Interval)
	}
	if c.History.Capacity <= 0 {
		return errFactory.WithData(ErrInvalidCapacity, c.History.Capacity)
	}
	if c.Stream.QueueSize < 0 {
		return errFactory.WithData(ErrInvalidConfig, "stream.queue_size must not be negative")
	}
	if c.LogLevel != "" {
		if _, ok := logger.ParseLevel(c.LogLevel); !ok {
			return errFactory.WithData(ErrInvalidLogLevel, c.LogLevel)
		}
	}
	if err := c.RecorderSettings().Validate(); err != nil {
		return errFactory.Wrap(ErrInvalidConfig, err)
	}
	if c.Command == CommandExport {
		if _, err := c.ExportRequest(); err != nil {
			return errFactory.Wrap(ErrInvalidConfig, err)
		}
	}

	return nil
}

// Level resolves the log level: log_level wins, then --debug, then
// --verbose, else warnings only.
func (c *Config) Level() logger.LogLevel {
	if level, ok := logger.ParseLevel(c.LogLevel); ok && c.LogLevel != "" {
		return level
	}

	switch {
	case c.Debug:
		return logger.DebugLevel
	case c.Verbose:
		return logger.InfoLevel
	default:
		return logger.WarnLevel
	}
}
