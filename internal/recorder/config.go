package recorder

import (
	"time"

	"codeberg.org/mutker/gaitmon/internal/errors"
	"github.com/robfig/cron/v3"
	"github.com/sosodev/duration"
)

const (
	// File system permissions and paths
	defaultDirPerm = 0o755
	defaultDBPath  = "/var/lib/gaitmon/samples.db"

	defaultBatchSize         = 50
	defaultBatchTimeout      = 5 * time.Second
	defaultRetention         = "P30D"
	defaultRetentionSchedule = "@daily"

	// Samples kept in memory while the database refuses writes.
	maxPendingBatches = 20
)

type Config struct {
	Enabled      bool
	DBPath       string
	BatchSize    int
	BatchTimeout time.Duration
	// Retention is an ISO-8601 duration such as P30D. Empty or zero keeps
	// samples forever.
	Retention         string
	RetentionSchedule string
}

func DefaultConfig() Config {
	return Config{
		Enabled:           false, // Disabled by default
		DBPath:            defaultDBPath,
		BatchSize:         defaultBatchSize,
		BatchTimeout:      defaultBatchTimeout,
		Retention:         defaultRetention,
		RetentionSchedule: defaultRetentionSchedule,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	// Only validate the rest if recording is enabled
	if !c.Enabled {
		return nil
	}
	if c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BatchSize <= 0 {
		return errFactory.WithData(ErrInvalidConfig, "batch_size must be positive")
	}
	if c.BatchTimeout < 0 {
		return errFactory.WithData(ErrInvalidConfig, "batch_timeout must not be negative")
	}
	if _, err := c.RetentionPeriod(); err != nil {
		return err
	}
	if c.RetentionSchedule != "" {
		if _, err := cron.ParseStandard(c.RetentionSchedule); err != nil {
			return errFactory.Wrap(ErrInvalidSchedule, err)
		}
	}

	return nil
}

// RetentionPeriod parses Retention. Zero means keep forever.
func (c Config) RetentionPeriod() (time.Duration, error) {
	if c.Retention == "" {
		return 0, nil
	}

	d, err := duration.Parse(c.Retention)
	if err != nil {
		return 0, errors.New().Wrap(ErrInvalidRetention, err)
	}
	period := d.ToTimeDuration()
	if period < 0 {
		return 0, errors.New().WithData(ErrInvalidRetention, c.Retention)
	}

	return period, nil
}
