// Package recorder stores accepted samples and session boundaries in a
// local SQLite database and prunes them on a retention schedule.
package recorder

import (
	"context"
	"time"

	"codeberg.org/mutker/gaitmon/internal/errors"
	"codeberg.org/mutker/gaitmon/internal/logger"
	"codeberg.org/mutker/gaitmon/internal/poller"
	"github.com/robfig/cron/v3"
)

type service struct {
	store     Store
	log       logger.Logger
	retention time.Duration
	cron      *cron.Cron
	now       func() time.Time
}

type noopRecorder struct{}

// Option customizes a Recorder built by NewWithStore.
type Option func(*service)

// WithClock replaces the clock used to compute the retention cutoff.
func WithClock(now func() time.Time) Option {
	return func(s *service) {
		s.now = now
	}
}

// New returns a Recorder for cfg. A disabled config yields a Recorder that
// drops everything.
func New(cfg Config, log logger.Logger) (Recorder, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		log.Debug().Msg("Sample recording disabled, using no-op recorder")
		return noopRecorder{}, nil
	}

	store, err := NewRepository(cfg, log)
	if err != nil {
		return nil, err
	}

	return NewWithStore(store, cfg, log)
}

// NewWithStore builds a Recorder around an existing store and schedules
// retention pruning when both a retention period and a schedule are set.
func NewWithStore(store Store, cfg Config, log logger.Logger, opts ...Option) (Recorder, error) {
	errFactory := errors.New()

	retention, err := cfg.RetentionPeriod()
	if err != nil {
		return nil, err
	}

	s := &service{
		store:     store,
		log:       log,
		retention: retention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if retention > 0 && cfg.RetentionSchedule != "" {
		s.cron = cron.New()
		if _, err := s.cron.AddFunc(cfg.RetentionSchedule, s.prune); err != nil {
			return nil, errFactory.Wrap(ErrInvalidSchedule, err)
		}
		s.cron.Start()

		log.Debug().
			Dur("retention", retention).
			Str("schedule", cfg.RetentionSchedule).
			Msg("Retention pruning scheduled")
	}

	return s, nil
}

func (s *service) Update(_ context.Context, u poller.Update) error {
	if err := s.store.Append(Record{SessionID: u.SessionID, Sample: u.Latest}); err != nil {
		return errors.New().Wrap(errors.ErrOperationFailed, err)
	}

	return nil
}

func (s *service) SessionStarted(ctx context.Context, id string, at time.Time) {
	if err := s.store.StartSession(ctx, id, at); err != nil {
		s.log.Error().Err(err).Str("session", id).Msg("Failed to record session start")
	}
}

func (s *service) SessionStopped(ctx context.Context, id string, at time.Time) {
	if err := s.store.StopSession(ctx, id, at); err != nil {
		s.log.Error().Err(err).Str("session", id).Msg("Failed to record session stop")
	}
}

func (s *service) prune() {
	before := s.now().Add(-s.retention)

	deleted, err := s.store.Prune(context.Background(), before)
	if err != nil {
		s.log.Error().Err(err).Msg("Retention pruning failed")
		return
	}

	s.log.Info().
		Int64("deleted", deleted).
		Time("before", before).
		Msg("Pruned old samples")
}

func (s *service) Close() error {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}

	if err := s.store.Close(); err != nil {
		return errors.New().Wrap(ErrStorageClose, err)
	}

	return nil
}

func (noopRecorder) Update(context.Context, poller.Update) error         { return nil }
func (noopRecorder) SessionStarted(context.Context, string, time.Time) {}
func (noopRecorder) SessionStopped(context.Context, string, time.Time) {}
func (noopRecorder) Close() error                                      { return nil }
