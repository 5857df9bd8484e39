package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/gaitmon/internal/errors"
	"codeberg.org/mutker/gaitmon/internal/logger"
	"codeberg.org/mutker/gaitmon/internal/sample"
	_ "github.com/mattn/go-sqlite3"
)

type repository struct {
	db            *sql.DB
	logger        logger.Logger
	cfg           Config
	mu            sync.Mutex
	buffer        []Record
	flushTicker   *time.Ticker
	shutdownChan  chan struct{}
	flushDoneChan chan struct{}
	closeOnce     sync.Once
}

// NewRepository opens or creates the sample database at cfg.DBPath.
// Records are written in batches of cfg.BatchSize, and at least every
// cfg.BatchTimeout when it is positive.
func NewRepository(cfg Config, log logger.Logger) (Store, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	dsn := cfg.DBPath + "?_journal=WAL&_auto_vacuum=2&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	backupDir := filepath.Join(filepath.Dir(cfg.DBPath), "backups")
	if err := ValidateAndUpdateSchema(db, backupDir, log); err != nil {
		db.Close()
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Int("batch_size", cfg.BatchSize).
		Dur("batch_timeout", cfg.BatchTimeout).
		Msg("Sample repository initialized")

	repo := &repository{
		db:            db,
		logger:        log,
		cfg:           cfg,
		buffer:        make([]Record, 0, cfg.BatchSize),
		shutdownChan:  make(chan struct{}),
		flushDoneChan: make(chan struct{}),
	}

	if cfg.BatchTimeout > 0 {
		repo.flushTicker = time.NewTicker(cfg.BatchTimeout)
		go repo.flusher()
	} else {
		close(repo.flushDoneChan)
	}

	return repo, nil
}

func (r *repository) Append(rec Record) error {
	if rec.SessionID == "" {
		return errors.New().WithMessage(ErrInvalidRecord, "record without session")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.buffer = append(r.buffer, Record{SessionID: rec.SessionID, Sample: rec.Sample.Clone()})

	if len(r.buffer) >= r.cfg.BatchSize {
		return r.flush()
	}

	return nil
}

func (r *repository) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.flush()
}

func (r *repository) StartSession(ctx context.Context, id string, at time.Time) error {
	if _, err := r.db.ExecContext(ctx, upsertSessionStartSQL, id, at.UnixMilli()); err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	return nil
}

// StopSession flushes pending samples so the session is complete on disk
// once it is marked stopped.
func (r *repository) StopSession(ctx context.Context, id string, at time.Time) error {
	if err := r.Flush(); err != nil {
		r.logger.Warn().Err(err).Str("session", id).Msg("Flush before session stop failed")
	}

	ms := at.UnixMilli()
	if _, err := r.db.ExecContext(ctx, upsertSessionStopSQL, id, ms, ms); err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}

	return nil
}

// Prune deletes samples older than before and stopped sessions left
// without samples. It returns the number of deleted samples.
func (r *repository) Prune(ctx context.Context, before time.Time) (int64, error) {
	errFactory := errors.New()

	if err := r.Flush(); err != nil {
		r.logger.Warn().Err(err).Msg("Flush before prune failed")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errFactory.Wrap(ErrPruneFailed, err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			r.logger.Debug().Err(err).Msg("Failed to rollback prune")
		}
	}()

	cutoff := before.UnixMilli()
	res, err := tx.ExecContext(ctx, pruneSamplesSQL, cutoff)
	if err != nil {
		return 0, errFactory.Wrap(ErrPruneFailed, err)
	}
	if _, err := tx.ExecContext(ctx, pruneSessionsSQL, cutoff); err != nil {
		return 0, errFactory.Wrap(ErrPruneFailed, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, errFactory.Wrap(ErrPruneFailed, err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, errFactory.Wrap(ErrPruneFailed, err)
	}

	return deleted, nil
}

// Samples returns the stored samples of a session, oldest first.
func (r *repository) Samples(ctx context.Context, sessionID string) ([]sample.Sample, error) {
	errFactory := errors.New()

	rows, err := r.db.QueryContext(ctx, selectSamplesSQL, sessionID)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var out []sample.Sample
	for rows.Next() {
		var (
			ms       int64
			s        sample.Sample
			pressure string
			phase    string
		)
		if err := rows.Scan(&ms,
			&s.Acceleration[0], &s.Acceleration[1], &s.Acceleration[2],
			&s.Gyroscope[0], &s.Gyroscope[1], &s.Gyroscope[2],
			&pressure, &phase, &s.PostureScore,
		); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		if err := json.Unmarshal([]byte(pressure), &s.Pressure); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		if s.GaitPhase, err = sample.ParseGaitPhase(phase); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		s.Timestamp = time.UnixMilli(ms).UTC()
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return out, nil
}

// Sessions lists stored sessions by start time.
func (r *repository) Sessions(ctx context.Context) ([]Session, error) {
	errFactory := errors.New()

	rows, err := r.db.QueryContext(ctx, selectSessionsSQL)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			s       Session
			started int64
			stopped sql.NullInt64
		)
		if err := rows.Scan(&s.ID, &started, &stopped, &s.Samples); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		s.StartedAt = time.UnixMilli(started).UTC()
		if stopped.Valid {
			s.StoppedAt = time.UnixMilli(stopped.Int64).UTC()
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return out, nil
}

func (r *repository) Close() error {
	var closeErr error

	r.closeOnce.Do(func() {
		close(r.shutdownChan)
		if r.flushTicker != nil {
			r.flushTicker.Stop()
		}

		// Wait for the flusher to finish its final flush
		<-r.flushDoneChan

		if err := r.Flush(); err != nil {
			r.logger.Error().Err(err).Int("pending", len(r.buffer)).Msg("Dropping unflushed samples")
		}

		if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			closeErr = errors.New().WithData(ErrStorageClose, struct {
				Phase string
				Error string
			}{
				Phase: "checkpoint_wal",
				Error: err.Error(),
			})
		}

		if err := r.db.Close(); err != nil && closeErr == nil {
			closeErr = errors.New().WithData(ErrStorageClose, struct {
				Phase string
				Error string
			}{
				Phase: "close_database",
				Error: err.Error(),
			})
		}

		r.logger.Info().Msg("Sample repository closed")
	})

	return closeErr
}

func (r *repository) flusher() {
	defer close(r.flushDoneChan)

	for {
		select {
		case <-r.flushTicker.C:
			r.mu.Lock()
			if err := r.flush(); err != nil {
				r.logger.Warn().Err(err).Msg("Periodic flush failed")
			}
			r.mu.Unlock()
		case <-r.shutdownChan:
			return
		}
	}
}

// flush writes the buffer in one transaction. On failure the buffer is
// kept for the next attempt, trimmed to the newest maxPendingBatches
// batches. Callers hold r.mu.
func (r *repository) flush() error {
	if len(r.buffer) == 0 {
		return nil
	}

	if err := r.write(r.buffer); err != nil {
		if limit := r.cfg.BatchSize * maxPendingBatches; len(r.buffer) > limit {
			dropped := len(r.buffer) - limit
			r.buffer = append(r.buffer[:0], r.buffer[dropped:]...)
			r.logger.Warn().Int("dropped", dropped).Msg("Pending samples over limit, oldest dropped")
		}
		return err
	}

	r.logger.Debug().Int("records", len(r.buffer)).Msg("Flushed samples to database")
	r.buffer = r.buffer[:0]

	return nil
}

func (r *repository) write(records []Record) error {
	errFactory := errors.New()

	tx, err := r.db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	rollback := func() {
		if err := tx.Rollback(); err != nil {
			r.logger.Error().Err(err).Msg("Failed to roll back transaction")
		}
	}

	stmt, err := tx.Prepare(insertSampleSQL)
	if err != nil {
		rollback()
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer stmt.Close()

	for _, rec := range records {
		s := rec.Sample
		pressure, err := json.Marshal(pressureValues(s.Pressure))
		if err != nil {
			rollback()
			return errFactory.Wrap(ErrInvalidRecord, err)
		}

		if _, err := stmt.Exec(
			rec.SessionID,
			s.Timestamp.UnixMilli(),
			s.Acceleration[0], s.Acceleration[1], s.Acceleration[2],
			s.Gyroscope[0], s.Gyroscope[1], s.Gyroscope[2],
			string(pressure),
			string(s.GaitPhase),
			s.PostureScore,
		); err != nil {
			rollback()
			return errFactory.Wrap(ErrTransactionFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	return nil
}

func pressureValues(p []float64) []float64 {
	if p == nil {
		return []float64{}
	}
	return p
}
