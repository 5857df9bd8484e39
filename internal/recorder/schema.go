package recorder

import (
	"database/sql"

	"codeberg.org/mutker/gaitmon/internal/errors"
	"codeberg.org/mutker/gaitmon/internal/logger"
)

const (
	SchemaVersion = 1

	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS sessions (
	       id          TEXT PRIMARY KEY,
	       started_at  INTEGER NOT NULL CHECK (typeof(started_at) = 'integer'),
	       stopped_at  INTEGER
	   );
	   CREATE TABLE IF NOT EXISTS samples (
	       id            INTEGER PRIMARY KEY AUTOINCREMENT,
	       session_id    TEXT NOT NULL,
	       timestamp_ms  INTEGER NOT NULL CHECK (typeof(timestamp_ms) = 'integer'),
	       acc_x         REAL NOT NULL,
	       acc_y         REAL NOT NULL,
	       acc_z         REAL NOT NULL,
	       gyro_x        REAL NOT NULL,
	       gyro_y        REAL NOT NULL,
	       gyro_z        REAL NOT NULL,
	       pressure      TEXT NOT NULL,
	       gait_phase    TEXT NOT NULL CHECK (gait_phase IN ('stance', 'swing')),
	       posture_score REAL NOT NULL CHECK (posture_score BETWEEN 0 AND 100)
	   );
	   CREATE INDEX IF NOT EXISTS idx_samples_session ON samples (session_id, timestamp_ms);
	   CREATE INDEX IF NOT EXISTS idx_samples_timestamp ON samples (timestamp_ms);`

	insertSampleSQL = `
    INSERT INTO samples (
        session_id, timestamp_ms,
        acc_x, acc_y, acc_z,
        gyro_x, gyro_y, gyro_z,
        pressure, gait_phase, posture_score
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	upsertSessionStartSQL = `
    INSERT INTO sessions (id, started_at) VALUES (?, ?)
    ON CONFLICT (id) DO UPDATE SET started_at = excluded.started_at`

	upsertSessionStopSQL = `
    INSERT INTO sessions (id, started_at, stopped_at) VALUES (?, ?, ?)
    ON CONFLICT (id) DO UPDATE SET stopped_at = excluded.stopped_at`

	selectSamplesSQL = `
    SELECT timestamp_ms,
        acc_x, acc_y, acc_z,
        gyro_x, gyro_y, gyro_z,
        pressure, gait_phase, posture_score
    FROM samples
    WHERE session_id = ?
    ORDER BY timestamp_ms, id`

	selectSessionsSQL = `
    SELECT s.id, s.started_at, s.stopped_at, COUNT(m.id)
    FROM sessions s
    LEFT JOIN samples m ON m.session_id = s.id
    GROUP BY s.id
    ORDER BY s.started_at`

	pruneSamplesSQL  = `DELETE FROM samples WHERE timestamp_ms < ?`
	pruneSessionsSQL = `
    DELETE FROM sessions
    WHERE stopped_at IS NOT NULL AND stopped_at < ?
      AND NOT EXISTS (SELECT 1 FROM samples WHERE samples.session_id = sessions.id)`
)

var managedTables = []string{"samples", "sessions", "schema_versions"}

// InitSchema creates a new database schema with the current version
func InitSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	log.Debug().Msg("Creating database...")

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Debug().Err(err).Msg("Failed to rollback transaction")
			}
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Phase string
			Error string
		}{
			Phase: "create_tables",
			Error: err.Error(),
		})
	}

	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Phase string
			Error string
		}{
			Phase: "record_version",
			Error: err.Error(),
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().
		Int("version", SchemaVersion).
		Msg("Schema initialized successfully")

	return nil
}

// GetSchemaVersion returns the stored schema version, or 0 for an empty
// database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}

	return version, nil
}

// TableExists checks if a table exists
func TableExists(db *sql.DB, tableName string) (bool, error) {
	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errors.New().WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: tableName,
			Error: err.Error(),
		})
	}

	return exists, nil
}
