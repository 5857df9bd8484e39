package recorder

import "codeberg.org/mutker/gaitmon/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig    = errors.ErrInvalidConfig
	ErrInvalidDBPath    = errors.ErrorCode("recorder_invalid_db_path")
	ErrInvalidRetention = errors.ErrorCode("recorder_invalid_retention")
	ErrInvalidSchedule  = errors.ErrorCode("recorder_invalid_schedule")

	// Schema Errors
	ErrSchemaInitFailed       = errors.ErrorCode("recorder_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("recorder_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("recorder_schema_migration_failed")
	ErrTransactionFailed      = errors.ErrorCode("recorder_transaction_failed")

	// Storage Errors
	ErrStorageAccess = errors.ErrorCode("recorder_storage_access_failed")
	ErrStorageInit   = errors.ErrInitFailed
	ErrStorageClose  = errors.ErrShutdownFailed

	// Collection Errors
	ErrInvalidRecord = errors.ErrorCode("recorder_invalid_record")
	ErrPruneFailed   = errors.ErrorCode("recorder_prune_failed")
)

func init() {
	errors.RegisterMessage(ErrInvalidDBPath, "Recorder database path is empty")
	errors.RegisterMessage(ErrInvalidRetention, "Invalid retention period")
	errors.RegisterMessage(ErrInvalidSchedule, "Invalid retention schedule")
	errors.RegisterMessage(ErrSchemaInitFailed, "Failed to initialize recorder schema")
	errors.RegisterMessage(ErrSchemaValidationFailed, "Failed to validate recorder schema")
	errors.RegisterMessage(ErrSchemaMigrationFailed, "Failed to migrate recorder schema")
	errors.RegisterMessage(ErrTransactionFailed, "Recorder transaction failed")
	errors.RegisterMessage(ErrStorageAccess, "Recorder storage access failed")
	errors.RegisterMessage(ErrInvalidRecord, "Invalid record")
	errors.RegisterMessage(ErrPruneFailed, "Failed to prune old samples")
}
