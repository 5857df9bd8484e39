package poller

import "codeberg.org/mutker/gaitmon/internal/errors"

const (
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrStartFailed   = errors.ErrorCode("poller_start_failed")
	ErrStopFailed    = errors.ErrorCode("poller_stop_failed")
	ErrPollFailed    = errors.ErrorCode("poller_poll_failed")
	ErrExportFailed  = errors.ErrorCode("poller_export_failed")
	ErrSinkFailed    = errors.ErrorCode("poller_sink_failed")
)

func init() {
	errors.RegisterMessage(ErrStartFailed, "Failed to start collection")
	errors.RegisterMessage(ErrStopFailed, "Failed to stop collection")
	errors.RegisterMessage(ErrPollFailed, "Failed to poll real-time data")
	errors.RegisterMessage(ErrExportFailed, "Failed to export data")
	errors.RegisterMessage(ErrSinkFailed, "Sink update failed")
}
