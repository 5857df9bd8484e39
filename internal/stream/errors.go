package stream

import "codeberg.org/mutker/gaitmon/internal/errors"

const (
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrListenFailed  = errors.ErrorCode("stream_listen_failed")
	ErrEncodeFailed  = errors.ErrorCode("stream_encode_failed")
	ErrShutdown      = errors.ErrShutdownFailed
)

func init() {
	errors.RegisterMessage(ErrListenFailed, "Failed to listen for stream clients")
	errors.RegisterMessage(ErrEncodeFailed, "Failed to encode stream message")
}
