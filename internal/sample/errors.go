package sample

import "codeberg.org/mutker/gaitmon/internal/errors"

const (
	ErrInvalidSample = errors.ErrorCode("sample_invalid")
)

func init() {
	errors.RegisterMessage(ErrInvalidSample, "Invalid sample")
}
