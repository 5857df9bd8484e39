package config

import "codeberg.org/mutker/gaitmon/internal/errors"

const (
	ErrInvalidConfig   = errors.ErrInvalidConfig
	ErrReadConfig      = errors.ErrReadConfig
	ErrInvalidInterval = errors.ErrInvalidInterval
	ErrInvalidCapacity = errors.ErrInvalidCapacity
	ErrInvalidLogLevel = errors.ErrInvalidLogLevel
)
