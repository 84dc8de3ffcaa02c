package config

import "errors"

var (
	// ErrInvalidConfig is returned for malformed process settings.
	ErrInvalidConfig = errors.New("config: invalid settings")

	// ErrInvalidTenant is returned for a missing or malformed tenant entry.
	ErrInvalidTenant = errors.New("config: invalid tenant")
)
