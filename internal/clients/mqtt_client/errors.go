package mqtt_client

import "errors"

// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotConnected is returned when publishing on a disconnected handle.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrConnectionFailed wraps the cause of a failed connection attempt.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrNoHandler is returned by Connect when no message handler is set.
	ErrNoHandler = errors.New("mqtt: message handler not set")

	// ErrClosed is returned when connecting a handle that was disconnected.
	ErrClosed = errors.New("mqtt: client closed")

	// ErrSubscribeFailed is returned when the broker rejects a subscription.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrPublishFailed is returned when a publish is not accepted.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrInvalidTopic is returned for empty or wildcard topic segments.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")

	// ErrDuplicateTenant is returned by Registry.Register for a repeated name.
	ErrDuplicateTenant = errors.New("mqtt: duplicate tenant")

	// ErrUnknownTenant is returned by Registry lookups for a missing name.
	ErrUnknownTenant = errors.New("mqtt: unknown tenant")
)
