package alarm

import "errors"

var (
	// ErrDecode is returned for payloads that are not a JSON object.
	ErrDecode = errors.New("alarm: cannot decode payload")

	// ErrMissingDeviceID is returned when the payload has no dev_id.
	ErrMissingDeviceID = errors.New("alarm: payload has no dev_id")

	// ErrNotReady is returned when an event arrives before MarkReady under
	// the drop policy.
	ErrNotReady = errors.New("alarm: dispatcher not ready")

	// ErrNoSender is recorded for recipients whose channel has no sender.
	ErrNoSender = errors.New("alarm: no sender for channel")
)
