package device

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateDevice is returned when registering an id that exists.
	ErrDuplicateDevice = errors.New("device id already registered")
	// ErrUnknownDevice is returned for operations on an unregistered id.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrMissingOS is returned when a profile has no os tag and none can be
	// promoted from metadata.
	ErrMissingOS = errors.New("device profile has no os tag")
	// ErrInvalidEndpoint is returned when the endpoint URL does not parse
	// or uses an unsupported scheme.
	ErrInvalidEndpoint = errors.New("invalid endpoint url")
	// ErrInvalidProfile is returned when a profile is structurally unusable.
	ErrInvalidProfile = errors.New("invalid device profile")
)

// TransitionError reports an attempt to move a device along an edge the
// lifecycle does not allow.
type TransitionError struct {
	DeviceID string
	From     Status
	To       Status
}

// Error implements error.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal status transition %s -> %s for device %q", e.From, e.To, e.DeviceID)
}
