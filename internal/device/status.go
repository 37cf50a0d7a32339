package device

// Status represents the lifecycle phases of a device connection.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	Idle
	Busy
	Failed
)

// String returns the canonical lowercase token used across APIs and logs.
func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Idle:
		return "idle"
	case Busy:
		return "busy"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsConnected checks if the device has a live session.
func (s Status) IsConnected() bool {
	return s == Connected || s == Idle || s == Busy
}

// IsAvailable checks if the device can accept a task right now.
func (s Status) IsAvailable() bool {
	return s == Idle
}

// CanTransition reports whether moving from s to next is a legal edge of
// the device lifecycle. Failed is reachable from every status; setting the
// same status again is an idempotent no-op.
func (s Status) CanTransition(next Status) bool {
	if next == Failed || next == s {
		return true
	}
	switch s {
	case Disconnected:
		return next == Connecting
	case Connecting:
		return next == Connected
	case Connected:
		return next == Idle || next == Disconnected
	case Idle:
		return next == Busy || next == Disconnected
	case Busy:
		return next == Idle || next == Disconnected
	case Failed:
		return next == Connecting
	default:
		return false
	}
}
