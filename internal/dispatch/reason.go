package dispatch

// Reason explains why a submission resolved the way it did.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonTaskFailed
	ReasonTimeout
	ReasonDisconnected
	ReasonCancelled
	ReasonDeviceUnavailable
	ReasonProtocolError
)

// String implements fmt.Stringer.
func (r Reason) String() string {
	switch r {
	case ReasonTaskFailed:
		return "task_failed"
	case ReasonTimeout:
		return "timeout"
	case ReasonDisconnected:
		return "disconnected"
	case ReasonCancelled:
		return "cancelled"
	case ReasonDeviceUnavailable:
		return "device_unavailable"
	case ReasonProtocolError:
		return "protocol_error"
	default:
		return ""
	}
}
