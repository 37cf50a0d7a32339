package aip

import (
	"errors"
	"fmt"
)

// Protocol error codes. Offending frames are dropped by the router; the
// session survives unless bad frames arrive in a long enough run.
const (
	CodeMalformedFrame     = "malformed_frame"
	CodeMissingType        = "missing_type"
	CodeUnknownType        = "unknown_type"
	CodeMissingCorrelation = "missing_correlation_id"
	CodeSchemaViolation    = "schema_violation"
)

// ProtocolError reports a frame that violates the protocol.
type ProtocolError struct {
	Code    string
	Message string
}

// Error implements error.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (%s): %s", e.Code, e.Message)
}

// AsProtocolError unwraps err as a *ProtocolError if possible.
func AsProtocolError(err error) (*ProtocolError, bool) {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}
