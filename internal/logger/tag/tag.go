// Package tag provides typed slog attribute constructors so log fields
// keep consistent keys across the codebase.
package tag

import (
	"log/slog"
	"time"
)

// Error returns an attribute for an error value. A nil error is logged
// as an empty string.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String("err", "")
	}
	return slog.String("err", err.Error())
}

// Device returns an attribute for a device identifier.
func Device(id string) slog.Attr {
	return slog.String("device", id)
}

// Task returns an attribute for a task identifier.
func Task(id string) slog.Attr {
	return slog.String("task", id)
}

// Star returns an attribute for a constellation star name.
func Star(name string) slog.Attr {
	return slog.String("star", name)
}

// Constellation returns an attribute for a constellation name.
func Constellation(name string) slog.Attr {
	return slog.String("constellation", name)
}

// Session returns an attribute for a session identifier.
func Session(id string) slog.Attr {
	return slog.String("session", id)
}

// Status returns an attribute for any stringer-style status value.
func Status(s string) slog.Attr {
	return slog.String("status", s)
}

// Reason returns an attribute describing why something happened.
func Reason(r string) slog.Attr {
	return slog.String("reason", r)
}

// MsgType returns an attribute for a wire message type.
func MsgType(t string) slog.Attr {
	return slog.String("msg_type", t)
}

// Correlation returns an attribute for a correlation identifier.
func Correlation(id string) slog.Attr {
	return slog.String("correlation", id)
}

// Attempt returns an attribute for a retry attempt counter.
func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}

// Count returns a generic count attribute.
func Count(n int) slog.Attr {
	return slog.Int("count", n)
}

// Duration returns an attribute for an elapsed or configured duration.
func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

// Strategy returns an attribute for an assignment strategy name.
func Strategy(name string) slog.Attr {
	return slog.String("strategy", name)
}

// URL returns an attribute for a relay or endpoint URL.
func URL(u string) slog.Attr {
	return slog.String("url", u)
}
