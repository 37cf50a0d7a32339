// Package heartbeat runs the per-device liveness loop: probe, await the
// correlated reply, record the touch, sleep, repeat. The reply timeout is
// twice the interval so one lost probe does not flap the session.
package heartbeat

import (
	"context"
	"time"

	"github.com/asterism-org/asterism/internal/logger"
	"github.com/asterism-org/asterism/internal/logger/tag"
)

// ReasonTimeout is the disconnect reason reported when a device misses its
// reply window.
const ReasonTimeout = "heartbeat_timeout"

// Prober sends one heartbeat for the device and blocks until the correlated
// reply arrives or the timeout elapses.
type Prober interface {
	Probe(ctx context.Context, deviceID string, timeout time.Duration) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, deviceID string, timeout time.Duration) error

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, deviceID string, timeout time.Duration) error {
	return f(ctx, deviceID, timeout)
}

// Config wires a Monitor to its collaborators.
type Config struct {
	// Interval is the probe cadence. The reply timeout is 2x this value.
	Interval time.Duration
	Prober   Prober
	// Touch records a successful probe on the device profile.
	Touch func(deviceID string) error
	// OnTimeout is the coordinator's disconnect handler.
	OnTimeout func(deviceID, reason string)
	Logger    logger.Logger
}

// Monitor drives one liveness loop per connected device.
type Monitor struct {
	cfg Config
}

// New creates a Monitor.
func New(cfg Config) *Monitor {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewLogger()
	}
	return &Monitor{cfg: cfg}
}

// Interval returns the probe cadence.
func (m *Monitor) Interval() time.Duration {
	return m.cfg.Interval
}

// Run loops until the device misses a reply window or ctx is canceled.
// Cancellation is cooperative: the loop exits at its next check without
// invoking the timeout handler.
func (m *Monitor) Run(ctx context.Context, deviceID string) {
	timeout := 2 * m.cfg.Interval
	for {
		err := m.cfg.Prober.Probe(ctx, deviceID, timeout)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.cfg.Logger.Warn("heartbeat reply missed",
				tag.Device(deviceID), tag.Duration(timeout), tag.Error(err))
			m.cfg.OnTimeout(deviceID, ReasonTimeout)
			return
		}

		if err := m.cfg.Touch(deviceID); err != nil {
			// The device was deregistered out from under the loop.
			m.cfg.Logger.Debug("heartbeat touch failed", tag.Device(deviceID), tag.Error(err))
			return
		}

		timer := time.NewTimer(m.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
