package test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/asterism-org/asterism/internal/coordinator"
	"github.com/asterism-org/asterism/internal/device"
	"github.com/asterism-org/asterism/internal/eventbus"
	"github.com/asterism-org/asterism/internal/logger"
)

// Option defines functional options for Setup.
type Option func(*Options)

// Options collects the harness configuration.
type Options struct {
	HeartbeatInterval time.Duration
	ReconnectInitial  time.Duration
	ReconnectMax      time.Duration
	TaskTimeout       time.Duration
	Coordinator       []coordinator.Option
}

// WithHeartbeatInterval overrides the probe cadence. Reply, registration,
// and grace windows all follow it.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(opts *Options) {
		opts.HeartbeatInterval = d
	}
}

// WithReconnectDelays overrides the backoff base and cap.
func WithReconnectDelays(initial, max time.Duration) Option {
	return func(opts *Options) {
		opts.ReconnectInitial = initial
		opts.ReconnectMax = max
	}
}

// WithTaskTimeout overrides the default submission deadline.
func WithTaskTimeout(d time.Duration) Option {
	return func(opts *Options) {
		opts.TaskTimeout = d
	}
}

// WithCoordinatorOptions appends raw coordinator options.
func WithCoordinatorOptions(copts ...coordinator.Option) Option {
	return func(opts *Options) {
		opts.Coordinator = append(opts.Coordinator, copts...)
	}
}

// Harness bundles a relay and a coordinator dialing it over real sockets,
// sharing one event bus.
type Harness struct {
	Relay       *Relay
	Coordinator *coordinator.Coordinator
	Bus         *eventbus.Bus

	t *testing.T
}

// Setup starts a relay and a coordinator pointed at it, with timings fast
// enough for liveness and reconnect tests to run in milliseconds.
func Setup(t *testing.T, opts ...Option) *Harness {
	t.Helper()

	options := Options{
		HeartbeatInterval: 25 * time.Millisecond,
		ReconnectInitial:  20 * time.Millisecond,
		ReconnectMax:      100 * time.Millisecond,
		TaskTimeout:       2 * time.Second,
	}
	for _, opt := range opts {
		opt(&options)
	}

	relay := NewRelay(t)
	bus := eventbus.New(eventbus.WithLogger(quietLogger()))

	base := []coordinator.Option{
		coordinator.WithClientID("harness"),
		coordinator.WithBus(bus),
		coordinator.WithLogger(quietLogger()),
		coordinator.WithHeartbeatInterval(options.HeartbeatInterval),
		coordinator.WithReconnectDelays(options.ReconnectInitial, options.ReconnectMax),
		coordinator.WithDefaultTaskTimeout(options.TaskTimeout),
	}
	coord := coordinator.New(append(base, options.Coordinator...)...)
	t.Cleanup(coord.Close)

	return &Harness{Relay: relay, Coordinator: coord, Bus: bus, t: t}
}

// Register adds a device profile pointing at the relay.
func (h *Harness) Register(deviceID string, capabilities ...string) {
	h.t.Helper()
	require.NoError(h.t, h.Coordinator.RegisterDevice(device.Profile{
		DeviceID:     deviceID,
		EndpointURL:  h.Relay.URL(),
		OS:           "android",
		Capabilities: capabilities,
	}, false))
}

// Connect registers the device, runs the connect sequence, and blocks until
// it settles Idle. The returned script is live for the whole test.
func (h *Harness) Connect(deviceID string, capabilities ...string) *FakeDevice {
	h.t.Helper()
	dev := h.Relay.Device(deviceID)
	h.Register(deviceID, capabilities...)
	require.NoError(h.t, h.Coordinator.ConnectDevice(context.Background(), deviceID))
	h.WaitStatus(deviceID, device.Idle)
	return dev
}

// WaitStatus blocks until the device reports the wanted status.
func (h *Harness) WaitStatus(deviceID string, want device.Status) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		snap, err := h.Coordinator.DeviceSnapshot(deviceID)
		return err == nil && snap.Status == want
	}, 5*time.Second, 5*time.Millisecond, "device %s never reached %s", deviceID, want)
}

func quietLogger() logger.Logger {
	return logger.NewLogger(logger.WithQuiet())
}
