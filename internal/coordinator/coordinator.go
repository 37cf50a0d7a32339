// Package coordinator composes the registry, transport, router, heartbeat
// monitor, and per-device queues into the fleet-facing API: register,
// connect, disconnect, reconnect, and submit. It is the only writer of
// device status.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/asterism-org/asterism/internal/aip"
	"github.com/asterism-org/asterism/internal/backoff"
	"github.com/asterism-org/asterism/internal/device"
	"github.com/asterism-org/asterism/internal/dispatch"
	"github.com/asterism-org/asterism/internal/eventbus"
	"github.com/asterism-org/asterism/internal/heartbeat"
	"github.com/asterism-org/asterism/internal/logger"
	"github.com/asterism-org/asterism/internal/logger/tag"
	"github.com/asterism-org/asterism/internal/router"
	"github.com/asterism-org/asterism/internal/taskqueue"
	"github.com/asterism-org/asterism/internal/transport"
)

// Defaults applied when an option is not set.
const (
	DefaultHeartbeatInterval     = 30 * time.Second
	DefaultInitialReconnectDelay = 5 * time.Second
	DefaultMaxReconnectDelay     = 300 * time.Second
	DefaultMaxRetries            = 5
	DefaultTaskTimeout           = 1000 * time.Second
)

// writeTimeout bounds a single frame write so a dead connection cannot
// stall per-device dispatch; the receive loop notices the death first.
const writeTimeout = 10 * time.Second

var (
	// ErrAlreadyConnected is returned by ConnectDevice when the device has
	// a live session.
	ErrAlreadyConnected = errors.New("device already connected")
	// ErrConnectInProgress is returned when a connect or disconnect races
	// an ongoing connect sequence.
	ErrConnectInProgress = errors.New("connect already in progress")
	// ErrRegistrationFailed is returned when the relay does not confirm a
	// REGISTER within the handshake window.
	ErrRegistrationFailed = errors.New("registration not confirmed")
	// ErrDeviceInfoFailed is returned when the device-info handshake fails.
	ErrDeviceInfoFailed = errors.New("device info handshake failed")
)

// Coordinator owns the device fleet lifecycle.
type Coordinator struct {
	clientID string
	registry *device.Registry
	router   *router.Router
	queue    *taskqueue.Queue
	monitor  *heartbeat.Monitor
	dialer   transport.Dialer
	bus      *eventbus.Bus
	logger   logger.Logger

	heartbeatInterval     time.Duration
	initialReconnectDelay time.Duration
	maxReconnectDelay     time.Duration
	defaultMaxRetries     int
	defaultTaskTimeout    time.Duration

	mu       sync.Mutex
	runtimes map[string]*deviceRuntime
	closed   bool
}

// deviceRuntime is the per-device mutable state the registry does not hold:
// the live session, its cancel, and the reconnect and grace timers. Its
// mutex serializes the connect, disconnect, dispatch, and finish paths for
// one device.
type deviceRuntime struct {
	mu        sync.Mutex
	sess      transport.Session
	cancel    context.CancelFunc
	reconnect *time.Timer
	grace     *time.Timer
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClientID sets the client id stamped on outgoing messages.
func WithClientID(id string) Option {
	return func(c *Coordinator) { c.clientID = id }
}

// WithDialer replaces the transport dialer; tests use an in-process one.
func WithDialer(d transport.Dialer) Option {
	return func(c *Coordinator) { c.dialer = d }
}

// WithBus publishes DeviceStatusChanged events.
func WithBus(bus *eventbus.Bus) Option {
	return func(c *Coordinator) { c.bus = bus }
}

// WithLogger sets the coordinator logger.
func WithLogger(lg logger.Logger) Option {
	return func(c *Coordinator) { c.logger = lg }
}

// WithHeartbeatInterval sets the probe cadence. Reply, registration, and
// grace windows are all twice this value.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.heartbeatInterval = d
		}
	}
}

// WithReconnectDelays sets the exponential backoff base and cap.
func WithReconnectDelays(initial, max time.Duration) Option {
	return func(c *Coordinator) {
		if initial > 0 {
			c.initialReconnectDelay = initial
		}
		if max > 0 {
			c.maxReconnectDelay = max
		}
	}
}

// WithDefaultMaxRetries sets the reconnect-attempt cap for devices whose
// profile leaves MaxRetries zero.
func WithDefaultMaxRetries(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.defaultMaxRetries = n
		}
	}
}

// WithDefaultTaskTimeout sets the submission deadline applied when a
// request carries none.
func WithDefaultTaskTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.defaultTaskTimeout = d
		}
	}
}

// New creates a Coordinator with an empty registry.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		dialer:                &transport.WSDialer{},
		logger:                logger.NewLogger(),
		heartbeatInterval:     DefaultHeartbeatInterval,
		initialReconnectDelay: DefaultInitialReconnectDelay,
		maxReconnectDelay:     DefaultMaxReconnectDelay,
		defaultMaxRetries:     DefaultMaxRetries,
		defaultTaskTimeout:    DefaultTaskTimeout,
		queue:                 taskqueue.New(),
		runtimes:              make(map[string]*deviceRuntime),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.clientID == "" {
		c.clientID = "constellation-" + uuid.NewString()[:8]
	}

	c.registry = device.New(device.WithLogger(c.logger))
	c.router = router.New(router.Callbacks{
		OnDisconnect:       c.handleDisconnect,
		OnUnmatchedTaskEnd: c.handleLateTaskEnd,
	}, router.WithLogger(c.logger))
	c.monitor = heartbeat.New(heartbeat.Config{
		Interval:  c.heartbeatInterval,
		Prober:    heartbeat.ProberFunc(c.probe),
		Touch:     c.registry.TouchHeartbeat,
		OnTimeout: c.handleDisconnect,
		Logger:    c.logger,
	})
	return c
}

// RegisterDevice adds a profile to the registry. With autoConnect the
// connect sequence starts in the background; its outcome is logged and any
// failure enters the normal reconnect cycle.
func (c *Coordinator) RegisterDevice(profile device.Profile, autoConnect bool) error {
	if err := c.registry.Register(profile); err != nil {
		return err
	}
	c.logger.Info("device registered",
		tag.Device(profile.DeviceID), tag.URL(profile.EndpointURL), "os", profile.OS)

	if autoConnect {
		go func() {
			if err := c.ConnectDevice(context.Background(), profile.DeviceID); err != nil {
				c.logger.Warn("initial connect failed",
					tag.Device(profile.DeviceID), tag.Error(err))
			}
		}()
	}
	return nil
}

// DeregisterDevice disconnects the device and removes its profile.
func (c *Coordinator) DeregisterDevice(deviceID string) error {
	if err := c.DisconnectDevice(deviceID); err != nil {
		return err
	}
	if err := c.registry.Deregister(deviceID); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.runtimes, deviceID)
	c.mu.Unlock()
	return nil
}

// DeviceSnapshot returns a copy of the device profile.
func (c *Coordinator) DeviceSnapshot(deviceID string) (device.Profile, error) {
	return c.registry.Snapshot(deviceID)
}

// ListDevices returns profiles matching the filter, sorted by id.
func (c *Coordinator) ListDevices(filter device.Filter) []device.Profile {
	return c.registry.List(filter)
}

// QueueDepth reports how many submissions wait on the device.
func (c *Coordinator) QueueDepth(deviceID string) int {
	return c.queue.Len(deviceID)
}

// ConnectDevice runs the connect sequence: dial, start the receive loop,
// register, fetch device info, go Idle, start heartbeats, drain the queue.
// The registry transition to Connecting is the gate: a second caller gets
// ErrConnectInProgress or ErrAlreadyConnected instead of a second session.
func (c *Coordinator) ConnectDevice(ctx context.Context, deviceID string) error {
	rt := c.runtime(deviceID)

	rt.mu.Lock()
	prev, err := c.registry.SetStatus(deviceID, device.Connecting)
	if err != nil {
		rt.mu.Unlock()
		var te *device.TransitionError
		if errors.As(err, &te) && te.From.IsConnected() {
			return fmt.Errorf("%w: %s", ErrAlreadyConnected, deviceID)
		}
		return err
	}
	if prev == device.Connecting {
		rt.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConnectInProgress, deviceID)
	}
	if rt.reconnect != nil {
		// An explicit connect preempts the scheduled retry.
		rt.reconnect.Stop()
		rt.reconnect = nil
	}
	rt.mu.Unlock()
	c.publishStatus(deviceID, prev, device.Connecting, "connect")

	if err := c.connect(ctx, deviceID, rt); err != nil {
		c.failConnect(deviceID, rt, err)
		return err
	}
	return nil
}

// connect performs the handshake. On error the caller tears down.
func (c *Coordinator) connect(ctx context.Context, deviceID string, rt *deviceRuntime) error {
	profile, err := c.registry.Snapshot(deviceID)
	if err != nil {
		return err
	}

	handshakeWindow := 2 * c.heartbeatInterval
	dialCtx, cancelDial := context.WithTimeout(ctx, handshakeWindow)
	defer cancelDial()

	sess, err := c.dialer.Dial(dialCtx, profile.EndpointURL)
	if err != nil {
		return err
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	rt.mu.Lock()
	rt.sess = sess
	rt.cancel = cancel
	rt.mu.Unlock()

	// Receive loop first, so the registration confirmation cannot race it.
	c.router.Attach(deviceID, sess)
	go c.router.Run(sessionCtx, deviceID)

	register, err := aip.NewRegister(c.clientID, deviceID, profile.Capabilities, profile.Metadata)
	if err != nil {
		return err
	}
	if err := c.await(ctx, deviceID, register, handshakeWindow, ErrRegistrationFailed); err != nil {
		return err
	}

	info, err := aip.NewDeviceInfoRequest(c.clientID, deviceID)
	if err != nil {
		return err
	}
	handle, err := c.router.Request(ctx, deviceID, info, handshakeWindow)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceInfoFailed, err)
	}
	outcome, err := handle.Wait(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceInfoFailed, err)
	}
	if !outcome.OK {
		return fmt.Errorf("%w: %v", ErrDeviceInfoFailed, outcome.Err)
	}
	if err := c.registry.UpdateSystemInfo(deviceID, outcome.Result); err != nil {
		return err
	}

	c.setStatus(deviceID, device.Connected, "registered")
	c.setStatus(deviceID, device.Idle, "handshake complete")

	go c.monitor.Run(sessionCtx, deviceID)

	if err := c.registry.ResetAttempts(deviceID); err != nil {
		return err
	}
	c.logger.Info("device connected", tag.Device(deviceID), tag.URL(profile.EndpointURL))

	rt.mu.Lock()
	c.drainLocked(deviceID, rt)
	rt.mu.Unlock()
	return nil
}

// await sends a request and blocks for its confirmation.
func (c *Coordinator) await(ctx context.Context, deviceID string, msg *aip.Message, timeout time.Duration, failure error) error {
	handle, err := c.router.Request(ctx, deviceID, msg, timeout)
	if err != nil {
		return fmt.Errorf("%w: %v", failure, err)
	}
	outcome, err := handle.Wait(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", failure, err)
	}
	if !outcome.OK {
		return fmt.Errorf("%w: %v", failure, outcome.Err)
	}
	return nil
}

// failConnect tears down a half-open session, marks the device Failed, and
// schedules a reconnect attempt. The whole settlement runs under rt.mu so a
// concurrent revive cannot interleave with a stale Failed write.
func (c *Coordinator) failConnect(deviceID string, rt *deviceRuntime, cause error) {
	rt.mu.Lock()
	c.teardownLocked(deviceID, rt, dispatch.ReasonDisconnected, cause)
	c.setStatus(deviceID, device.Failed, "connect failed")
	c.scheduleReconnectLocked(deviceID, rt)
	rt.mu.Unlock()

	c.logger.Warn("connect failed", tag.Device(deviceID), tag.Error(cause))
}

// DisconnectDevice deliberately ends the session: pending submissions fail
// with Disconnected, the queue drains, and no reconnect is scheduled.
func (c *Coordinator) DisconnectDevice(deviceID string) error {
	rt := c.runtime(deviceID)
	rt.mu.Lock()

	snapshot, err := c.registry.Snapshot(deviceID)
	if err != nil {
		rt.mu.Unlock()
		return err
	}
	if snapshot.Status == device.Connecting {
		rt.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConnectInProgress, deviceID)
	}

	cause := errors.New("disconnect requested")
	if rt.reconnect != nil {
		rt.reconnect.Stop()
		rt.reconnect = nil
	}
	c.teardownLocked(deviceID, rt, dispatch.ReasonDisconnected, cause)
	c.queue.Drain(deviceID, dispatch.ReasonDisconnected, cause)
	_ = c.registry.SetCurrentTask(deviceID, "")
	if prev, err := c.registry.SetStatus(deviceID, device.Disconnected); err == nil {
		c.publishStatus(deviceID, prev, device.Disconnected, "disconnect requested")
	}
	rt.mu.Unlock()

	c.logger.Info("device disconnected", tag.Device(deviceID), tag.Reason("requested"))
	return nil
}

// handleDisconnect is the involuntary path, invoked by the receive loop and
// the heartbeat monitor. In-flight submissions fail, the queue survives,
// and a reconnect is scheduled. Both sources may fire for the same death;
// the status recheck under rt.mu makes the second call a no-op.
func (c *Coordinator) handleDisconnect(deviceID, reason string) {
	snapshot, err := c.registry.Snapshot(deviceID)
	if err != nil {
		return
	}
	cause := fmt.Errorf("device disconnected: %s", reason)

	if snapshot.Status == device.Connecting {
		// Mid-handshake: unblock the pending awaits and let the connect
		// sequence's error path own the teardown.
		c.router.FailAll(deviceID, dispatch.ReasonDisconnected, cause)
		return
	}

	rt := c.runtime(deviceID)
	rt.mu.Lock()
	current, err := c.registry.Snapshot(deviceID)
	if err != nil || !current.Status.IsConnected() {
		rt.mu.Unlock()
		return
	}
	c.teardownLocked(deviceID, rt, dispatch.ReasonDisconnected, cause)
	_ = c.registry.SetCurrentTask(deviceID, "")
	if prev, err := c.registry.SetStatus(deviceID, device.Disconnected); err == nil {
		c.publishStatus(deviceID, prev, device.Disconnected, reason)
	}
	c.scheduleReconnectLocked(deviceID, rt)
	rt.mu.Unlock()

	c.logger.Warn("device session lost", tag.Device(deviceID), tag.Reason(reason))
}

// teardownLocked stops the session machinery: grace timer, receive loop,
// heartbeats, pending table, transport. Caller holds rt.mu.
func (c *Coordinator) teardownLocked(deviceID string, rt *deviceRuntime, reason dispatch.Reason, cause error) {
	if rt.grace != nil {
		rt.grace.Stop()
		rt.grace = nil
	}
	if rt.cancel != nil {
		rt.cancel()
		rt.cancel = nil
	}
	c.router.FailAll(deviceID, reason, cause)
	c.router.Detach(deviceID)
	if rt.sess != nil {
		_ = rt.sess.Close(websocket.StatusGoingAway, cause.Error())
		rt.sess = nil
	}
}

// scheduleReconnectLocked arms the next reconnect attempt. The delay grows
// as initial * 2^attempts up to the cap; once the attempt counter reaches
// the device's retry budget the device goes Failed for good and its queue
// drains. Caller holds rt.mu.
func (c *Coordinator) scheduleReconnectLocked(deviceID string, rt *deviceRuntime) {
	snapshot, err := c.registry.Snapshot(deviceID)
	if err != nil {
		return
	}

	maxRetries := snapshot.MaxRetries
	if maxRetries == 0 {
		maxRetries = c.defaultMaxRetries
	}
	policy := &backoff.ExponentialBackoffPolicy{
		InitialInterval: c.initialReconnectDelay,
		BackoffFactor:   2,
		MaxInterval:     c.maxReconnectDelay,
		MaxRetries:      maxRetries,
	}

	delay, err := policy.ComputeNextInterval(snapshot.ConnectionAttempts, 0, nil)
	if err != nil {
		drained := c.queue.Drain(deviceID, dispatch.ReasonDeviceUnavailable,
			fmt.Errorf("device %s: %w", deviceID, backoff.ErrRetriesExhausted))
		c.setStatus(deviceID, device.Failed, "retries exhausted")
		c.logger.Error("reconnect retries exhausted",
			tag.Device(deviceID), tag.Attempt(snapshot.ConnectionAttempts), tag.Count(drained))
		return
	}

	attempts, err := c.registry.IncrementAttempts(deviceID)
	if err != nil {
		return
	}

	if rt.reconnect != nil {
		rt.reconnect.Stop()
	}
	rt.reconnect = time.AfterFunc(delay, func() { c.reconnect(deviceID) })

	c.logger.Info("reconnect scheduled",
		tag.Device(deviceID), tag.Attempt(attempts), tag.Duration(delay))
}

func (c *Coordinator) reconnect(deviceID string) {
	rt := c.runtime(deviceID)
	rt.mu.Lock()
	rt.reconnect = nil
	rt.mu.Unlock()

	if err := c.ConnectDevice(context.Background(), deviceID); err != nil {
		c.logger.Warn("reconnect attempt failed", tag.Device(deviceID), tag.Error(err))
	}
}

// probe implements the heartbeat Prober: one HEARTBEAT request awaited to
// its correlated ok.
func (c *Coordinator) probe(ctx context.Context, deviceID string, timeout time.Duration) error {
	handle, err := c.router.Request(ctx, deviceID, aip.NewHeartbeat(c.clientID), timeout)
	if err != nil {
		return err
	}
	outcome, err := handle.Wait(ctx)
	if err != nil {
		return err
	}
	if !outcome.OK {
		return fmt.Errorf("heartbeat rejected: %w", outcome.Err)
	}
	return nil
}

// Close disconnects every device. Queued and in-flight submissions resolve
// as Disconnected.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	for _, profile := range c.registry.List(device.Filter{}) {
		if err := c.DisconnectDevice(profile.DeviceID); err != nil {
			c.logger.Warn("disconnect on close failed",
				tag.Device(profile.DeviceID), tag.Error(err))
		}
	}
}

func (c *Coordinator) runtime(deviceID string) *deviceRuntime {
	c.mu.Lock()
	defer c.mu.Unlock()
	rt, ok := c.runtimes[deviceID]
	if !ok {
		rt = &deviceRuntime{}
		c.runtimes[deviceID] = rt
	}
	return rt
}

// setStatus applies a transition and publishes it; illegal edges are
// logged and dropped, since a concurrent disconnect may already have moved
// the device.
func (c *Coordinator) setStatus(deviceID string, next device.Status, reason string) {
	prev, err := c.registry.SetStatus(deviceID, next)
	if err != nil {
		c.logger.Debug("status transition skipped",
			tag.Device(deviceID), tag.Status(next.String()), tag.Error(err))
		return
	}
	c.publishStatus(deviceID, prev, next, reason)
}

func (c *Coordinator) publishStatus(deviceID string, from, to device.Status, reason string) {
	if c.bus == nil || from == to {
		return
	}
	c.bus.Publish(eventbus.DeviceStatusChanged{
		DeviceID: deviceID,
		From:     from.String(),
		To:       to.String(),
		Reason:   reason,
		At:       time.Now(),
	})
}
