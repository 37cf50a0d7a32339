// Package router runs one receive loop per connected device, decodes
// frames, and resolves pending submissions by correlation id. Exactly one
// of a matching terminal reply, a deadline expiry, or a disconnect settles
// each pending entry.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/asterism-org/asterism/internal/aip"
	"github.com/asterism-org/asterism/internal/dispatch"
	"github.com/asterism-org/asterism/internal/logger"
	"github.com/asterism-org/asterism/internal/logger/tag"
	"github.com/asterism-org/asterism/internal/transport"
)

// Disconnect reason codes reported to the coordinator.
const (
	ReasonClosedByPeer   = "closed_by_peer"
	ReasonTransportError = "transport_error"
	ReasonProtocolError  = "protocol_error"
)

// maxConsecutiveProtocolErrors ends a session that keeps sending garbage.
// The run resets on every valid frame, so an isolated bad frame only costs
// that frame.
const maxConsecutiveProtocolErrors = 10

// ErrNotAttached is returned for operations on a device with no session.
var ErrNotAttached = errors.New("no session attached for device")

// Callbacks connect the router to the coordinator. OnDisconnect fires once
// per unexpected session end; OnUnmatchedTaskEnd fires when a terminal task
// reply arrives after its pending entry is gone (late reply policy).
type Callbacks struct {
	OnDisconnect       func(deviceID, reason string)
	OnUnmatchedTaskEnd func(deviceID string, msg *aip.Message)
}

type pendingKind int

const (
	kindControl pendingKind = iota // REGISTER and HEARTBEAT, confirmed by HEARTBEAT(ok)
	kindInfo                       // DEVICE_INFO_REQUEST
	kindTask                       // TASK, terminal on TASK_END or ERROR
)

func kindFor(t aip.MessageType) (pendingKind, bool) {
	switch t {
	case aip.TypeRegister, aip.TypeHeartbeat:
		return kindControl, true
	case aip.TypeDeviceInfoRequest:
		return kindInfo, true
	case aip.TypeTask:
		return kindTask, true
	default:
		return 0, false
	}
}

type pending struct {
	kind   pendingKind
	taskID string
	handle *dispatch.Handle
	stream []aip.ActionResult
	timer  *time.Timer
}

type session struct {
	sess         transport.Session
	sendMu       sync.Mutex
	pending      map[string]*pending
	protoErrRun  int
	lastActivity time.Time
}

// Router owns the per-device pending tables and receive loops.
type Router struct {
	mu        sync.Mutex
	sessions  map[string]*session
	callbacks Callbacks
	logger    logger.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(lg logger.Logger) Option {
	return func(r *Router) { r.logger = lg }
}

// New creates a Router with the given coordinator callbacks.
func New(callbacks Callbacks, opts ...Option) *Router {
	r := &Router{
		sessions:  make(map[string]*session),
		callbacks: callbacks,
		logger:    logger.NewLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attach binds a transport session to the device. Attach before sending
// REGISTER so the confirmation cannot be lost to a race.
func (r *Router) Attach(deviceID string, sess transport.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[deviceID]; exists {
		r.logger.Warn("replacing existing session", tag.Device(deviceID))
	}
	r.sessions[deviceID] = &session{
		sess:         sess,
		pending:      make(map[string]*pending),
		lastActivity: time.Now(),
	}
}

// Detach removes the device's session state. Pending entries should be
// failed first via FailAll.
func (r *Router) Detach(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, deviceID)
}

// Send encodes and writes one message. Writes to a session are serialized.
func (r *Router) Send(ctx context.Context, deviceID string, msg *aip.Message) error {
	r.mu.Lock()
	state := r.sessions[deviceID]
	r.mu.Unlock()
	if state == nil {
		return fmt.Errorf("%w: %s", ErrNotAttached, deviceID)
	}

	frame, err := msg.Encode()
	if err != nil {
		return err
	}

	state.sendMu.Lock()
	defer state.sendMu.Unlock()
	return state.sess.Send(ctx, frame)
}

// Request registers a pending entry keyed by the message's session id, arms
// its deadline, and sends the message. The handle resolves on a matching
// terminal reply, the deadline, or FailAll.
func (r *Router) Request(ctx context.Context, deviceID string, msg *aip.Message, timeout time.Duration) (*dispatch.Handle, error) {
	kind, ok := kindFor(msg.Type)
	if !ok {
		return nil, fmt.Errorf("message type %s does not expect a reply", msg.Type)
	}
	corr := msg.SessionID
	if corr == "" {
		return nil, &aip.ProtocolError{Code: aip.CodeMissingCorrelation, Message: "request has no session id"}
	}

	p := &pending{kind: kind, handle: dispatch.NewHandle()}
	if kind == kindTask {
		if payload, err := msg.Task(); err == nil {
			p.taskID = payload.TaskID
		}
	}

	r.mu.Lock()
	state := r.sessions[deviceID]
	if state == nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotAttached, deviceID)
	}
	state.pending[corr] = p
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() { r.expire(deviceID, corr) })
	}
	r.mu.Unlock()

	if err := r.Send(ctx, deviceID, msg); err != nil {
		// Never reached the wire; the caller handles the send error.
		r.takeAny(deviceID, corr)
		return nil, err
	}
	return p.handle, nil
}

// FailAll resolves every pending entry for the device as failed with the
// given reason and returns how many were settled. The disconnect sequence
// calls this before Detach.
func (r *Router) FailAll(deviceID string, reason dispatch.Reason, cause error) int {
	r.mu.Lock()
	state := r.sessions[deviceID]
	var drained []*pending
	if state != nil {
		for corr, p := range state.pending {
			if p.timer != nil {
				p.timer.Stop()
			}
			drained = append(drained, p)
			delete(state.pending, corr)
		}
	}
	r.mu.Unlock()

	for _, p := range drained {
		outcome := dispatch.Failed(reason, cause)
		outcome.Stream = p.stream
		p.handle.Resolve(outcome)
	}
	return len(drained)
}

// LastActivity returns when the device last produced a valid frame.
func (r *Router) LastActivity(deviceID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.sessions[deviceID]
	if state == nil {
		return time.Time{}, false
	}
	return state.lastActivity, true
}

// PendingCount returns the number of in-flight submissions for the device.
func (r *Router) PendingCount(deviceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.sessions[deviceID]
	if state == nil {
		return 0
	}
	return len(state.pending)
}

// Run reads frames until the session ends. An unexpected end invokes
// OnDisconnect with a reason code; a canceled ctx is a deliberate stop and
// invokes nothing.
func (r *Router) Run(ctx context.Context, deviceID string) {
	r.mu.Lock()
	state := r.sessions[deviceID]
	r.mu.Unlock()
	if state == nil {
		r.logger.Error("receive loop started without a session", tag.Device(deviceID))
		return
	}

	for {
		frame, err := state.sess.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			reason := ReasonTransportError
			if errors.Is(err, transport.ErrClosedByPeer) {
				reason = ReasonClosedByPeer
			}
			r.logger.Info("device session ended",
				tag.Device(deviceID), tag.Reason(reason), tag.Error(err))
			r.disconnect(deviceID, reason)
			return
		}

		if !r.handleFrame(deviceID, state, frame) {
			r.logger.Warn("too many consecutive protocol errors",
				tag.Device(deviceID), tag.Count(maxConsecutiveProtocolErrors))
			r.disconnect(deviceID, ReasonProtocolError)
			return
		}
	}
}

func (r *Router) disconnect(deviceID, reason string) {
	if cb := r.callbacks.OnDisconnect; cb != nil {
		cb(deviceID, reason)
	}
}

// handleFrame decodes and dispatches one frame. It returns false when the
// consecutive protocol-error run crosses the threshold.
func (r *Router) handleFrame(deviceID string, state *session, frame []byte) bool {
	msg, err := aip.Decode(frame)
	if err != nil {
		return r.protocolError(deviceID, state, err)
	}

	r.mu.Lock()
	state.lastActivity = time.Now()
	r.mu.Unlock()

	if err := r.dispatch(deviceID, msg); err != nil {
		return r.protocolError(deviceID, state, err)
	}

	r.mu.Lock()
	state.protoErrRun = 0
	r.mu.Unlock()
	return true
}

func (r *Router) protocolError(deviceID string, state *session, err error) bool {
	r.mu.Lock()
	state.protoErrRun++
	run := state.protoErrRun
	r.mu.Unlock()

	r.logger.Warn("dropping bad frame",
		tag.Device(deviceID), tag.Error(err), tag.Count(run))
	return run < maxConsecutiveProtocolErrors
}

// dispatch routes one decoded message. A returned error is a protocol
// violation and counts toward the disconnect threshold.
func (r *Router) dispatch(deviceID string, msg *aip.Message) error {
	switch msg.Type {
	case aip.TypeHeartbeat:
		if msg.Status != aip.StatusOK {
			r.logger.Debug("ignoring non-ok heartbeat",
				tag.Device(deviceID), tag.Status(string(msg.Status)))
			return nil
		}
		if p := r.take(deviceID, msg.CorrelationID(), kindControl); p != nil {
			p.handle.Resolve(dispatch.Completed(nil))
		} else {
			r.logger.Debug("unmatched heartbeat ack",
				tag.Device(deviceID), tag.Correlation(msg.CorrelationID()))
		}

	case aip.TypeDeviceInfoResponse:
		payload, err := msg.DeviceInfoResponse()
		if err != nil {
			return err
		}
		p := r.take(deviceID, msg.CorrelationID(), kindInfo)
		if p == nil {
			r.logger.Debug("unmatched device info response", tag.Device(deviceID))
			return nil
		}
		p.handle.Resolve(dispatch.Completed(payload.DeviceInfo))

	case aip.TypeCommandResults:
		payload, err := msg.CommandResults()
		if err != nil {
			return err
		}
		r.appendStream(deviceID, msg.CorrelationID(), payload.ActionResults)

	case aip.TypeTaskEnd:
		payload, err := msg.TaskEnd()
		if err != nil {
			return err
		}
		p := r.take(deviceID, msg.CorrelationID(), kindTask)
		if p == nil {
			if cb := r.callbacks.OnUnmatchedTaskEnd; cb != nil {
				cb(deviceID, msg)
			}
			return nil
		}
		var outcome dispatch.Outcome
		if msg.Status == aip.StatusCompleted {
			outcome = dispatch.Completed(payload.Result)
		} else {
			reason := payload.Error
			if reason == "" {
				reason = "task failed"
			}
			outcome = dispatch.Failed(dispatch.ReasonTaskFailed, errors.New(reason))
			outcome.Result = payload.Result
		}
		outcome.Stream = p.stream
		p.handle.Resolve(outcome)

	case aip.TypeError:
		payload, err := msg.ErrorInfo()
		if err != nil {
			return err
		}
		p := r.takeAny(deviceID, msg.CorrelationID())
		if p == nil {
			r.logger.Warn("unmatched device error",
				tag.Device(deviceID), "error_code", payload.ErrorCode)
			return nil
		}
		reason := dispatch.ReasonDeviceUnavailable
		if p.kind == kindTask {
			reason = dispatch.ReasonTaskFailed
		}
		outcome := dispatch.Failed(reason,
			fmt.Errorf("device error %s: %s", payload.ErrorCode, payload.Message))
		outcome.Stream = p.stream
		p.handle.Resolve(outcome)

	default:
		// TASK, COMMAND, REGISTER, DEVICE_INFO_REQUEST are outbound types;
		// receiving one here means the relay misrouted it.
		r.logger.Warn("dropping unexpected inbound message",
			tag.Device(deviceID), tag.MsgType(string(msg.Type)))
	}
	return nil
}

func (r *Router) expire(deviceID, corr string) {
	p := r.takeAny(deviceID, corr)
	if p == nil {
		return
	}
	r.logger.Warn("submission deadline elapsed",
		tag.Device(deviceID), tag.Task(p.taskID), tag.Correlation(corr))
	outcome := dispatch.Failed(dispatch.ReasonTimeout, errors.New("no reply within deadline"))
	outcome.Stream = p.stream
	p.handle.Resolve(outcome)
}

// take removes and returns the pending entry when its kind matches.
func (r *Router) take(deviceID, corr string, kind pendingKind) *pending {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.sessions[deviceID]
	if state == nil {
		return nil
	}
	p := state.pending[corr]
	if p == nil || p.kind != kind {
		return nil
	}
	delete(state.pending, corr)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

// takeAny removes and returns the pending entry regardless of kind.
func (r *Router) takeAny(deviceID, corr string) *pending {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.sessions[deviceID]
	if state == nil {
		return nil
	}
	p := state.pending[corr]
	if p == nil {
		return nil
	}
	delete(state.pending, corr)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

// appendStream adds streamed results to the pending task in arrival order.
func (r *Router) appendStream(deviceID, corr string, results []aip.ActionResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.sessions[deviceID]
	if state == nil {
		return
	}
	p := state.pending[corr]
	if p == nil || p.kind != kindTask {
		return
	}
	p.stream = append(p.stream, results...)
}
