package test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/asterism-org/asterism/internal/aip"
	"github.com/asterism-org/asterism/internal/transport"
)

// pushTimeout bounds a relay-side frame write so a wedged peer cannot hang
// a test.
const pushTimeout = 5 * time.Second

// taskMode selects how a scripted device answers TASK frames.
type taskMode int

const (
	modeComplete taskMode = iota
	modeFail
	modeStream
	modeStall
	modeIgnore
)

// FakeDevice scripts one device's side of the protocol. The default script
// acks registration, echoes probes, and completes every task with an echo
// result. Behavior changes apply from the next frame, so a test can flip a
// script mid-session or between reconnects.
type FakeDevice struct {
	deviceID string

	dropRegisters atomic.Bool
	dropProbes    atomic.Bool

	mu       sync.Mutex
	sess     transport.Session
	sessions int
	info     map[string]any
	mode     taskMode
	result   map[string]any
	failure  string
	updates  []aip.ActionResult

	tasks chan *aip.Message
}

func newFakeDevice(deviceID string) *FakeDevice {
	return &FakeDevice{
		deviceID: deviceID,
		info:     map[string]any{"os": "android", "model": "pixel-9"},
		tasks:    make(chan *aip.Message, 32),
	}
}

// Tasks exposes the TASK frames the device received, in arrival order.
func (d *FakeDevice) Tasks() <-chan *aip.Message {
	return d.tasks
}

// Sessions reports how many sessions registered this device id.
func (d *FakeDevice) Sessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions
}

// Info returns the device-info map reported on handshake.
func (d *FakeDevice) Info() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info
}

// SetInfo replaces the device-info map reported on handshake.
func (d *FakeDevice) SetInfo(info map[string]any) {
	d.mu.Lock()
	d.info = info
	d.mu.Unlock()
}

// DropRegisters makes the device swallow REGISTER frames, so the handshake
// times out.
func (d *FakeDevice) DropRegisters(drop bool) {
	d.dropRegisters.Store(drop)
}

// DropProbes makes the device swallow HEARTBEAT probes, so the liveness
// monitor times out. Registration confirmations are unaffected.
func (d *FakeDevice) DropProbes(drop bool) {
	d.dropProbes.Store(drop)
}

// CompleteTasks restores the default script: every task ends completed with
// an echo of its task id.
func (d *FakeDevice) CompleteTasks() {
	d.script(modeComplete, nil, "", nil)
}

// CompleteTasksWith completes every task with a fixed result.
func (d *FakeDevice) CompleteTasksWith(result map[string]any) {
	d.script(modeComplete, result, "", nil)
}

// FailTasks ends every task failed with the given error message.
func (d *FakeDevice) FailTasks(errMsg string) {
	d.script(modeFail, nil, errMsg, nil)
}

// StreamTasks emits the updates as streamed progress frames, then completes
// the task with result.
func (d *FakeDevice) StreamTasks(updates []aip.ActionResult, result map[string]any) {
	d.script(modeStream, result, "", updates)
}

// StallTasks accepts tasks without replying; a later Complete or Fail call
// settles them.
func (d *FakeDevice) StallTasks() {
	d.script(modeStall, nil, "", nil)
}

// IgnoreTasks accepts tasks and never replies, for deadline tests.
func (d *FakeDevice) IgnoreTasks() {
	d.script(modeIgnore, nil, "", nil)
}

func (d *FakeDevice) script(mode taskMode, result map[string]any, failure string, updates []aip.ActionResult) {
	d.mu.Lock()
	d.mode = mode
	d.result = result
	d.failure = failure
	d.updates = updates
	d.mu.Unlock()
}

// Complete settles a stalled task as completed.
func (d *FakeDevice) Complete(task *aip.Message, result map[string]any) {
	d.push(taskEndReply(task, aip.StatusCompleted, result, ""))
}

// Fail settles a stalled task as failed.
func (d *FakeDevice) Fail(task *aip.Message, errMsg string) {
	d.push(taskEndReply(task, aip.StatusFailed, nil, errMsg))
}

// Stream emits progress frames for a stalled task without settling it.
func (d *FakeDevice) Stream(task *aip.Message, updates ...aip.ActionResult) {
	d.push(resultsReply(task, updates))
}

// Disconnect closes the live session from the relay side. The coordinator
// observes a peer close and enters its reconnect cycle.
func (d *FakeDevice) Disconnect() {
	d.mu.Lock()
	sess := d.sess
	d.sess = nil
	d.mu.Unlock()
	if sess != nil {
		_ = sess.Close(websocket.StatusGoingAway, "relay dropped session")
	}
}

func (d *FakeDevice) attach(sess transport.Session) {
	d.mu.Lock()
	d.sess = sess
	d.sessions++
	d.mu.Unlock()
}

func (d *FakeDevice) detach(sess transport.Session) {
	d.mu.Lock()
	if d.sess == sess {
		d.sess = nil
	}
	d.mu.Unlock()
}

// handleTask records the frame and answers it per the current script.
func (d *FakeDevice) handleTask(msg *aip.Message) {
	select {
	case d.tasks <- msg:
	default:
	}

	d.mu.Lock()
	mode, result, failure := d.mode, d.result, d.failure
	updates := d.updates
	d.mu.Unlock()

	switch mode {
	case modeComplete:
		if result == nil {
			payload, err := msg.Task()
			if err != nil {
				return
			}
			result = map[string]any{"echo": payload.TaskID}
		}
		d.push(taskEndReply(msg, aip.StatusCompleted, result, ""))
	case modeFail:
		d.push(taskEndReply(msg, aip.StatusFailed, nil, failure))
	case modeStream:
		for _, update := range updates {
			d.push(resultsReply(msg, []aip.ActionResult{update}))
		}
		d.push(taskEndReply(msg, aip.StatusCompleted, result, ""))
	case modeStall, modeIgnore:
	}
}

// push writes one frame on the current session; frames for a dead session
// are dropped, matching a real relay racing a disconnect.
func (d *FakeDevice) push(msg *aip.Message) {
	d.mu.Lock()
	sess := d.sess
	d.mu.Unlock()
	if sess == nil {
		return
	}
	frame, err := msg.Encode()
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()
	_ = sess.Send(ctx, frame)
}

func ackReply(req *aip.Message) *aip.Message {
	return &aip.Message{
		Type:           aip.TypeHeartbeat,
		Status:         aip.StatusOK,
		Timestamp:      time.Now().UTC(),
		ClientType:     aip.ClientDevice,
		PrevResponseID: req.SessionID,
	}
}

func infoReply(req *aip.Message, info map[string]any) *aip.Message {
	payload, _ := json.Marshal(aip.DeviceInfoResponsePayload{
		DeviceID:   req.TargetID,
		DeviceInfo: info,
	})
	return &aip.Message{
		Type:           aip.TypeDeviceInfoResponse,
		Status:         aip.StatusOK,
		Timestamp:      time.Now().UTC(),
		ClientType:     aip.ClientDevice,
		PrevResponseID: req.SessionID,
		Payload:        payload,
	}
}

func resultsReply(req *aip.Message, updates []aip.ActionResult) *aip.Message {
	payload, _ := json.Marshal(aip.CommandResultsPayload{ActionResults: updates})
	return &aip.Message{
		Type:           aip.TypeCommandResults,
		Status:         aip.StatusContinue,
		Timestamp:      time.Now().UTC(),
		ClientType:     aip.ClientDevice,
		PrevResponseID: req.SessionID,
		Payload:        payload,
	}
}

func taskEndReply(req *aip.Message, status aip.Status, result map[string]any, errMsg string) *aip.Message {
	payload, _ := json.Marshal(aip.TaskEndPayload{Result: result, Error: errMsg})
	return &aip.Message{
		Type:           aip.TypeTaskEnd,
		Status:         status,
		Timestamp:      time.Now().UTC(),
		ClientType:     aip.ClientDevice,
		PrevResponseID: req.SessionID,
		Payload:        payload,
	}
}
