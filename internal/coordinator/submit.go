package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/asterism-org/asterism/internal/aip"
	"github.com/asterism-org/asterism/internal/device"
	"github.com/asterism-org/asterism/internal/dispatch"
	"github.com/asterism-org/asterism/internal/logger/tag"
	"github.com/asterism-org/asterism/internal/taskqueue"
)

// SubmitTask routes one task to the device and returns a handle that
// resolves with the terminal outcome. Idle devices take it on the wire
// immediately (behind any backlog), devices that are busy, connecting, or
// temporarily offline queue it, and Failed devices resolve it immediately
// as unavailable. A zero timeout applies the coordinator default.
func (c *Coordinator) SubmitTask(deviceID string, req dispatch.Request, timeout time.Duration) (*dispatch.Handle, error) {
	snapshot, err := c.registry.Snapshot(deviceID)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = c.defaultTaskTimeout
	}

	if snapshot.Status == device.Failed {
		handle := dispatch.NewHandle()
		handle.Resolve(dispatch.Failed(dispatch.ReasonDeviceUnavailable,
			fmt.Errorf("device %s is failed", deviceID)))
		return handle, nil
	}

	rt := c.runtime(deviceID)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if snapshot.Status == device.Idle {
		// Kick any backlog first so submissions stay FIFO, then take the
		// wire only if the device is still free.
		c.drainLocked(deviceID, rt)
		if current, err := c.registry.Snapshot(deviceID); err == nil && current.Status == device.Idle {
			sub := &taskqueue.Submission{
				Request:    req,
				Timeout:    timeout,
				Handle:     dispatch.NewHandle(),
				EnqueuedAt: time.Now(),
			}
			c.dispatchLocked(deviceID, sub)
			return sub.Handle, nil
		}
	}

	handle := c.queue.Enqueue(deviceID, req, timeout)
	c.logger.Debug("task queued",
		tag.Device(deviceID), tag.Task(req.TaskID), tag.Count(c.queue.Len(deviceID)))
	return handle, nil
}

// drainLocked puts the oldest queued submission on the wire when the
// device is Idle. One submission runs at a time; the next drain happens
// when this one finishes. Caller holds rt.mu.
func (c *Coordinator) drainLocked(deviceID string, rt *deviceRuntime) {
	snapshot, err := c.registry.Snapshot(deviceID)
	if err != nil || snapshot.Status != device.Idle {
		return
	}
	sub, ok := c.queue.DequeueOne(deviceID)
	if !ok {
		return
	}
	c.dispatchLocked(deviceID, sub)
}

// dispatchLocked marks the device Busy and sends one TASK frame. On a send
// failure the submission resolves and the rest of the queue is left for
// the reconnect drain. Caller holds rt.mu.
func (c *Coordinator) dispatchLocked(deviceID string, sub *taskqueue.Submission) {
	req := sub.Request

	prev, err := c.registry.SetStatus(deviceID, device.Busy)
	if err != nil {
		// The device moved away between the status check and here.
		sub.Handle.Resolve(dispatch.Failed(dispatch.ReasonDisconnected,
			fmt.Errorf("device %s: %v", deviceID, err)))
		return
	}
	c.publishStatus(deviceID, prev, device.Busy, "task dispatched")
	_ = c.registry.SetCurrentTask(deviceID, req.TaskID)

	msg, err := aip.NewTask(c.clientID, deviceID, req.TaskID, req.Description, req.Data)
	if err != nil {
		c.restoreIdle(deviceID, "dispatch failed")
		sub.Handle.Resolve(dispatch.Failed(dispatch.ReasonProtocolError, err))
		return
	}

	sendCtx, cancelSend := context.WithTimeout(context.Background(), writeTimeout)
	handle, err := c.router.Request(sendCtx, deviceID, msg, sub.Timeout)
	cancelSend()
	if err != nil {
		c.restoreIdle(deviceID, "dispatch failed")
		sub.Handle.Resolve(dispatch.Failed(dispatch.ReasonDisconnected, err))
		return
	}

	c.logger.Info("task dispatched", tag.Device(deviceID), tag.Task(req.TaskID))
	go c.watchTask(deviceID, req.TaskID, sub, handle)
}

func (c *Coordinator) watchTask(deviceID, taskID string, sub *taskqueue.Submission, handle *dispatch.Handle) {
	outcome, _ := handle.Wait(context.Background())
	// Settle device state first, so a caller reacting to the outcome sees
	// a consistent registry.
	c.onTaskFinished(deviceID, taskID, outcome)
	sub.Handle.Resolve(outcome)
}

// onTaskFinished settles the device after a terminal task outcome. A reply
// (success or failure) frees the device and pulls the next submission. A
// timeout holds the device Busy under a grace window of one heartbeat
// window: a late TASK_END inside it recovers the device, expiry fails it.
// Disconnect outcomes leave status to the disconnect path.
func (c *Coordinator) onTaskFinished(deviceID, taskID string, outcome dispatch.Outcome) {
	rt := c.runtime(deviceID)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	switch {
	case outcome.OK, outcome.Reason == dispatch.ReasonTaskFailed:
		c.restoreIdle(deviceID, "task finished")
		c.drainLocked(deviceID, rt)
	case outcome.Reason == dispatch.ReasonTimeout:
		window := 2 * c.heartbeatInterval
		c.logger.Warn("task deadline elapsed; holding device busy",
			tag.Device(deviceID), tag.Task(taskID), tag.Duration(window))
		rt.grace = time.AfterFunc(window, func() { c.graceExpired(deviceID, taskID) })
	}
}

// handleLateTaskEnd fires when a terminal reply arrives after its pending
// entry is gone. Inside the grace window it recovers the device; outside
// it is a stray and only logged.
func (c *Coordinator) handleLateTaskEnd(deviceID string, msg *aip.Message) {
	rt := c.runtime(deviceID)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.grace == nil {
		c.logger.Debug("stray terminal reply",
			tag.Device(deviceID), tag.Correlation(msg.CorrelationID()))
		return
	}
	rt.grace.Stop()
	rt.grace = nil

	c.logger.Info("late terminal reply inside grace window; device recovered",
		tag.Device(deviceID), tag.Correlation(msg.CorrelationID()))
	c.restoreIdle(deviceID, "late reply")
	c.drainLocked(deviceID, rt)
}

// graceExpired gives up on a device that swallowed a task: the session is
// torn down, the queue drains as unavailable, and no reconnect is
// scheduled. An explicit ConnectDevice can revive it.
func (c *Coordinator) graceExpired(deviceID, taskID string) {
	rt := c.runtime(deviceID)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.grace == nil {
		return
	}
	rt.grace = nil

	cause := fmt.Errorf("no terminal reply for task %s within grace window", taskID)
	c.teardownLocked(deviceID, rt, dispatch.ReasonTimeout, cause)
	c.queue.Drain(deviceID, dispatch.ReasonDeviceUnavailable, cause)
	_ = c.registry.SetCurrentTask(deviceID, "")
	c.setStatus(deviceID, device.Failed, "grace window expired")
	c.logger.Error("device unresponsive after task timeout",
		tag.Device(deviceID), tag.Task(taskID))
}

// restoreIdle clears the current task and returns the device to Idle when
// its status still allows it.
func (c *Coordinator) restoreIdle(deviceID, reason string) {
	_ = c.registry.SetCurrentTask(deviceID, "")
	prev, err := c.registry.SetStatus(deviceID, device.Idle)
	if err != nil {
		return
	}
	c.publishStatus(deviceID, prev, device.Idle, reason)
}
