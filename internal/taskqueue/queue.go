// Package taskqueue holds per-device FIFO queues of task submissions
// waiting for dispatch. Submissions enqueued while a device is offline
// survive reconnection and drain in order once the device is idle again.
package taskqueue

import (
	"sync"
	"time"

	"github.com/asterism-org/asterism/internal/dispatch"
)

// Submission is one queued task awaiting dispatch. The deadline timer
// starts when the task reaches the wire, not while it waits here.
type Submission struct {
	Request    dispatch.Request
	Timeout    time.Duration
	Handle     *dispatch.Handle
	EnqueuedAt time.Time
}

// Queue serializes per-device FIFOs.
type Queue struct {
	mu     sync.Mutex
	queues map[string][]*Submission
}

// New creates an empty queue set.
func New() *Queue {
	return &Queue{queues: make(map[string][]*Submission)}
}

// Enqueue appends a submission for the device and returns its handle.
func (q *Queue) Enqueue(deviceID string, req dispatch.Request, timeout time.Duration) *dispatch.Handle {
	sub := &Submission{
		Request:    req,
		Timeout:    timeout,
		Handle:     dispatch.NewHandle(),
		EnqueuedAt: time.Now(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[deviceID] = append(q.queues[deviceID], sub)
	return sub.Handle
}

// DequeueOne removes and returns the oldest submission, or false when the
// device's queue is empty.
func (q *Queue) DequeueOne(deviceID string) (*Submission, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.queues[deviceID]
	if len(queue) == 0 {
		return nil, false
	}
	sub := queue[0]
	q.queues[deviceID] = queue[1:]
	return sub, true
}

// Drain resolves every queued submission for the device as failed with the
// given reason and clears the queue. It returns how many were resolved.
func (q *Queue) Drain(deviceID string, reason dispatch.Reason, err error) int {
	q.mu.Lock()
	drained := q.queues[deviceID]
	delete(q.queues, deviceID)
	q.mu.Unlock()

	for _, sub := range drained {
		sub.Handle.Resolve(dispatch.Failed(reason, err))
	}
	return len(drained)
}

// Len returns the queue depth for the device.
func (q *Queue) Len(deviceID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[deviceID])
}
