package taskqueue_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asterism-org/asterism/internal/dispatch"
	"github.com/asterism-org/asterism/internal/taskqueue"
)

func TestFIFOOrder(t *testing.T) {
	t.Parallel()

	q := taskqueue.New()
	for _, id := range []string{"t1", "t2", "t3"} {
		q.Enqueue("android-1", dispatch.Request{TaskID: id}, time.Second)
	}
	require.Equal(t, 3, q.Len("android-1"))

	var order []string
	for {
		sub, ok := q.DequeueOne("android-1")
		if !ok {
			break
		}
		order = append(order, sub.Request.TaskID)
	}
	assert.Equal(t, []string{"t1", "t2", "t3"}, order)
	assert.Zero(t, q.Len("android-1"))
}

func TestQueuesAreIndependent(t *testing.T) {
	t.Parallel()

	q := taskqueue.New()
	q.Enqueue("android-1", dispatch.Request{TaskID: "a"}, time.Second)
	q.Enqueue("iphone-1", dispatch.Request{TaskID: "b"}, time.Second)

	sub, ok := q.DequeueOne("iphone-1")
	require.True(t, ok)
	assert.Equal(t, "b", sub.Request.TaskID)
	assert.Equal(t, 1, q.Len("android-1"))
}

func TestDequeueEmpty(t *testing.T) {
	t.Parallel()

	q := taskqueue.New()
	_, ok := q.DequeueOne("ghost")
	assert.False(t, ok)
}

func TestDrainResolvesHandles(t *testing.T) {
	t.Parallel()

	q := taskqueue.New()
	cause := errors.New("device deregistered")
	h1 := q.Enqueue("android-1", dispatch.Request{TaskID: "t1"}, time.Second)
	h2 := q.Enqueue("android-1", dispatch.Request{TaskID: "t2"}, time.Second)

	n := q.Drain("android-1", dispatch.ReasonCancelled, cause)
	assert.Equal(t, 2, n)
	assert.Zero(t, q.Len("android-1"))

	for _, h := range []*dispatch.Handle{h1, h2} {
		outcome, resolved := h.Outcome()
		require.True(t, resolved)
		assert.False(t, outcome.OK)
		assert.Equal(t, dispatch.ReasonCancelled, outcome.Reason)
		assert.ErrorIs(t, outcome.Err, cause)
	}
}

func TestSubmissionCarriesTimeoutNotDeadline(t *testing.T) {
	t.Parallel()

	// A task queued during an outage must not expire while waiting; the
	// timeout is applied when the task reaches the wire.
	q := taskqueue.New()
	q.Enqueue("android-1", dispatch.Request{TaskID: "t1"}, 42*time.Second)

	sub, ok := q.DequeueOne("android-1")
	require.True(t, ok)
	assert.Equal(t, 42*time.Second, sub.Timeout)
	assert.False(t, sub.EnqueuedAt.IsZero())
	_, resolved := sub.Handle.Outcome()
	assert.False(t, resolved)
}
