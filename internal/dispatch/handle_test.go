package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asterism-org/asterism/internal/dispatch"
)

func TestHandleResolvesExactlyOnce(t *testing.T) {
	t.Parallel()

	handle := dispatch.NewHandle()

	// Race a terminal reply, a timeout, and a disconnect; exactly one wins.
	var wins int32
	var wg sync.WaitGroup
	outcomes := []dispatch.Outcome{
		dispatch.Completed(map[string]any{"ok": true}),
		dispatch.Failed(dispatch.ReasonTimeout, errors.New("deadline elapsed")),
		dispatch.Failed(dispatch.ReasonDisconnected, errors.New("peer gone")),
	}
	for _, outcome := range outcomes {
		wg.Add(1)
		go func(o dispatch.Outcome) {
			defer wg.Done()
			if handle.Resolve(o) {
				atomic.AddInt32(&wins, 1)
			}
		}(outcome)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)

	outcome, resolved := handle.Outcome()
	require.True(t, resolved)
	// Whichever won, the settled outcome is internally consistent.
	if outcome.OK {
		assert.Equal(t, dispatch.ReasonNone, outcome.Reason)
	} else {
		assert.Error(t, outcome.Err)
	}
}

func TestHandleWait(t *testing.T) {
	t.Parallel()

	handle := dispatch.NewHandle()
	go func() {
		time.Sleep(10 * time.Millisecond)
		handle.Resolve(dispatch.Completed(map[string]any{"value": 42}))
	}()

	outcome, err := handle.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, outcome.OK)
	assert.Equal(t, 42, outcome.Result["value"])
}

func TestHandleWaitContextCancel(t *testing.T) {
	t.Parallel()

	handle := dispatch.NewHandle()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := handle.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The handle itself stays unresolved.
	_, resolved := handle.Outcome()
	assert.False(t, resolved)
}

func TestOutcomeBeforeResolution(t *testing.T) {
	t.Parallel()

	handle := dispatch.NewHandle()
	_, resolved := handle.Outcome()
	assert.False(t, resolved)

	select {
	case <-handle.Done():
		t.Fatal("done channel closed before resolution")
	default:
	}
}

func TestReasonString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "timeout", dispatch.ReasonTimeout.String())
	assert.Equal(t, "disconnected", dispatch.ReasonDisconnected.String())
	assert.Equal(t, "cancelled", dispatch.ReasonCancelled.String())
	assert.Equal(t, "task_failed", dispatch.ReasonTaskFailed.String())
	assert.Equal(t, "device_unavailable", dispatch.ReasonDeviceUnavailable.String())
	assert.Equal(t, "protocol_error", dispatch.ReasonProtocolError.String())
	assert.Equal(t, "", dispatch.ReasonNone.String())
}
