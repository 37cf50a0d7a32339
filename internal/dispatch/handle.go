// Package dispatch carries task submissions from the scheduler through the
// queue and router, and resolves each one exactly once.
package dispatch

import (
	"context"
	"sync"

	"github.com/asterism-org/asterism/internal/aip"
)

// Request is the content of one task submission.
type Request struct {
	TaskID      string
	Description string
	Data        map[string]any
}

// Outcome is the terminal result of a submission. Exactly one of a matching
// terminal reply, a timeout, a disconnect, or a cancellation produces it.
type Outcome struct {
	OK     bool
	Result map[string]any
	Stream []aip.ActionResult
	Err    error
	Reason Reason
}

// Completed builds a successful outcome.
func Completed(result map[string]any) Outcome {
	return Outcome{OK: true, Result: result}
}

// Failed builds a failed outcome with the given reason.
func Failed(reason Reason, err error) Outcome {
	return Outcome{Reason: reason, Err: err}
}

// Handle is a single-shot future for one submission. It is resolved exactly
// once; later resolutions lose and report so.
type Handle struct {
	once    sync.Once
	done    chan struct{}
	outcome Outcome
}

// NewHandle creates an unresolved handle.
func NewHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// Resolve settles the handle. It returns true when this call won the
// resolution, false when the handle was already settled. The outcome write
// is ordered before the done close, so readers gated on Done see it.
func (h *Handle) Resolve(outcome Outcome) bool {
	won := false
	h.once.Do(func() {
		h.outcome = outcome
		close(h.done)
		won = true
	})
	return won
}

// Done returns a channel closed when the handle resolves.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Outcome returns the settled outcome. The bool is false while unresolved.
func (h *Handle) Outcome() (Outcome, bool) {
	select {
	case <-h.done:
		return h.outcome, true
	default:
		return Outcome{}, false
	}
}

// Wait blocks until the handle resolves or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-h.done:
		return h.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
