package constellation

import "fmt"

// TaskStatus represents the lifecycle phases of a star.
type TaskStatus int

const (
	StatusPending TaskStatus = iota
	StatusWaitingDependency
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusCancelled
)

// String returns the canonical lowercase token used in documents and logs.
func (s TaskStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusWaitingDependency:
		return "waiting_dependency"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the status is final. A terminal star never
// changes status again; it can only leave the constellation by removal.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsSchedulable reports whether the scheduler may still start the star.
func (s TaskStatus) IsSchedulable() bool {
	return s == StatusPending || s == StatusWaitingDependency
}

// ParseTaskStatus converts a document token back to a TaskStatus.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch s {
	case "pending":
		return StatusPending, nil
	case "waiting_dependency":
		return StatusWaitingDependency, nil
	case "running":
		return StatusRunning, nil
	case "completed":
		return StatusCompleted, nil
	case "failed":
		return StatusFailed, nil
	case "cancelled":
		return StatusCancelled, nil
	default:
		return StatusPending, fmt.Errorf("unknown task status %q", s)
	}
}

// Priority orders ready stars for dispatch. Higher values dispatch first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// String implements fmt.Stringer.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority converts a document token back to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "medium", "":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityMedium, fmt.Errorf("unknown priority %q", s)
	}
}

// State is the aggregate constellation state, recomputed from task
// statuses after every transition.
type State int

const (
	StateCreated State = iota
	StateReady
	StateExecuting
	StateCompleted
	StateFailed
	StatePartiallyFailed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateReady:
		return "ready"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StatePartiallyFailed:
		return "partially_failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether every star in the constellation is terminal.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StatePartiallyFailed
}

// ParseState converts a document token back to a State.
func ParseState(s string) (State, error) {
	switch s {
	case "created":
		return StateCreated, nil
	case "ready":
		return StateReady, nil
	case "executing":
		return StateExecuting, nil
	case "completed":
		return StateCompleted, nil
	case "failed":
		return StateFailed, nil
	case "partially_failed":
		return StatePartiallyFailed, nil
	default:
		return StateCreated, fmt.Errorf("unknown constellation state %q", s)
	}
}
