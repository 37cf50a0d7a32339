package eventbus

import "time"

// Kind identifies an event variant on the bus.
type Kind string

const (
	KindDeviceStatusChanged      Kind = "device_status_changed"
	KindTaskStarted              Kind = "task_started"
	KindTaskCompleted            Kind = "task_completed"
	KindTaskFailed               Kind = "task_failed"
	KindTaskCancelled            Kind = "task_cancelled"
	KindConstellationMutated     Kind = "constellation_mutated"
	KindConstellationStateChange Kind = "constellation_state_changed"
)

// Event is the common surface of everything published on the bus.
// Correlating ids are plain strings so the bus stays a leaf package.
type Event interface {
	Kind() Kind
	Timestamp() time.Time
}

// DeviceStatusChanged records a device lifecycle transition.
type DeviceStatusChanged struct {
	DeviceID string
	From     string
	To       string
	Reason   string
	At       time.Time
}

func (e DeviceStatusChanged) Kind() Kind           { return KindDeviceStatusChanged }
func (e DeviceStatusChanged) Timestamp() time.Time { return e.At }

// TaskStarted records a task submission reaching a device.
type TaskStarted struct {
	ConstellationID string
	TaskID          string
	DeviceID        string
	At              time.Time
}

func (e TaskStarted) Kind() Kind           { return KindTaskStarted }
func (e TaskStarted) Timestamp() time.Time { return e.At }

// TaskCompleted records a successful terminal task outcome.
type TaskCompleted struct {
	ConstellationID string
	TaskID          string
	DeviceID        string
	Result          string
	Duration        time.Duration
	At              time.Time
}

func (e TaskCompleted) Kind() Kind           { return KindTaskCompleted }
func (e TaskCompleted) Timestamp() time.Time { return e.At }

// TaskFailed records a failed terminal task outcome.
type TaskFailed struct {
	ConstellationID string
	TaskID          string
	DeviceID        string
	Reason          string
	Duration        time.Duration
	At              time.Time
}

func (e TaskFailed) Kind() Kind           { return KindTaskFailed }
func (e TaskFailed) Timestamp() time.Time { return e.At }

// TaskCancelled records a task abandoned before completion.
type TaskCancelled struct {
	ConstellationID string
	TaskID          string
	Reason          string
	At              time.Time
}

func (e TaskCancelled) Kind() Kind           { return KindTaskCancelled }
func (e TaskCancelled) Timestamp() time.Time { return e.At }

// ConstellationMutated records an editor change to the task graph.
type ConstellationMutated struct {
	ConstellationID string
	Summary         string
	At              time.Time
}

func (e ConstellationMutated) Kind() Kind           { return KindConstellationMutated }
func (e ConstellationMutated) Timestamp() time.Time { return e.At }

// ConstellationStateChanged records an aggregate state transition.
type ConstellationStateChanged struct {
	ConstellationID string
	From            string
	To              string
	At              time.Time
}

func (e ConstellationStateChanged) Kind() Kind           { return KindConstellationStateChange }
func (e ConstellationStateChanged) Timestamp() time.Time { return e.At }
