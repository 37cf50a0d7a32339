package config

import "time"

// Definition is the raw configuration shape as viper unmarshals it. Keys
// match the YAML file and the env binding table; the loader turns a
// Definition into a validated Config.
type Definition struct {
	// Debug toggles debug-level logging.
	Debug bool `mapstructure:"debug"`

	// LogFormat selects the log output format ("text" or "json").
	LogFormat string `mapstructure:"log_format"`

	// ClientID identifies this coordinator in protocol envelopes.
	ClientID string `mapstructure:"client_id"`

	// HeartbeatInterval is the liveness probe cadence. The reply timeout
	// is twice this value.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval_s"`

	// InitialReconnectDelay is the base of the exponential backoff
	// applied after an involuntary disconnect.
	InitialReconnectDelay time.Duration `mapstructure:"initial_reconnect_delay_s"`

	// MaxReconnectDelay caps the backoff.
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay_s"`

	// DefaultMaxRetries caps consecutive failed reconnects for devices
	// whose profile does not set its own cap.
	DefaultMaxRetries int `mapstructure:"default_max_retries"`

	// DefaultTaskTimeout is the submission deadline applied when a task
	// does not carry its own timeout.
	DefaultTaskTimeout time.Duration `mapstructure:"default_task_timeout_s"`

	// MaxHistorySize caps the editor's undo journal.
	MaxHistorySize int `mapstructure:"max_history_size"`

	// AssignmentStrategy names the device-selection strategy:
	// round_robin, capability_first, or preference_table.
	AssignmentStrategy string `mapstructure:"assignment_strategy"`

	// DevicePreferenceTable maps a task device type to a preferred device
	// id. Accepts a YAML map or a comma-separated "type=id" string from
	// the environment.
	DevicePreferenceTable any `mapstructure:"device_preference_table"`

	// Devices lists device profiles inline.
	Devices []Device `mapstructure:"devices"`

	// DevicesFile points at a separate YAML file with additional device
	// profiles, appended after the inline list.
	DevicesFile string `mapstructure:"devices_file"`
}
