// Package config loads and validates coordinator configuration from YAML
// files and environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/asterism-org/asterism/internal/constellation/scheduler"
	"github.com/asterism-org/asterism/internal/device"
)

// Config is the validated runtime configuration.
type Config struct {
	Debug     bool
	LogFormat string

	// ClientID stamps the client_id field of every protocol envelope this
	// coordinator sends.
	ClientID string

	Coordinator Coordinator
	Scheduling  Scheduling

	// MaxHistorySize caps the constellation editor's undo journal.
	MaxHistorySize int

	// Devices holds every configured device profile, inline entries
	// first, devices-file entries after.
	Devices []Device

	// ConfigFileUsed is the absolute path of the file viper read, empty
	// when the configuration came from defaults and environment only.
	ConfigFileUsed string

	// Warnings collects non-fatal problems found while loading.
	Warnings []string
}

// Coordinator holds the connection-fabric timings.
type Coordinator struct {
	HeartbeatInterval     time.Duration
	InitialReconnectDelay time.Duration
	MaxReconnectDelay     time.Duration
	DefaultMaxRetries     int
	DefaultTaskTimeout    time.Duration
}

// Scheduling holds the task-assignment settings.
type Scheduling struct {
	Strategy    scheduler.Strategy
	Preferences map[string]string
}

// Device is one configured device profile. The same shape is accepted
// inline in the config file and in a separate devices file.
type Device struct {
	DeviceID     string         `mapstructure:"device_id" yaml:"device_id"`
	EndpointURL  string         `mapstructure:"endpoint_url" yaml:"endpoint_url"`
	OS           string         `mapstructure:"os" yaml:"os"`
	Capabilities []string       `mapstructure:"capabilities" yaml:"capabilities"`
	Metadata     map[string]any `mapstructure:"metadata" yaml:"metadata"`
	MaxRetries   int            `mapstructure:"max_retries" yaml:"max_retries"`
}

// Profile converts the entry into a registry profile.
func (d Device) Profile() device.Profile {
	return device.Profile{
		DeviceID:     d.DeviceID,
		EndpointURL:  d.EndpointURL,
		OS:           d.OS,
		Capabilities: d.Capabilities,
		Metadata:     d.Metadata,
		MaxRetries:   d.MaxRetries,
	}
}

// Validate checks cross-field constraints. Endpoint URLs and os tags are
// left to the device registry, which validates them at registration.
func (c *Config) Validate() error {
	if c.Coordinator.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval_s must be positive, got %v", c.Coordinator.HeartbeatInterval)
	}
	if c.Coordinator.InitialReconnectDelay <= 0 {
		return fmt.Errorf("initial_reconnect_delay_s must be positive, got %v", c.Coordinator.InitialReconnectDelay)
	}
	if c.Coordinator.MaxReconnectDelay < c.Coordinator.InitialReconnectDelay {
		return fmt.Errorf("max_reconnect_delay_s (%v) must be at least initial_reconnect_delay_s (%v)",
			c.Coordinator.MaxReconnectDelay, c.Coordinator.InitialReconnectDelay)
	}
	if c.Coordinator.DefaultMaxRetries < 0 {
		return fmt.Errorf("default_max_retries must not be negative, got %d", c.Coordinator.DefaultMaxRetries)
	}
	if c.Coordinator.DefaultTaskTimeout <= 0 {
		return fmt.Errorf("default_task_timeout_s must be positive, got %v", c.Coordinator.DefaultTaskTimeout)
	}
	if c.MaxHistorySize <= 0 {
		return fmt.Errorf("max_history_size must be positive, got %d", c.MaxHistorySize)
	}

	seen := make(map[string]struct{}, len(c.Devices))
	for i, d := range c.Devices {
		if d.DeviceID == "" {
			return fmt.Errorf("devices[%d]: device_id is required", i)
		}
		if _, dup := seen[d.DeviceID]; dup {
			return fmt.Errorf("duplicate device id %q", d.DeviceID)
		}
		seen[d.DeviceID] = struct{}{}
	}
	return nil
}
