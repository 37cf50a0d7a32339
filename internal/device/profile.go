package device

import (
	"maps"
	"slices"
	"time"
)

// Profile describes one registered device. The registry owns the record;
// readers receive deep-copied snapshots.
type Profile struct {
	DeviceID     string
	EndpointURL  string
	OS           string
	Capabilities []string
	Metadata     map[string]any
	// MaxRetries caps consecutive failed reconnect attempts. Zero means
	// the coordinator default applies.
	MaxRetries int

	// Managed by the registry.
	Status             Status
	LastHeartbeatAt    time.Time
	ConnectionAttempts int
	CurrentTaskID      string
	SystemInfo         map[string]any
	RegisteredAt       time.Time
}

// HasCapability reports whether the device declares the capability.
func (p *Profile) HasCapability(capability string) bool {
	return slices.Contains(p.Capabilities, capability)
}

// clone deep-copies the profile's collections. Collection values are
// treated as immutable once stored.
func (p *Profile) clone() Profile {
	c := *p
	c.Capabilities = slices.Clone(p.Capabilities)
	c.Metadata = maps.Clone(p.Metadata)
	c.SystemInfo = maps.Clone(p.SystemInfo)
	return c
}
