// Package device keeps the registry of device profiles and enforces the
// connection lifecycle. All mutations go through the registry, which
// serializes them; readers get deep-copied snapshots.
package device

import (
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/asterism-org/asterism/internal/logger"
	"github.com/asterism-org/asterism/internal/logger/tag"
)

// Registry maintains device_id -> Profile.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Profile
	logger  logger.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(lg logger.Logger) Option {
	return func(r *Registry) { r.logger = lg }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		devices: make(map[string]*Profile),
		logger:  logger.NewLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a new profile. The os tag is required; when absent it is
// promoted from metadata["os"] with a warning. Endpoint URLs must parse and
// use a ws, wss, http, or https scheme.
func (r *Registry) Register(profile Profile) error {
	if profile.DeviceID == "" {
		return fmt.Errorf("%w: empty device id", ErrInvalidProfile)
	}
	if err := validateEndpoint(profile.EndpointURL); err != nil {
		return err
	}
	if profile.OS == "" {
		promoted, ok := profile.Metadata["os"].(string)
		if !ok || promoted == "" {
			return fmt.Errorf("%w: %s", ErrMissingOS, profile.DeviceID)
		}
		r.logger.Warn("promoting os tag from metadata",
			tag.Device(profile.DeviceID), "os", promoted)
		profile.OS = promoted
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.devices[profile.DeviceID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateDevice, profile.DeviceID)
	}

	profile.Status = Disconnected
	profile.RegisteredAt = time.Now()
	stored := profile.clone()
	r.devices[profile.DeviceID] = &stored
	return nil
}

// Deregister removes the profile.
func (r *Registry) Deregister(deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.devices[deviceID]; !exists {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	delete(r.devices, deviceID)
	return nil
}

// Snapshot returns a deep copy of the profile.
func (r *Registry) Snapshot(deviceID string) (Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	profile, exists := r.devices[deviceID]
	if !exists {
		return Profile{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	return profile.clone(), nil
}

// SetStatus moves the device to next, enforcing the lifecycle table.
// It returns the previous status so callers can publish the transition.
func (r *Registry) SetStatus(deviceID string, next Status) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	profile, exists := r.devices[deviceID]
	if !exists {
		return Disconnected, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	prev := profile.Status
	if !prev.CanTransition(next) {
		return prev, &TransitionError{DeviceID: deviceID, From: prev, To: next}
	}
	profile.Status = next
	return prev, nil
}

// TouchHeartbeat records a successful liveness probe.
func (r *Registry) TouchHeartbeat(deviceID string) error {
	return r.update(deviceID, func(p *Profile) {
		p.LastHeartbeatAt = time.Now()
	})
}

// IncrementAttempts bumps the consecutive reconnect-attempt counter and
// returns the new value.
func (r *Registry) IncrementAttempts(deviceID string) (int, error) {
	var attempts int
	err := r.update(deviceID, func(p *Profile) {
		p.ConnectionAttempts++
		attempts = p.ConnectionAttempts
	})
	return attempts, err
}

// ResetAttempts clears the reconnect-attempt counter after a successful
// connection.
func (r *Registry) ResetAttempts(deviceID string) error {
	return r.update(deviceID, func(p *Profile) {
		p.ConnectionAttempts = 0
	})
}

// SetCurrentTask records the task the device is executing; empty clears it.
func (r *Registry) SetCurrentTask(deviceID, taskID string) error {
	return r.update(deviceID, func(p *Profile) {
		p.CurrentTaskID = taskID
	})
}

// UpdateSystemInfo stores the device-info handshake result.
func (r *Registry) UpdateSystemInfo(deviceID string, info map[string]any) error {
	return r.update(deviceID, func(p *Profile) {
		p.SystemInfo = info
	})
}

func (r *Registry) update(deviceID string, fn func(*Profile)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	profile, exists := r.devices[deviceID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	fn(profile)
	return nil
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	Statuses   []Status
	Capability string
}

func (f Filter) matches(p *Profile) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if p.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Capability != "" && !p.HasCapability(f.Capability) {
		return false
	}
	return true
}

// List returns snapshots of matching profiles sorted by device id.
func (r *Registry) List(filter Filter) []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Profile
	for _, profile := range r.devices {
		if filter.matches(profile) {
			out = append(out, profile.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func validateEndpoint(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: empty", ErrInvalidEndpoint)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidEndpoint, raw, err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
		return nil
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, u.Scheme)
	}
}
