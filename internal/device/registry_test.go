package device_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asterism-org/asterism/internal/device"
	"github.com/asterism-org/asterism/internal/logger"
)

func newRegistry(t *testing.T) *device.Registry {
	t.Helper()
	return device.New(device.WithLogger(logger.NewLogger(logger.WithQuiet())))
}

func androidProfile(id string) device.Profile {
	return device.Profile{
		DeviceID:     id,
		EndpointURL:  "ws://relay.local/ws",
		OS:           "android",
		Capabilities: []string{"browser", "camera"},
		Metadata:     map[string]any{"rack": "a1"},
	}
}

func TestRegisterAndSnapshot(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t)
	require.NoError(t, reg.Register(androidProfile("android-1")))

	snap, err := reg.Snapshot("android-1")
	require.NoError(t, err)
	assert.Equal(t, device.Disconnected, snap.Status)
	assert.False(t, snap.RegisteredAt.IsZero())
	assert.True(t, snap.HasCapability("camera"))
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t)
	require.NoError(t, reg.Register(androidProfile("android-1")))

	err := reg.Register(androidProfile("android-1"))
	assert.ErrorIs(t, err, device.ErrDuplicateDevice)
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()

	t.Run("EmptyID", func(t *testing.T) {
		reg := newRegistry(t)
		profile := androidProfile("")
		assert.ErrorIs(t, reg.Register(profile), device.ErrInvalidProfile)
	})

	t.Run("BadEndpointScheme", func(t *testing.T) {
		reg := newRegistry(t)
		profile := androidProfile("android-1")
		profile.EndpointURL = "ftp://relay.local"
		assert.ErrorIs(t, reg.Register(profile), device.ErrInvalidEndpoint)
	})

	t.Run("EmptyEndpoint", func(t *testing.T) {
		reg := newRegistry(t)
		profile := androidProfile("android-1")
		profile.EndpointURL = ""
		assert.ErrorIs(t, reg.Register(profile), device.ErrInvalidEndpoint)
	})

	t.Run("OSPromotedFromMetadata", func(t *testing.T) {
		reg := newRegistry(t)
		profile := androidProfile("android-1")
		profile.OS = ""
		profile.Metadata = map[string]any{"os": "ios"}
		require.NoError(t, reg.Register(profile))

		snap, err := reg.Snapshot("android-1")
		require.NoError(t, err)
		assert.Equal(t, "ios", snap.OS)
	})

	t.Run("MissingOS", func(t *testing.T) {
		reg := newRegistry(t)
		profile := androidProfile("android-1")
		profile.OS = ""
		profile.Metadata = nil
		assert.ErrorIs(t, reg.Register(profile), device.ErrMissingOS)
	})
}

func TestDeregister(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t)
	require.NoError(t, reg.Register(androidProfile("android-1")))
	require.NoError(t, reg.Deregister("android-1"))

	_, err := reg.Snapshot("android-1")
	assert.ErrorIs(t, err, device.ErrUnknownDevice)
	assert.ErrorIs(t, reg.Deregister("android-1"), device.ErrUnknownDevice)
}

func TestStatusTransitions(t *testing.T) {
	t.Parallel()

	t.Run("FullLifecycle", func(t *testing.T) {
		reg := newRegistry(t)
		require.NoError(t, reg.Register(androidProfile("android-1")))

		for _, next := range []device.Status{
			device.Connecting, device.Connected, device.Idle,
			device.Busy, device.Idle, device.Disconnected,
		} {
			_, err := reg.SetStatus("android-1", next)
			require.NoError(t, err, "transition to %s", next)
		}
	})

	t.Run("IllegalEdges", func(t *testing.T) {
		reg := newRegistry(t)
		require.NoError(t, reg.Register(androidProfile("android-1")))

		_, err := reg.SetStatus("android-1", device.Idle)
		var terr *device.TransitionError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, device.Disconnected, terr.From)
		assert.Equal(t, device.Idle, terr.To)
		assert.Equal(t, "android-1", terr.DeviceID)
	})

	t.Run("FailedReachableFromAnywhere", func(t *testing.T) {
		reg := newRegistry(t)
		require.NoError(t, reg.Register(androidProfile("android-1")))

		prev, err := reg.SetStatus("android-1", device.Failed)
		require.NoError(t, err)
		assert.Equal(t, device.Disconnected, prev)

		// Explicit reconnect leaves Failed.
		_, err = reg.SetStatus("android-1", device.Connecting)
		require.NoError(t, err)
	})

	t.Run("PreviousStatusReturned", func(t *testing.T) {
		reg := newRegistry(t)
		require.NoError(t, reg.Register(androidProfile("android-1")))

		prev, err := reg.SetStatus("android-1", device.Connecting)
		require.NoError(t, err)
		assert.Equal(t, device.Disconnected, prev)
	})

	t.Run("UnknownDevice", func(t *testing.T) {
		reg := newRegistry(t)
		_, err := reg.SetStatus("ghost", device.Connecting)
		assert.ErrorIs(t, err, device.ErrUnknownDevice)
	})
}

func TestSnapshotIsolation(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t)
	require.NoError(t, reg.Register(androidProfile("android-1")))

	snap, err := reg.Snapshot("android-1")
	require.NoError(t, err)
	snap.Metadata["rack"] = "tampered"
	snap.Capabilities[0] = "tampered"

	fresh, err := reg.Snapshot("android-1")
	require.NoError(t, err)
	assert.Equal(t, "a1", fresh.Metadata["rack"])
	assert.Equal(t, "browser", fresh.Capabilities[0])
}

func TestBookkeeping(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t)
	require.NoError(t, reg.Register(androidProfile("android-1")))

	require.NoError(t, reg.TouchHeartbeat("android-1"))
	snap, _ := reg.Snapshot("android-1")
	assert.False(t, snap.LastHeartbeatAt.IsZero())

	n, err := reg.IncrementAttempts("android-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, _ = reg.IncrementAttempts("android-1")
	assert.Equal(t, 2, n)

	require.NoError(t, reg.ResetAttempts("android-1"))
	snap, _ = reg.Snapshot("android-1")
	assert.Zero(t, snap.ConnectionAttempts)

	require.NoError(t, reg.SetCurrentTask("android-1", "t-9"))
	snap, _ = reg.Snapshot("android-1")
	assert.Equal(t, "t-9", snap.CurrentTaskID)

	require.NoError(t, reg.UpdateSystemInfo("android-1", map[string]any{"cpu_count": 8}))
	snap, _ = reg.Snapshot("android-1")
	assert.Equal(t, 8, snap.SystemInfo["cpu_count"])
}

func TestList(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t)
	require.NoError(t, reg.Register(androidProfile("android-2")))
	require.NoError(t, reg.Register(androidProfile("android-1")))

	ios := androidProfile("iphone-1")
	ios.OS = "ios"
	ios.Capabilities = []string{"camera"}
	require.NoError(t, reg.Register(ios))

	_, err := reg.SetStatus("android-1", device.Connecting)
	require.NoError(t, err)

	all := reg.List(device.Filter{})
	require.Len(t, all, 3)
	assert.Equal(t, "android-1", all[0].DeviceID, "sorted by id")

	connecting := reg.List(device.Filter{Statuses: []device.Status{device.Connecting}})
	require.Len(t, connecting, 1)
	assert.Equal(t, "android-1", connecting[0].DeviceID)

	browsers := reg.List(device.Filter{Capability: "browser"})
	require.Len(t, browsers, 2)

	both := reg.List(device.Filter{
		Statuses:   []device.Status{device.Disconnected},
		Capability: "camera",
	})
	require.Len(t, both, 2)
	assert.Equal(t, "android-2", both[0].DeviceID)
	assert.Equal(t, "iphone-1", both[1].DeviceID)
}

func TestStatusHelpers(t *testing.T) {
	t.Parallel()

	assert.True(t, device.Idle.IsConnected())
	assert.True(t, device.Busy.IsConnected())
	assert.True(t, device.Connected.IsConnected())
	assert.False(t, device.Failed.IsConnected())
	assert.False(t, device.Disconnected.IsConnected())

	assert.True(t, device.Idle.IsAvailable())
	assert.False(t, device.Busy.IsAvailable())

	assert.Equal(t, "disconnected", device.Disconnected.String())
	assert.Equal(t, "busy", device.Busy.String())
}
