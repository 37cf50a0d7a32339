package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asterism-org/asterism/internal/config"
	"github.com/asterism-org/asterism/internal/constellation/scheduler"
)

func testLoad(t *testing.T, opts ...config.LoaderOption) *config.Config {
	t.Helper()
	cfg, err := config.NewLoader(viper.New(), opts...).Load()
	require.NoError(t, err)
	return cfg
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func loadFromYAML(t *testing.T, yamlContent string) *config.Config {
	t.Helper()
	return testLoad(t, config.WithConfigFile(writeFile(t, "asterism.yaml", yamlContent)))
}

func loadWithErrorFromYAML(t *testing.T, yamlContent string) error {
	t.Helper()
	_, err := config.NewLoader(viper.New(),
		config.WithConfigFile(writeFile(t, "asterism.yaml", yamlContent))).Load()
	require.Error(t, err)
	return err
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg := loadFromYAML(t, "# empty config")

	assert.False(t, cfg.Debug)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "asterism", cfg.ClientID)
	assert.Equal(t, 30*time.Second, cfg.Coordinator.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, cfg.Coordinator.InitialReconnectDelay)
	assert.Equal(t, 300*time.Second, cfg.Coordinator.MaxReconnectDelay)
	assert.Equal(t, 5, cfg.Coordinator.DefaultMaxRetries)
	assert.Equal(t, 1000*time.Second, cfg.Coordinator.DefaultTaskTimeout)
	assert.Equal(t, 100, cfg.MaxHistorySize)
	assert.Equal(t, scheduler.RoundRobin, cfg.Scheduling.Strategy)
	assert.Empty(t, cfg.Scheduling.Preferences)
	assert.Empty(t, cfg.Devices)
	assert.NotEmpty(t, cfg.ConfigFileUsed)
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	cfg := loadFromYAML(t, `
debug: true
log_format: json
client_id: orbit-7
heartbeat_interval_s: 45
initial_reconnect_delay_s: 2
max_reconnect_delay_s: 10m
default_max_retries: 3
default_task_timeout_s: 600
max_history_size: 25
assignment_strategy: preference_table
device_preference_table:
  tablet: tab-1
  phone: ph-2
devices:
  - device_id: tab-1
    endpoint_url: ws://10.0.0.5:8787/ws
    os: android
    capabilities:
      - shell
      - ui
    metadata:
      rack: a3
    max_retries: 7
  - device_id: ph-2
    endpoint_url: ws://10.0.0.6:8787/ws
    os: ios
`)

	assert.True(t, cfg.Debug)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "orbit-7", cfg.ClientID)
	assert.Equal(t, 45*time.Second, cfg.Coordinator.HeartbeatInterval)
	assert.Equal(t, 2*time.Second, cfg.Coordinator.InitialReconnectDelay)
	assert.Equal(t, 10*time.Minute, cfg.Coordinator.MaxReconnectDelay)
	assert.Equal(t, 3, cfg.Coordinator.DefaultMaxRetries)
	assert.Equal(t, 600*time.Second, cfg.Coordinator.DefaultTaskTimeout)
	assert.Equal(t, 25, cfg.MaxHistorySize)
	assert.Equal(t, scheduler.PreferenceTable, cfg.Scheduling.Strategy)
	assert.Equal(t, map[string]string{"tablet": "tab-1", "phone": "ph-2"}, cfg.Scheduling.Preferences)

	require.Len(t, cfg.Devices, 2)
	tab := cfg.Devices[0]
	assert.Equal(t, "tab-1", tab.DeviceID)
	assert.Equal(t, "ws://10.0.0.5:8787/ws", tab.EndpointURL)
	assert.Equal(t, "android", tab.OS)
	assert.Equal(t, []string{"shell", "ui"}, tab.Capabilities)
	assert.Equal(t, map[string]any{"rack": "a3"}, tab.Metadata)
	assert.Equal(t, 7, tab.MaxRetries)
	assert.Equal(t, "ph-2", cfg.Devices[1].DeviceID)
}

func TestLoadEnvOverrides(t *testing.T) {
	configFile := writeFile(t, "asterism.yaml", "client_id: from-file")

	t.Setenv("ASTERISM_CLIENT_ID", "from-env")
	t.Setenv("ASTERISM_DEBUG", "true")
	t.Setenv("ASTERISM_HEARTBEAT_INTERVAL_S", "60")
	t.Setenv("ASTERISM_ASSIGNMENT_STRATEGY", "capability_first")
	t.Setenv("ASTERISM_DEVICE_PREFERENCE_TABLE", "tablet=tab-1, phone=ph-2")

	cfg := testLoad(t, config.WithConfigFile(configFile))

	assert.Equal(t, "from-env", cfg.ClientID)
	assert.True(t, cfg.Debug)
	assert.Equal(t, 60*time.Second, cfg.Coordinator.HeartbeatInterval)
	assert.Equal(t, scheduler.CapabilityFirst, cfg.Scheduling.Strategy)
	assert.Equal(t, map[string]string{"tablet": "tab-1", "phone": "ph-2"}, cfg.Scheduling.Preferences)
}

func TestLoadDevicesFile(t *testing.T) {
	t.Parallel()

	devicesFile := writeFile(t, "devices.yaml", `
devices:
  - device_id: watch-9
    endpoint_url: ws://10.0.0.9:8787/ws
    os: wearos
    capabilities: [haptics]
`)
	cfg := loadFromYAML(t, `
devices:
  - device_id: tab-1
    endpoint_url: ws://10.0.0.5:8787/ws
    os: android
devices_file: `+devicesFile+`
`)

	require.Len(t, cfg.Devices, 2)
	assert.Equal(t, "tab-1", cfg.Devices[0].DeviceID)
	assert.Equal(t, "watch-9", cfg.Devices[1].DeviceID)
	assert.Equal(t, []string{"haptics"}, cfg.Devices[1].Capabilities)
}

func TestLoadEnvFile(t *testing.T) {
	envFile := writeFile(t, "custom.env", "ASTERISM_LOG_FORMAT=json\n")
	configFile := writeFile(t, "asterism.yaml", "# empty")
	t.Cleanup(func() { _ = os.Unsetenv("ASTERISM_LOG_FORMAT") })

	cfg := testLoad(t,
		config.WithConfigFile(configFile),
		config.WithEnvFile(envFile))

	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadEnvFileDoesNotOverrideExported(t *testing.T) {
	envFile := writeFile(t, "custom.env", "ASTERISM_CLIENT_ID=from-dotenv\n")
	configFile := writeFile(t, "asterism.yaml", "# empty")

	t.Setenv("ASTERISM_CLIENT_ID", "from-exported")

	cfg := testLoad(t,
		config.WithConfigFile(configFile),
		config.WithEnvFile(envFile))

	assert.Equal(t, "from-exported", cfg.ClientID)
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "UnknownStrategy",
			yaml:    "assignment_strategy: quantum",
			wantErr: "unknown assignment strategy",
		},
		{
			name:    "ZeroHeartbeat",
			yaml:    "heartbeat_interval_s: 0",
			wantErr: "heartbeat_interval_s must be positive",
		},
		{
			name:    "BackoffCapBelowBase",
			yaml:    "initial_reconnect_delay_s: 60\nmax_reconnect_delay_s: 30",
			wantErr: "max_reconnect_delay_s",
		},
		{
			name:    "NegativeRetries",
			yaml:    "default_max_retries: -1",
			wantErr: "default_max_retries must not be negative",
		},
		{
			name:    "ZeroHistory",
			yaml:    "max_history_size: 0",
			wantErr: "max_history_size must be positive",
		},
		{
			name: "DuplicateDeviceID",
			yaml: `
devices:
  - device_id: tab-1
    endpoint_url: ws://a/ws
    os: android
  - device_id: tab-1
    endpoint_url: ws://b/ws
    os: ios
`,
			wantErr: `duplicate device id "tab-1"`,
		},
		{
			name: "DeviceWithoutID",
			yaml: `
devices:
  - endpoint_url: ws://a/ws
    os: android
`,
			wantErr: "device_id is required",
		},
		{
			name:    "MalformedYAML",
			yaml:    "devices: [unterminated",
			wantErr: "read config",
		},
		{
			name:    "MissingDevicesFile",
			yaml:    "devices_file: /nonexistent/devices.yaml",
			wantErr: "read devices file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := loadWithErrorFromYAML(t, tt.yaml)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestLoadMissingExplicitConfigFile(t *testing.T) {
	t.Parallel()

	_, err := config.NewLoader(viper.New(),
		config.WithConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))).Load()
	require.Error(t, err)
}

func TestLoadPreferenceTableWarning(t *testing.T) {
	t.Parallel()

	cfg := loadFromYAML(t, `
device_preference_table:
  - tablet
  - phone
`)

	assert.Empty(t, cfg.Scheduling.Preferences)
	require.Len(t, cfg.Warnings, 1)
	assert.Contains(t, cfg.Warnings[0], "device_preference_table")
}
