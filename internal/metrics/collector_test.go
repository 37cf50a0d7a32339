package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asterism-org/asterism/internal/device"
	"github.com/asterism-org/asterism/internal/eventbus"
	"github.com/asterism-org/asterism/internal/metrics"
)

func gather(t *testing.T, registry *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)

	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, fam := range families {
		byName[fam.GetName()] = fam
	}
	return byName
}

func counterValue(t *testing.T, fam *dto.MetricFamily, labelName, labelValue string) float64 {
	t.Helper()
	for _, metric := range fam.GetMetric() {
		for _, label := range metric.GetLabel() {
			if label.GetName() == labelName && label.GetValue() == labelValue {
				return metric.GetCounter().GetValue()
			}
		}
	}
	t.Fatalf("no %s=%s sample in %s", labelName, labelValue, fam.GetName())
	return 0
}

func statusChange(from, to device.Status, reason string) eventbus.DeviceStatusChanged {
	return eventbus.DeviceStatusChanged{
		DeviceID: "tab-1",
		From:     from.String(),
		To:       to.String(),
		Reason:   reason,
		At:       time.Now(),
	}
}

func TestCollectorDescribe(t *testing.T) {
	t.Parallel()

	collector := metrics.NewCollector("1.0.0", eventbus.New())

	ch := make(chan *prometheus.Desc, 10)
	collector.Describe(ch)
	close(ch)

	count := 0
	for range ch {
		count++
	}
	assert.Equal(t, 7, count)
}

func TestTaskOutcomeCounters(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	collector := metrics.NewCollector("1.0.0", bus)
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)

	bus.Publish(eventbus.TaskCompleted{TaskID: "t-1", Duration: 1500 * time.Millisecond, At: time.Now()})
	bus.Publish(eventbus.TaskCompleted{TaskID: "t-2", Duration: 500 * time.Millisecond, At: time.Now()})
	bus.Publish(eventbus.TaskFailed{TaskID: "t-3", Reason: "task_failed", At: time.Now()})
	bus.Publish(eventbus.TaskCancelled{TaskID: "t-4", Reason: "unreachable predicate", At: time.Now()})

	families := gather(t, registry)

	tasks := families["asterism_tasks_total"]
	require.NotNil(t, tasks)
	assert.Equal(t, float64(2), counterValue(t, tasks, "status", "completed"))
	assert.Equal(t, float64(1), counterValue(t, tasks, "status", "failed"))
	assert.Equal(t, float64(1), counterValue(t, tasks, "status", "cancelled"))

	// The failed task carried no duration, so only the completed pair is
	// observed.
	hist := families["asterism_task_duration_seconds"]
	require.NotNil(t, hist)
	assert.Equal(t, uint64(2), hist.GetMetric()[0].GetHistogram().GetSampleCount())
	assert.InDelta(t, 2.0, hist.GetMetric()[0].GetHistogram().GetSampleSum(), 1e-9)
}

func TestDeviceLifecycleMetrics(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	collector := metrics.NewCollector("1.0.0", bus)
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)

	bus.Publish(statusChange(device.Disconnected, device.Connecting, "connect"))
	bus.Publish(statusChange(device.Connecting, device.Connected, "registered"))
	bus.Publish(statusChange(device.Connected, device.Idle, "handshake complete"))
	bus.Publish(statusChange(device.Idle, device.Busy, "task dispatched"))

	families := gather(t, registry)
	assert.Equal(t, float64(1), families["asterism_connected_devices"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, float64(1), families["asterism_connect_attempts_total"].GetMetric()[0].GetCounter().GetValue())

	bus.Publish(statusChange(device.Busy, device.Disconnected, "heartbeat_timeout"))
	bus.Publish(statusChange(device.Disconnected, device.Connecting, "connect"))

	families = gather(t, registry)
	assert.Equal(t, float64(0), families["asterism_connected_devices"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, float64(2), families["asterism_connect_attempts_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, float64(1), counterValue(t, families["asterism_disconnects_total"], "reason", "heartbeat_timeout"))
}

func TestInfoAndUptime(t *testing.T) {
	t.Parallel()

	collector := metrics.NewCollector("1.2.3", eventbus.New())
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)

	time.Sleep(time.Millisecond)
	families := gather(t, registry)

	info := families["asterism_info"]
	require.NotNil(t, info)
	require.Len(t, info.GetMetric(), 1)
	assert.Equal(t, float64(1), info.GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, "version", info.GetMetric()[0].GetLabel()[0].GetName())
	assert.Equal(t, "1.2.3", info.GetMetric()[0].GetLabel()[0].GetValue())

	assert.Greater(t, families["asterism_uptime_seconds"].GetMetric()[0].GetGauge().GetValue(), float64(0))
}

func TestNewRegistryIncludesRuntimeMetrics(t *testing.T) {
	t.Parallel()

	registry := metrics.NewRegistry(metrics.NewCollector("1.0.0", eventbus.New()))

	families := gather(t, registry)
	assert.Contains(t, families, "go_goroutines")
	assert.Contains(t, families, "asterism_info")
}

func TestCloseDetachesFromBus(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	collector := metrics.NewCollector("1.0.0", bus)
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)

	bus.Publish(eventbus.TaskCompleted{TaskID: "t-1", Duration: time.Second, At: time.Now()})
	collector.Close()
	bus.Publish(eventbus.TaskCompleted{TaskID: "t-2", Duration: time.Second, At: time.Now()})

	families := gather(t, registry)
	assert.Equal(t, float64(1), counterValue(t, families["asterism_tasks_total"], "status", "completed"))
}
