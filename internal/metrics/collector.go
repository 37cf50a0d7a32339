// Package metrics exposes coordinator activity as Prometheus metrics. The
// collector subscribes to the event bus and turns device and task events
// into counters, so it adds no calls on the hot paths it measures.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/asterism-org/asterism/internal/device"
	"github.com/asterism-org/asterism/internal/eventbus"
)

// Collector implements prometheus.Collector over bus-fed metrics. Register
// it on any prometheus.Registerer, or use NewRegistry for a bundle with the
// standard process and Go runtime collectors.
type Collector struct {
	startedAt time.Time
	sub       *eventbus.Subscription

	info             *prometheus.GaugeVec
	uptime           prometheus.Gauge
	connectedDevices prometheus.Gauge
	connectAttempts  prometheus.Counter
	disconnects      *prometheus.CounterVec
	tasks            *prometheus.CounterVec
	taskDuration     prometheus.Histogram
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector builds the metric set and subscribes it to the bus. Call
// Close to detach.
func NewCollector(version string, bus *eventbus.Bus) *Collector {
	c := &Collector{
		startedAt: time.Now(),
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "asterism_info",
			Help: "Build information.",
		}, []string{"version"}),
		uptime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "asterism_uptime_seconds",
			Help: "Seconds since the collector was created.",
		}),
		connectedDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "asterism_connected_devices",
			Help: "Devices with a live session (connected, idle, or busy).",
		}),
		connectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asterism_connect_attempts_total",
			Help: "Connection attempts, including reconnects.",
		}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asterism_disconnects_total",
			Help: "Sessions lost or closed, by reason.",
		}, []string{"reason"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asterism_tasks_total",
			Help: "Terminal task outcomes, by status.",
		}, []string{"status"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "asterism_task_duration_seconds",
			Help:    "Wall-clock duration of terminal tasks.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 14),
		}),
	}
	c.info.WithLabelValues(version).Set(1)

	c.sub = bus.SubscribeFunc(c.onEvent,
		eventbus.KindDeviceStatusChanged,
		eventbus.KindTaskCompleted,
		eventbus.KindTaskFailed,
		eventbus.KindTaskCancelled,
	)
	return c
}

// Close detaches the collector from the bus. Gathered values freeze at
// their last state.
func (c *Collector) Close() {
	c.sub.Cancel()
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.info.Describe(ch)
	c.uptime.Describe(ch)
	c.connectedDevices.Describe(ch)
	c.connectAttempts.Describe(ch)
	c.disconnects.Describe(ch)
	c.tasks.Describe(ch)
	c.taskDuration.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.uptime.Set(time.Since(c.startedAt).Seconds())

	c.info.Collect(ch)
	c.uptime.Collect(ch)
	c.connectedDevices.Collect(ch)
	c.connectAttempts.Collect(ch)
	c.disconnects.Collect(ch)
	c.tasks.Collect(ch)
	c.taskDuration.Collect(ch)
}

func (c *Collector) onEvent(evt eventbus.Event) {
	switch e := evt.(type) {
	case eventbus.DeviceStatusChanged:
		c.onStatusChange(e)
	case eventbus.TaskCompleted:
		c.tasks.WithLabelValues("completed").Inc()
		c.taskDuration.Observe(e.Duration.Seconds())
	case eventbus.TaskFailed:
		c.tasks.WithLabelValues("failed").Inc()
		if e.Duration > 0 {
			c.taskDuration.Observe(e.Duration.Seconds())
		}
	case eventbus.TaskCancelled:
		c.tasks.WithLabelValues("cancelled").Inc()
	}
}

func (c *Collector) onStatusChange(e eventbus.DeviceStatusChanged) {
	if e.To == device.Connecting.String() {
		c.connectAttempts.Inc()
	}

	from, to := isLiveStatus(e.From), isLiveStatus(e.To)
	switch {
	case !from && to:
		c.connectedDevices.Inc()
	case from && !to:
		c.connectedDevices.Dec()
		c.disconnects.WithLabelValues(e.Reason).Inc()
	}
}

func isLiveStatus(s string) bool {
	switch s {
	case device.Connected.String(), device.Idle.String(), device.Busy.String():
		return true
	}
	return false
}

// NewRegistry returns a registry with the collector plus the standard
// process and Go runtime collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c,
	)
	return registry
}
