package raven

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "rr_raven"
)

// metricsCollector implements prometheus.Collector interface. A nil
// collector is valid and records nothing.
type metricsCollector struct {
	// Atomic counters for thread-safe metric updates
	queuedEvents    atomic.Uint64 // Total requests accepted by the async queue
	droppedEvents   atomic.Uint64 // Total requests rejected because the queue was full
	deliveredEvents atomic.Uint64 // Total requests delivered by drain tasks
	failedEvents    atomic.Uint64 // Total requests a drain task failed to deliver
	drainTasks      atomic.Uint64 // Total drain tasks scheduled

	queueLength func() int

	// Prometheus metric descriptors
	queuedEventsDesc    *prometheus.Desc
	droppedEventsDesc   *prometheus.Desc
	deliveredEventsDesc *prometheus.Desc
	failedEventsDesc    *prometheus.Desc
	drainTasksDesc      *prometheus.Desc
	queueLengthDesc     *prometheus.Desc

	// Vector metric for captures by level and outcome
	eventsByLevel *prometheus.CounterVec
}

// newMetricsCollector creates a new metrics collector
func newMetricsCollector() *metricsCollector {
	return &metricsCollector{
		queuedEventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "queued_total"),
			"Total number of requests accepted by the async queue",
			nil, nil),

		droppedEventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "dropped_total"),
			"Total number of requests dropped because the queue was full",
			nil, nil),

		deliveredEventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "delivered_total"),
			"Total number of queued requests delivered",
			nil, nil),

		failedEventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "failed_total"),
			"Total number of queued requests whose delivery failed",
			nil, nil),

		drainTasksDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "drain_tasks_total"),
			"Total number of drain tasks scheduled",
			nil, nil),

		queueLengthDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "length"),
			"Current number of pending requests",
			nil, nil),

		eventsByLevel: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prometheus.BuildFQName(namespace, "", "events_total"),
				Help: "Total number of captured events by level and outcome",
			},
			[]string{"level", "outcome"}),
	}
}

func (mc *metricsCollector) IncQueuedEvents() {
	if mc != nil {
		mc.queuedEvents.Add(1)
	}
}

func (mc *metricsCollector) IncDroppedEvents() {
	if mc != nil {
		mc.droppedEvents.Add(1)
	}
}

func (mc *metricsCollector) IncDeliveredEvents() {
	if mc != nil {
		mc.deliveredEvents.Add(1)
	}
}

func (mc *metricsCollector) IncFailedEvents() {
	if mc != nil {
		mc.failedEvents.Add(1)
	}
}

func (mc *metricsCollector) IncDrainTasks() {
	if mc != nil {
		mc.drainTasks.Add(1)
	}
}

// IncEvents counts a capture; outcome is "sent", "accepted" (handed to the
// async queue) or "failed".
func (mc *metricsCollector) IncEvents(level Level, outcome string) {
	if mc != nil {
		mc.eventsByLevel.WithLabelValues(string(level), outcome).Inc()
	}
}

// Describe sends all metric descriptions to Prometheus
func (mc *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- mc.queuedEventsDesc
	ch <- mc.droppedEventsDesc
	ch <- mc.deliveredEventsDesc
	ch <- mc.failedEventsDesc
	ch <- mc.drainTasksDesc
	ch <- mc.queueLengthDesc

	mc.eventsByLevel.Describe(ch)
}

// Collect sends current metric values to Prometheus
func (mc *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	counters := []struct {
		desc  *prometheus.Desc
		value *atomic.Uint64
	}{
		{mc.queuedEventsDesc, &mc.queuedEvents},
		{mc.droppedEventsDesc, &mc.droppedEvents},
		{mc.deliveredEventsDesc, &mc.deliveredEvents},
		{mc.failedEventsDesc, &mc.failedEvents},
		{mc.drainTasksDesc, &mc.drainTasks},
	}
	for _, c := range counters {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, float64(c.value.Load()))
	}

	length := 0
	if mc.queueLength != nil {
		length = mc.queueLength()
	}
	ch <- prometheus.MustNewConstMetric(mc.queueLengthDesc, prometheus.GaugeValue, float64(length))

	mc.eventsByLevel.Collect(ch)
}
