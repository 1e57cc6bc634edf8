package raven

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCollector(t *testing.T) {
	mc := newMetricsCollector()
	mc.queueLength = func() int { return 3 }

	mc.IncQueuedEvents()
	mc.IncQueuedEvents()
	mc.IncDroppedEvents()
	mc.IncDeliveredEvents()
	mc.IncDrainTasks()
	mc.IncEvents(LevelError, "sent")
	mc.IncEvents(LevelError, "sent")
	mc.IncEvents(LevelFatal, "failed")

	registry := prometheus.NewPedanticRegistry()
	require.NoError(t, registry.Register(mc))

	expected := `
# HELP rr_raven_queue_queued_total Total number of requests accepted by the async queue
# TYPE rr_raven_queue_queued_total counter
rr_raven_queue_queued_total 2
# HELP rr_raven_queue_dropped_total Total number of requests dropped because the queue was full
# TYPE rr_raven_queue_dropped_total counter
rr_raven_queue_dropped_total 1
# HELP rr_raven_queue_length Current number of pending requests
# TYPE rr_raven_queue_length gauge
rr_raven_queue_length 3
# HELP rr_raven_events_total Total number of captured events by level and outcome
# TYPE rr_raven_events_total counter
rr_raven_events_total{level="error",outcome="sent"} 2
rr_raven_events_total{level="fatal",outcome="failed"} 1
`
	err := testutil.GatherAndCompare(registry, strings.NewReader(expected),
		"rr_raven_queue_queued_total",
		"rr_raven_queue_dropped_total",
		"rr_raven_queue_length",
		"rr_raven_events_total")
	assert.NoError(t, err)

	assert.Equal(t, 8, testutil.CollectAndCount(mc))
}

func TestMetricsCollector_Nil(t *testing.T) {
	var mc *metricsCollector
	assert.NotPanics(t, func() {
		mc.IncQueuedEvents()
		mc.IncDroppedEvents()
		mc.IncDeliveredEvents()
		mc.IncFailedEvents()
		mc.IncDrainTasks()
		mc.IncEvents(LevelInfo, "sent")
	})
}
