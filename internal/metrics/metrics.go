// Package metrics exposes Prometheus instrumentation for the tick pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the Prometheus instruments for the sync engine. It owns a
// private registry so tests can create collectors without clashing on the
// default one.
type Collector struct {
	ticksTotal        *prometheus.CounterVec
	tickDuration      *prometheus.HistogramVec
	delayedTicksTotal *prometheus.CounterVec
	changeRecords     *prometheus.CounterVec
	broadcastsTotal   *prometheus.CounterVec
	activeConnections prometheus.Gauge
	registry          *prometheus.Registry
}

// NewCollector creates a collector with all instruments registered on a
// fresh registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	ticksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worldsync_ticks_total",
			Help: "Total number of ticks executed by group and status",
		},
		[]string{"group", "status"},
	)

	tickDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worldsync_tick_duration_seconds",
			Help:    "Duration of tick capture and diff by group",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		},
		[]string{"group"},
	)

	delayedTicksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worldsync_delayed_ticks_total",
			Help: "Total number of ticks whose duration exceeded the group tick rate",
		},
		[]string{"group"},
	)

	changeRecords := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worldsync_change_records_total",
			Help: "Total number of change records emitted by group, category and op",
		},
		[]string{"group", "category", "op"},
	)

	broadcastsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worldsync_broadcasts_total",
			Help: "Total number of update frames written to connections by group",
		},
		[]string{"group"},
	)

	activeConnections := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worldsync_active_connections",
			Help: "Current number of registered agent connections",
		},
	)

	registry.MustRegister(ticksTotal)
	registry.MustRegister(tickDuration)
	registry.MustRegister(delayedTicksTotal)
	registry.MustRegister(changeRecords)
	registry.MustRegister(broadcastsTotal)
	registry.MustRegister(activeConnections)

	return &Collector{
		ticksTotal:        ticksTotal,
		tickDuration:      tickDuration,
		delayedTicksTotal: delayedTicksTotal,
		changeRecords:     changeRecords,
		broadcastsTotal:   broadcastsTotal,
		activeConnections: activeConnections,
		registry:          registry,
	}
}

// RecordTick records a completed or failed tick for a group. Only successful
// ticks feed the duration histogram; a failed tick has no meaningful
// duration to observe.
func (c *Collector) RecordTick(group, status string, duration time.Duration, delayed bool) {
	c.ticksTotal.WithLabelValues(group, status).Inc()
	if status == "ok" {
		c.tickDuration.WithLabelValues(group).Observe(duration.Seconds())
	}
	if delayed {
		c.delayedTicksTotal.WithLabelValues(group).Inc()
	}
}

// RecordChanges records emitted change records for one category of a tick.
func (c *Collector) RecordChanges(group, category, op string, count int) {
	if count == 0 {
		return
	}
	c.changeRecords.WithLabelValues(group, category, op).Add(float64(count))
}

// RecordBroadcast records update frames written for a group.
func (c *Collector) RecordBroadcast(group string, frames int) {
	if frames == 0 {
		return
	}
	c.broadcastsTotal.WithLabelValues(group).Add(float64(frames))
}

// ConnectionOpened increments the active connection gauge.
func (c *Collector) ConnectionOpened() {
	c.activeConnections.Inc()
}

// ConnectionClosed decrements the active connection gauge.
func (c *Collector) ConnectionClosed() {
	c.activeConnections.Dec()
}

// Registry returns the Prometheus registry for HTTP exposure.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
