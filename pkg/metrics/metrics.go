// Package metrics exposes prometheus instrumentation for the replay engine.
// collectors register on the default registry and are served by promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mktreplay_sessions_active",
		Help: "Number of sessions currently registered.",
	})
	sessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mktreplay_sessions_created_total",
		Help: "Total sessions created.",
	})
	sessionsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mktreplay_sessions_completed_total",
		Help: "Total sessions that replayed the full catalogue.",
	})
	sessionsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mktreplay_sessions_evicted_total",
		Help: "Total sessions evicted after their idle TTL.",
	})
	eventsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mktreplay_events_emitted_total",
		Help: "Total events published to outbound streams.",
	})
	publishStalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mktreplay_publish_stalls_total",
		Help: "Times a publish blocked on a full outbound channel.",
	})
	catalogueEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mktreplay_catalogue_events",
		Help: "Number of events in the loaded catalogue.",
	})
)

// SessionCreated records a new session registration.
func SessionCreated() {
	sessionsCreated.Inc()
	sessionsActive.Inc()
}

// SessionRemoved records a session leaving the registry.
func SessionRemoved() {
	sessionsActive.Dec()
}

// SessionCompleted records a session reaching the end of the catalogue.
func SessionCompleted() {
	sessionsCompleted.Inc()
}

// SessionEvicted records a TTL eviction.
func SessionEvicted() {
	sessionsEvicted.Inc()
}

// EventEmitted records one event delivered to an outbound stream.
func EventEmitted() {
	eventsEmitted.Inc()
}

// PublishStalled records a publish that blocked on a full outbound channel.
func PublishStalled() {
	publishStalls.Inc()
}

// SetCatalogueSize records the catalogue size at startup.
func SetCatalogueSize(n int) {
	catalogueEvents.Set(float64(n))
}
