// Package metrics exposes Prometheus instrumentation for the worker
// subsystem.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ServersLive tracks how many coder servers are currently healthy.
	ServersLive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "orbit",
		Subsystem: "pool",
		Name:      "servers_live",
		Help:      "Number of healthy coder server processes.",
	})

	// ServerSpawnsTotal counts successful server spawns.
	ServerSpawnsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "orbit",
		Subsystem: "pool",
		Name:      "server_spawns_total",
		Help:      "Total coder server processes spawned to a healthy state.",
	})

	// ServerRestartsTotal counts respawns after a server crash.
	ServerRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "orbit",
		Subsystem: "pool",
		Name:      "server_restarts_total",
		Help:      "Total respawn attempts for crashed coder servers.",
	})

	// WorkersSpawnedTotal counts worker drivers started.
	WorkersSpawnedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "orbit",
		Subsystem: "worker",
		Name:      "spawned_total",
		Help:      "Total workers spawned.",
	})

	// WorkersFinishedTotal counts workers by terminal outcome
	// ("completed" or "failed").
	WorkersFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orbit",
		Subsystem: "worker",
		Name:      "finished_total",
		Help:      "Total workers reaching a terminal state, by outcome.",
	}, []string{"outcome"})

	// WorkerDurationSeconds observes wall time from spawn to terminal
	// state.
	WorkerDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "orbit",
		Subsystem: "worker",
		Name:      "duration_seconds",
		Help:      "Worker lifetime from spawn to terminal state.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
