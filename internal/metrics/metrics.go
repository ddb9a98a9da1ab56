// Package metrics exposes Prometheus counters for gateway and governor
// decisions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Admissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "moltshield",
			Subsystem: "governor",
			Name:      "admissions_total",
			Help:      "Actions admitted by the governor, by action kind.",
		},
		[]string{"action"},
	)
	Denials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "moltshield",
			Subsystem: "governor",
			Name:      "denials_total",
			Help:      "Actions denied by the governor, by action kind and reason.",
		},
		[]string{"action", "reason"},
	)
	Suspensions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "moltshield",
			Subsystem: "governor",
			Name:      "suspensions_total",
			Help:      "External suspension reports that engaged backoff.",
		},
	)
	Blocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "moltshield",
			Subsystem: "gateway",
			Name:      "blocked_total",
			Help:      "Actions blocked by content inspection, by rule.",
		},
		[]string{"rule"},
	)
	AuditEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "moltshield",
			Subsystem: "audit",
			Name:      "events_total",
			Help:      "Security events recorded, by type.",
		},
		[]string{"type"},
	)
	AuditFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "moltshield",
			Subsystem: "audit",
			Name:      "fallback_total",
			Help:      "Security events that could not reach the durable sink.",
		},
	)
)

func init() {
	_ = prometheus.Register(Admissions)
	_ = prometheus.Register(Denials)
	_ = prometheus.Register(Suspensions)
	_ = prometheus.Register(Blocks)
	_ = prometheus.Register(AuditEvents)
	_ = prometheus.Register(AuditFallbacks)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
