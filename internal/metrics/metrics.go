// Package metrics registers the Prometheus series the admin HTTP surface
// exposes, grounded on internal/infra/observability/observability.go's
// promauto-based gauge/counter/histogram definitions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "flux"

var (
	// GossipProbesTotal counts completed direct probes by outcome.
	GossipProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gossip",
		Name:      "probes_total",
		Help:      "Direct gossip probes completed, labeled by result.",
	}, []string{"result"})

	// GossipMembers gauges the current member count by SWIM state.
	GossipMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gossip",
		Name:      "members",
		Help:      "Known cluster members, labeled by state.",
	}, []string{"state"})

	// BackendHealth gauges 1 for healthy, 0 for unhealthy, per backend.
	BackendHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "backend",
		Name:      "health",
		Help:      "Backend health, 1=healthy 0=unhealthy.",
	}, []string{"backend"})

	// BackendSelectedTotal counts how often each backend was chosen by
	// select_backend.
	BackendSelectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backend",
		Name:      "selected_total",
		Help:      "Times a backend was selected for a new connection.",
	}, []string{"backend"})

	// NoHealthyBackendsTotal counts selection attempts that found nothing
	// healthy.
	NoHealthyBackendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "no_healthy_backends_total",
		Help:      "Connection-accept events where no healthy backend existed.",
	})

	// ConnpoolIdleConnections gauges idle pooled connections per backend.
	ConnpoolIdleConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "connpool",
		Name:      "idle_connections",
		Help:      "Idle pooled connections currently cached, per backend.",
	}, []string{"backend"})

	// SpliceBytesTotal counts bytes moved through the data plane by
	// direction.
	SpliceBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "splice_bytes_total",
		Help:      "Bytes copied through the proxy data plane, by direction.",
	}, []string{"direction"})

	// ProbeDurationSeconds histograms health-probe latency.
	ProbeDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "probe_duration_seconds",
		Help:      "Wall-clock duration of a single backend health probe.",
		Buckets:   prometheus.DefBuckets,
	})
)
