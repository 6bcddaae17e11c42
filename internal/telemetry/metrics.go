package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the engine's prometheus collectors. A single instance is
// created in app wiring and handed to each component.
type Metrics struct {
	CastsTotal       prometheus.Counter
	ResolutionsTotal *prometheus.CounterVec
	ReactionSeconds  prometheus.Histogram
	AutofishCycles   *prometheus.CounterVec
	QuotaExhausted   prometheus.Counter
	PresencePlayers  prometheus.Gauge
	BroadcastBytes   prometheus.Counter
	WSConnects       prometheus.Counter
	WSEvictions      prometheus.Counter
	RecoveryMarkers  *prometheus.CounterVec
}

// New registers the engine collectors with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CastsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fishing",
			Name:      "casts_total",
			Help:      "Cast requests accepted by the session manager.",
		}),
		ResolutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fishing",
			Name:      "resolutions_total",
			Help:      "Session resolutions by outcome and quality.",
		}, []string{"outcome", "quality"}),
		ReactionSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fishing",
			Name:      "reaction_seconds",
			Help:      "Server-measured reaction time of catch requests.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		AutofishCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fishing",
			Name:      "autofish_cycles_total",
			Help:      "Autofish cycles by result (ok, error, skipped, watchdog).",
		}, []string{"result"}),
		QuotaExhausted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fishing",
			Name:      "quota_exhausted_total",
			Help:      "Times a player hit the daily cast limit.",
		}),
		PresencePlayers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "presence",
			Name:      "players",
			Help:      "Players currently connected to the presence hub.",
		}),
		BroadcastBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "broadcast_bytes_total",
			Help:      "Bytes written to presence subscribers.",
		}),
		WSConnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "connects_total",
			Help:      "Websocket connections accepted.",
		}),
		WSEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "presence",
			Name:      "evictions_total",
			Help:      "Connections evicted by a newer session for the same player.",
		}),
		RecoveryMarkers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fishing",
			Name:      "recovery_markers_total",
			Help:      "Recovery markers by kind and disposition (written, recovered, stale).",
		}, []string{"kind", "disposition"}),
	}
}

// NewNop returns metrics bound to a throwaway registry, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
