// Package metrics exposes the engine's counters through
// prometheus/client_golang, grounded on the same dependency
// snapetech-plexTuner uses for its own gauge/counter exporting.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hiddn/gproxyscan/internal/scantype"
)

// Metrics bundles every exported series. A zero-value Metrics is not
// usable; construct with New.
type Metrics struct {
	ScansDone    prometheus.Counter
	ScansByClass *prometheus.CounterVec
	HitsByClass  *prometheus.CounterVec
	ActiveScans  prometheus.Gauge
	HostsQueued  prometheus.Gauge
	CleanCount   prometheus.Gauge
	DirtyCount   prometheus.Gauge
	GlinesIssued prometheus.Counter
}

// New registers and returns the metric set against reg. Passing a
// fresh prometheus.NewRegistry() keeps tests hermetic; production
// code passes prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ScansDone: factory.NewCounter(prometheus.CounterOpts{
			Name: "proxyscan_scans_done_total",
			Help: "Total probes that reached a terminal outcome.",
		}),
		ScansByClass: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "proxyscan_scans_by_class_total",
			Help: "Terminal probes, by retry class.",
		}, []string{"class"}),
		HitsByClass: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "proxyscan_hits_by_class_total",
			Help: "Confirmed open proxies, by retry class.",
		}, []string{"class"}),
		ActiveScans: factory.NewGauge(prometheus.GaugeOpts{
			Name: "proxyscan_active_scans",
			Help: "Probes currently in flight.",
		}),
		HostsQueued: factory.NewGauge(prometheus.GaugeOpts{
			Name: "proxyscan_hosts_queued",
			Help: "Tasks waiting in the normal or priority queue.",
		}),
		CleanCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "proxyscan_clean_hosts",
			Help: "Hosts in the cache with no confirmed proxies.",
		}),
		DirtyCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "proxyscan_dirty_hosts",
			Help: "Hosts in the cache with at least one confirmed proxy.",
		}),
		GlinesIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "proxyscan_glines_issued_total",
			Help: "Total gline commands emitted for newly confirmed open-proxy hosts.",
		}),
	}
}

// RecordTerminal updates the per-outcome counters the way killsock()
// does in the original engine: scansdone and scansbyclass always,
// hitsbyclass only on an OPEN outcome.
func (m *Metrics) RecordTerminal(class scantype.Class, open bool) {
	m.ScansDone.Inc()
	m.ScansByClass.WithLabelValues(class.String()).Inc()
	if open {
		m.HitsByClass.WithLabelValues(class.String()).Inc()
	}
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
