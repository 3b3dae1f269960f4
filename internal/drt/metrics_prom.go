package drt

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PromMetrics exports node metrics to a Prometheus registry.
type PromMetrics struct {
	rpcs          *prometheus.CounterVec
	searches      *prometheus.CounterVec
	searchHops    *prometheus.HistogramVec
	searchLatency *prometheus.HistogramVec
	leafset       prometheus.Gauge
	registrations prometheus.Gauge
}

func NewPromMetrics(reg prometheus.Registerer) (*PromMetrics, error) {
	m := &PromMetrics{
		rpcs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drt",
			Name:      "rpcs_total",
			Help:      "Overlay RPCs issued, by kind and outcome.",
		}, []string{"kind", "result"}),
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drt",
			Name:      "searches_total",
			Help:      "Searches finished, by type and outcome.",
		}, []string{"type", "result"}),
		searchHops: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "drt",
			Name:      "search_hops",
			Help:      "Remote hops visited per search.",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32},
		}, []string{"type"}),
		searchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "drt",
			Name:      "search_duration_seconds",
			Help:      "Wall time from start to end of a search.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		leafset: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "drt",
			Name:      "leafset_entries",
			Help:      "Entries currently in the routing table.",
		}),
		registrations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "drt",
			Name:      "registrations",
			Help:      "Keys registered by this node.",
		}),
	}
	for _, c := range []prometheus.Collector{m.rpcs, m.searches, m.searchHops, m.searchLatency, m.leafset, m.registrations} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "fail"
}

func (m *PromMetrics) IncRPC(kind string, ok bool) {
	m.rpcs.WithLabelValues(kind, result(ok)).Inc()
}

func (m *PromMetrics) ObserveSearch(kind string, hops int, duration time.Duration, ok bool) {
	m.searches.WithLabelValues(kind, result(ok)).Inc()
	m.searchHops.WithLabelValues(kind).Observe(float64(hops))
	m.searchLatency.WithLabelValues(kind).Observe(duration.Seconds())
}

func (m *PromMetrics) SetLeafsetSize(n int)   { m.leafset.Set(float64(n)) }
func (m *PromMetrics) SetRegistrations(n int) { m.registrations.Set(float64(n)) }
