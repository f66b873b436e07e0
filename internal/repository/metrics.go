package repository

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "fragcache"

// metrics exposes the repository's caches as functions read on scrape, so
// the hot paths keep their own counters and never touch prometheus.
type metrics struct {
	reg        prometheus.Registerer
	collectors []prometheus.Collector
}

func newMetrics(r *Repository, reg prometheus.Registerer) (*metrics, error) {
	gauge := func(subsystem, name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, fn)
	}
	counter := func(subsystem, name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, fn)
	}

	m := &metrics{reg: reg}
	m.collectors = []prometheus.Collector{
		gauge("repository", "sessions", "Open sessions.",
			func() float64 { return float64(len(r.Sessions())) }),
		gauge("session", "pristine", "Pristine fragments held by open sessions.",
			func() float64 { return float64(r.Stats().Pristine) }),
		gauge("session", "selections", "Selections cached by open sessions.",
			func() float64 { return float64(r.Stats().Selections) }),
		gauge("cache", "rows", "Rows held by the shared cache.",
			func() float64 { return float64(r.mapper.Len()) }),
		counter("cache", "hits_total", "Reads served by the shared cache.",
			func() float64 { return float64(r.mapper.Hits()) }),
		counter("cache", "misses_total", "Reads that went to the store.",
			func() float64 { return float64(r.mapper.Misses()) }),
		gauge("lock", "cached", "Locks held by the lock cache.",
			func() float64 { return float64(r.locks.CacheLen()) }),
	}
	if iv := r.cluster; iv != nil {
		m.collectors = append(m.collectors,
			counter("cluster", "sent_total", "Invalidation batches sent to other nodes.",
				func() float64 { return float64(iv.Sent()) }),
			counter("cluster", "received_total", "Invalidation batches received from other nodes.",
				func() float64 { return float64(iv.Received()) }),
			gauge("cluster", "pending", "Invalidation batches waiting to be sent.",
				func() float64 { return float64(iv.Pending()) }),
		)
	}

	for i, c := range m.collectors {
		if err := reg.Register(c); err != nil {
			for _, done := range m.collectors[:i] {
				reg.Unregister(done)
			}
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) unregister() {
	for _, c := range m.collectors {
		m.reg.Unregister(c)
	}
}
