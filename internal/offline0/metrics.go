package offline0

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics are registered on a per-service registry so several services
// (and tests) can live in one process. A nil *metrics records nothing.
type metrics struct {
	registry *prometheus.Registry

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	queued      prometheus.Counter
	replays     *prometheus.CounterVec
	batches     *prometheus.CounterVec
	responses   *prometheus.CounterVec
	pending     prometheus.Gauge
	online      prometheus.Gauge
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	m := &metrics{
		registry: reg,
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offline0", Name: "cache_hits_total",
			Help: "Reads answered from the response cache.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offline0", Name: "cache_misses_total",
			Help: "Cache lookups that found nothing servable.",
		}),
		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offline0", Name: "queued_requests_total",
			Help: "Mutating requests stored for later replay.",
		}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline0", Name: "replays_total",
			Help: "Queued request replays by outcome (synced, retry, failed).",
		}, []string{"outcome"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline0", Name: "sync_batches_total",
			Help: "Sync batches by result (ok, error).",
		}, []string{"result"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline0", Name: "responses_total",
			Help: "Responses served through the gateway by source.",
		}, []string{"source"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "offline0", Name: "queue_pending",
			Help: "Queued requests waiting for replay.",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "offline0", Name: "online",
			Help: "1 when the origin is considered reachable.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cacheHits, m.cacheMisses, m.queued, m.replays, m.batches, m.responses, m.pending, m.online,
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) cacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *metrics) cacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

func (m *metrics) enqueued() {
	if m != nil {
		m.queued.Inc()
	}
}

func (m *metrics) replay(outcome string) {
	if m != nil {
		m.replays.WithLabelValues(outcome).Inc()
	}
}

func (m *metrics) batch(result string) {
	if m != nil {
		m.batches.WithLabelValues(result).Inc()
	}
}

func (m *metrics) served(source string) {
	if m != nil {
		m.responses.WithLabelValues(source).Inc()
	}
}

func (m *metrics) setPending(n int) {
	if m != nil {
		m.pending.Set(float64(n))
	}
}

func (m *metrics) setOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
	} else {
		m.online.Set(0)
	}
}
