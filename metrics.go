package netguard

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestsBlocked  *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	activeTunnels    prometheus.Gauge
	blockedDomains   prometheus.Gauge
	upstreamErrors   *prometheus.CounterVec
	tlsHandshakeErrs prometheus.Counter
	issuanceErrs     prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netguard",
			Name:      "requests_total",
			Help:      "Total number of requests processed.",
		}, []string{"scheme"}),

		requestsBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netguard",
			Name:      "requests_blocked_total",
			Help:      "Total number of requests blocked.",
		}, []string{"reason"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "netguard",
			Name:      "request_duration_seconds",
			Help:      "Forwarded request duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"scheme", "status"}),

		activeTunnels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "netguard",
			Name:      "active_tunnels",
			Help:      "Number of active CONNECT tunnels.",
		}),

		blockedDomains: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "netguard",
			Name:      "blocked_domains",
			Help:      "Number of patterns in the active block set.",
		}),

		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netguard",
			Name:      "upstream_errors_total",
			Help:      "Number of upstream connection errors.",
		}, []string{"kind"}),

		tlsHandshakeErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netguard",
			Name:      "tls_handshake_errors_total",
			Help:      "Number of TLS handshake failures with clients.",
		}),

		issuanceErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netguard",
			Name:      "cert_issuance_errors_total",
			Help:      "Number of failed leaf certificate issuances.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestsBlocked,
		m.requestDuration,
		m.activeTunnels,
		m.blockedDomains,
		m.upstreamErrors,
		m.tlsHandshakeErrs,
		m.issuanceErrs,
	)

	return m
}

// Handler returns an http.Handler serving the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a processed request by scheme ("http" or "https").
func (m *Metrics) RecordRequest(scheme string) {
	m.requestsTotal.WithLabelValues(scheme).Inc()
}

// RecordBlocked records a blocked request.
func (m *Metrics) RecordBlocked(reason string) {
	m.requestsBlocked.WithLabelValues(reason).Inc()
}

// RecordRequestDuration records the duration of a forwarded request.
func (m *Metrics) RecordRequestDuration(scheme string, statusCode int, duration time.Duration) {
	m.requestDuration.WithLabelValues(scheme, strconv.Itoa(statusCode)).Observe(duration.Seconds())
}

// IncActiveTunnels increments the active tunnel gauge.
func (m *Metrics) IncActiveTunnels() { m.activeTunnels.Inc() }

// DecActiveTunnels decrements the active tunnel gauge.
func (m *Metrics) DecActiveTunnels() { m.activeTunnels.Dec() }

// SetBlockedDomains sets the active block set size gauge.
func (m *Metrics) SetBlockedDomains(count int) {
	m.blockedDomains.Set(float64(count))
}

// ObserveCertCache registers collectors that read the certificate
// manager's live counters on scrape. Call at most once per Metrics.
func (m *Metrics) ObserveCertCache(cm *CertManager) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "netguard",
			Name:      "cert_cache_size",
			Help:      "Number of cached leaf certificates.",
		}, func() float64 { return float64(cm.CacheLen()) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "netguard",
			Name:      "cert_cache_hits_total",
			Help:      "Number of certificate cache hits.",
		}, func() float64 { return float64(cm.CacheHits()) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "netguard",
			Name:      "cert_cache_misses_total",
			Help:      "Number of certificate cache misses.",
		}, func() float64 { return float64(cm.CacheMisses()) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "netguard",
			Name:      "certs_issued_total",
			Help:      "Number of leaf certificates generated.",
		}, func() float64 { return float64(cm.Issued()) }),
	)
}

// RecordUpstreamError records an upstream connection error by kind
// ("timeout", "connect").
func (m *Metrics) RecordUpstreamError(kind string) {
	m.upstreamErrors.WithLabelValues(kind).Inc()
}

// RecordTLSHandshakeError records a client TLS handshake failure.
func (m *Metrics) RecordTLSHandshakeError() { m.tlsHandshakeErrs.Inc() }

// RecordIssuanceError records a failed leaf issuance.
func (m *Metrics) RecordIssuanceError() { m.issuanceErrs.Inc() }
