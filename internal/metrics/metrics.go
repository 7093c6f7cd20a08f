package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/academy-api/internal/version"
)

// ServerMetrics owns a private registry so tests and multiple servers in one
// process never collide on the global one.
type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	// http
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter

	// process
	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	// flood guard
	floodDenied   prometheus.Counter
	floodCapacity prometheus.Counter

	// contact form and webhook
	contactTotal         *prometheus.CounterVec
	webhookEventsTotal   *prometheus.CounterVec
	ratelimitStoreErrors prometheus.Counter
	ratelimitSwept       prometheus.Counter
	idempotencyTracked   prometheus.Gauge
	idempotencyPurged    prometheus.Counter

	// email
	emailAttempts *prometheus.CounterVec
	emailSends    *prometheus.CounterVec
}

// New registers every collector. Labels are bounded: method, route pattern,
// status and small fixed outcome sets.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &ServerMetrics{reg: reg}

	m.inflight = f.NewGauge(prometheus.GaugeOpts{
		Name: "http_inflight_requests",
		Help: "Current number of in-flight HTTP requests",
	})
	m.reqTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total HTTP requests by method, route, and status",
	}, []string{"method", "route", "status"})
	m.reqDur = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Request latency by method and route",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"method", "route"})
	m.respBytes = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_response_size_bytes",
		Help:    "Response size by method and route",
		Buckets: prometheus.ExponentialBuckets(64, 4, 6),
	}, []string{"method", "route"})
	m.errorsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "http_errors_total",
		Help: "Total 5xx HTTP server errors by method and route",
	}, []string{"method", "route"})
	m.httpPanicTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "http_panic_total",
		Help: "Total number of recovered handler panics",
	})

	m.buildInfo = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1)",
	}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"})
	m.profilingActive = f.NewGauge(prometheus.GaugeOpts{
		Name: "profiling_active",
		Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
	})

	m.floodDenied = f.NewCounter(prometheus.CounterOpts{
		Name: "http_requests_rate_limited_total",
		Help: "Total requests rejected by the per-IP flood guard",
	})
	m.floodCapacity = f.NewCounter(prometheus.CounterOpts{
		Name: "http_requests_rate_limited_capacity_total",
		Help: "Total number of times the flood guard visitor table was full",
	})

	m.contactTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "contact_submissions_total",
		Help: "Contact form submissions by outcome",
	}, []string{"outcome"})
	m.webhookEventsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Payment webhook deliveries by outcome",
	}, []string{"outcome"})
	m.ratelimitStoreErrors = f.NewCounter(prometheus.CounterOpts{
		Name: "ratelimit_store_errors_total",
		Help: "Rate limit store failures (requests were allowed)",
	})
	m.ratelimitSwept = f.NewCounter(prometheus.CounterOpts{
		Name: "ratelimit_swept_identifiers_total",
		Help: "Identifiers evicted by the rate limit sweep",
	})
	m.idempotencyTracked = f.NewGauge(prometheus.GaugeOpts{
		Name: "idempotency_tracked_events",
		Help: "Webhook event ids currently retained for de-duplication",
	})
	m.idempotencyPurged = f.NewCounter(prometheus.CounterOpts{
		Name: "idempotency_purged_events_total",
		Help: "Webhook event ids purged after the retention period",
	})

	m.emailAttempts = f.NewCounterVec(prometheus.CounterOpts{
		Name: "email_send_attempts_total",
		Help: "Individual email provider calls by outcome",
	}, []string{"outcome"})
	m.emailSends = f.NewCounterVec(prometheus.CounterOpts{
		Name: "email_send_total",
		Help: "Email sends after retries by outcome (ok, retried, failed)",
	}, []string{"outcome"})

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	return m
}

func (m *ServerMetrics) Handler() http.Handler { return m.handler }

// SetBuildInfoFromVersion is called once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	v := 0.0
	if active {
		v = 1
	}
	m.profilingActive.Set(v)
}

func (m *ServerMetrics) IncHttpPanic()        { m.httpPanicTotal.Inc() }
func (m *ServerMetrics) IncRateLimitDenied()   { m.floodDenied.Inc() }
func (m *ServerMetrics) IncRateLimitCapacity() { m.floodCapacity.Inc() }

// IncContact counts a contact submission outcome
// (sent, invalid, too_large, limited_ip, limited_email, mail_failed, error).
func (m *ServerMetrics) IncContact(outcome string) {
	m.contactTotal.WithLabelValues(outcome).Inc()
}

// IncWebhookEvent counts a webhook delivery outcome
// (processed, duplicate, stale, bad_signature, invalid, too_large, error).
func (m *ServerMetrics) IncWebhookEvent(outcome string) {
	m.webhookEventsTotal.WithLabelValues(outcome).Inc()
}

func (m *ServerMetrics) IncRateLimitStoreError() { m.ratelimitStoreErrors.Inc() }

func (m *ServerMetrics) AddRateLimitSwept(n int) {
	if n > 0 {
		m.ratelimitSwept.Add(float64(n))
	}
}

func (m *ServerMetrics) IncEmailAttempt(outcome string) {
	m.emailAttempts.WithLabelValues(outcome).Inc()
}

func (m *ServerMetrics) IncEmailSend(outcome string) {
	m.emailSends.WithLabelValues(outcome).Inc()
}

// ObserveIdempotencySweep records one sweep of the webhook event store.
// A negative remaining (redis expires keys itself) leaves the gauge alone.
func (m *ServerMetrics) ObserveIdempotencySweep(purged, remaining int) {
	if purged > 0 {
		m.idempotencyPurged.Add(float64(purged))
	}
	if remaining >= 0 {
		m.idempotencyTracked.Set(float64(remaining))
	}
}
