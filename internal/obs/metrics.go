package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP and domain metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	installAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "install_attempts_total",
			Help: "Install handshake steps by outcome.",
		},
		[]string{"step", "outcome"},
	)

	webhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Inbound portal events by event code and outcome.",
		},
		[]string{"code", "outcome"},
	)

	tokensIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "session_tokens_issued_total",
		Help: "Session tokens minted for the frontend.",
	})

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the readiness probe last succeeded.",
	})

	initOnce sync.Once
)

// Init registers metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration,
			installAttempts, webhookEvents, tokensIssued, ready)
	})
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveInstall counts a handshake step ("begin" or "finish") outcome.
func ObserveInstall(step, outcome string) {
	installAttempts.WithLabelValues(step, outcome).Inc()
}

// ObserveWebhook counts one inbound event. Codes are upper-cased to bound cardinality drift.
func ObserveWebhook(code, outcome string) {
	if code == "" {
		code = "unknown"
	}
	webhookEvents.WithLabelValues(strings.ToUpper(code), outcome).Inc()
}

// ObserveTokenIssued counts one minted session token.
func ObserveTokenIssued() {
	tokensIssued.Inc()
}

// SetReady mirrors readiness into the service_ready gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument wraps a handler with RPS, latency and in-flight metrics.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

var knownPaths = map[string]struct{}{
	"/":                      {},
	"/healthz":               {},
	"/readyz":                {},
	"/metrics":               {},
	"/api/getToken":          {},
	"/api/health":            {},
	"/api/enum":              {},
	"/api/list":              {},
	"/api/install":           {},
	"/api/app-events":        {},
	"/api/custom-b24-events": {},
}

// CanonicalPath maps a request path to a bounded label value: query strings
// and trailing slashes are dropped and unknown paths collapse to "other".
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = "/"
		}
	}
	if _, ok := knownPaths[p]; ok {
		return p
	}
	return "other"
}

// statusWriter records the response code for metrics.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
