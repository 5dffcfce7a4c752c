package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
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

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "Readiness flag: 1 when dependencies are reachable.",
	})
)

// Identity-specific metrics.
var (
	loginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_logins_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	tokenRotationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "identity_token_rotations_total",
		Help: "Refresh token rotations performed.",
	})

	blacklistWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_blacklist_writes_total",
			Help: "Token blacklist writes by result.",
		},
		[]string{"result"},
	)

	twoFactorChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_two_factor_checks_total",
			Help: "Two-factor verifications by outcome.",
		},
		[]string{"outcome"},
	)

	auditDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "identity_audit_events_dropped_total",
		Help: "Audit events dropped by the async dispatcher.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
		loginsTotal, tokenRotationsTotal, blacklistWritesTotal,
		twoFactorChecksTotal, auditDroppedTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// ObserveLogin counts a login attempt outcome (success, invalid_credentials,
// two_factor_pending, two_factor_failed, unsupported_method).
func ObserveLogin(outcome string) {
	loginsTotal.WithLabelValues(outcome).Inc()
}

// ObserveTokenRotation counts a completed refresh rotation.
func ObserveTokenRotation() {
	tokenRotationsTotal.Inc()
}

// ObserveBlacklistWrite counts blacklist insert results ("ok" or "error").
func ObserveBlacklistWrite(result string) {
	blacklistWritesTotal.WithLabelValues(result).Inc()
}

// ObserveTwoFactorCheck counts a 2FA verification outcome.
func ObserveTwoFactorCheck(outcome string) {
	twoFactorChecksTotal.WithLabelValues(outcome).Inc()
}

// ObserveAuditDropped counts audit events lost on a saturated dispatcher.
func ObserveAuditDropped() {
	auditDroppedTotal.Inc()
}

// CanonicalPath collapses identifier segments so metric labels stay low-cardinality.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	canon := func(prefix []string, tail ...string) string {
		return strings.Join(append(prefix, tail...), "/")
	}
	// /v1/<collection>/<id>[...suffix] for known collections
	if len(parts) >= 4 && parts[1] == "v1" {
		switch parts[2] {
		case "users", "roles", "permissions", "accounts":
			if len(parts) == 4 {
				return canon(parts[:3], ":id")
			}
			if len(parts) == 5 {
				return canon(parts[:3], ":id", parts[4])
			}
		}
	}
	return path
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
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

// statusWriter captures the response code for instrumentation.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
