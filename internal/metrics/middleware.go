package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// Status server HTTP metrics. Health probes and scrapes are counted but not timed.
var (
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "scopedb",
			Subsystem: "status",
			Name:      "request_duration_seconds",
			Help:      "Status server request duration in seconds, probes excluded",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"route", "code"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scopedb",
			Subsystem: "status",
			Name:      "requests_total",
			Help:      "Status server requests by method, route and status code",
		},
		[]string{"method", "route", "code"},
	)
)

const unmatchedRoute = "unmatched"

var httpMetricsOnce sync.Once

// RegisterHTTPMetrics registers the status server metrics. Safe to call more than once.
func RegisterHTTPMetrics() {
	httpMetricsOnce.Do(func() {
		prometheus.MustRegister(httpRequestDuration, httpRequestsTotal)
	})
}

// Middleware counts status server requests by chi route pattern and times every
// route except /health and /metrics.
func Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := routeLabel(r)
			code := strconv.Itoa(statusOf(ww))
			httpRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
			if !isProbe(route) {
				httpRequestDuration.WithLabelValues(route, code).Observe(time.Since(start).Seconds())
			}
		})
	}
}

// routeLabel is the matched chi pattern; raw paths would carry collection and
// index names into label values.
func routeLabel(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return unmatchedRoute
	}
	if p := rctx.RoutePattern(); p != "" {
		return p
	}
	return unmatchedRoute
}

func isProbe(route string) bool {
	return route == "/health" || route == "/metrics"
}

// statusOf treats a handler that never wrote a header as 200.
func statusOf(ww chiMiddleware.WrapResponseWriter) int {
	if s := ww.Status(); s != 0 {
		return s
	}
	return http.StatusOK
}
