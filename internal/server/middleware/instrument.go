package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gosuda/boardwire/internal/metrics"
)

const unmatchedRoute = "unmatched"

// Instrument records a request counter and a latency histogram labelled by
// chi route pattern, method and status. Upgraded WebSocket requests are
// recorded when the handler returns.
func Instrument(m *metrics.HTTPMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				labels := []string{RoutePattern(r), r.Method, strconv.Itoa(status)}
				m.Requests.WithLabelValues(labels...).Inc()
				m.RequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// RoutePattern returns the chi route pattern matched for r, which keeps
// metric label cardinality bounded by the route table.
func RoutePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return unmatchedRoute
}

// CountRateLimitRejection returns an OnReject hook for ClientLimiter.
func CountRateLimitRejection(m *metrics.HTTPMetrics) func(*http.Request) {
	return func(r *http.Request) {
		m.RateLimitRejections.WithLabelValues(RoutePattern(r), r.Method).Inc()
	}
}
