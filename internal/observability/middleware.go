package observability

import (
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MetricsMiddleware records request counts, latency, and in-flight gauge for
// every HTTP request, and opens a span per request when a tracer is set.
func MetricsMiddleware(metrics *MetricsCollector, tracer trace.Tracer) okapi.Middleware {
	return func(next okapi.HandlerFunc) okapi.HandlerFunc {
		return func(c *okapi.Context) error {
			r := c.Request()
			route := routeLabel(r.URL.Path)

			if tracer != nil {
				_, span := tracer.Start(r.Context(), "http.request",
					trace.WithAttributes(
						attribute.String("http.method", r.Method),
						attribute.String("http.route", route),
						attribute.String("http.path", r.URL.Path),
					))
				defer span.End()
			}

			if metrics != nil {
				metrics.ActiveRequests.Inc()
				defer metrics.ActiveRequests.Dec()
			}

			start := time.Now()

			err := next(c)

			duration := time.Since(start).Seconds()

			if metrics != nil {
				code := c.Response().StatusCode()
				if code == 0 {
					code = http.StatusOK
				}
				metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, statusCode(code)).Inc()
				metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(duration)
			}

			return err
		}
	}
}

// routeLabel collapses path segments that carry identifiers (sandbox UUIDs)
// into a placeholder so metric label cardinality stays bounded.
func routeLabel(path string) string {
	segments := strings.Split(path, "/")
	changed := false
	for i, seg := range segments {
		if isIDSegment(seg) {
			segments[i] = "{id}"
			changed = true
		}
	}
	if !changed {
		return path
	}
	return strings.Join(segments, "/")
}

// isIDSegment reports whether a path segment looks like a generated
// identifier rather than a static route word.
func isIDSegment(seg string) bool {
	if len(seg) < 16 {
		return false
	}
	for _, r := range seg {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		case r == '-':
		default:
			return false
		}
	}
	return true
}
