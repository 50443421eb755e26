package api

import (
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// metricsMiddleware records RED metrics (rate, errors, duration) for
// every request. Attributes carry the method, path and status code.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		attrs := []attribute.KeyValue{
			attribute.String("http.request.method", r.Method),
			attribute.String("url.path", r.URL.Path),
			attribute.Int("http.response.status_code", rec.status),
		}
		s.obs.RecordRequest(r.Context(), attrs...)
		s.obs.RecordDuration(r.Context(), time.Since(start), attrs...)
		if rec.status >= http.StatusInternalServerError {
			s.obs.RecordError(r.Context(), fmt.Errorf("http status %d", rec.status), attrs...)
		}
	})
}
