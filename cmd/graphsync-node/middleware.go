package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dd0wney/cluso-graphsync/pkg/metrics"
)

var knownPaths = map[string]bool{
	"/metrics":      true,
	"/health":       true,
	"/health/ready": true,
	"/health/live":  true,
}

// metricsMiddleware tracks HTTP request metrics. Unrouted paths share one
// label value.
func metricsMiddleware(reg *metrics.Registry, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		path := r.URL.Path
		if !knownPaths[path] {
			path = "other"
		}
		reg.RecordHTTPRequest(r.Method, path, strconv.Itoa(wrapper.statusCode), time.Since(start))
	})
}

// metricsResponseWriter captures the status code
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *metricsResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
