// Package httplog records one structured log line per handled request.
package httplog

import (
	"log/slog"
	"net/http"

	"github.com/felixge/httpsnoop"
)

// Middleware wraps next and logs method, url, duration and status once the
// handler returns. Hijacked websocket connections are logged when they end.
func Middleware(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(next, writer, request)
			logger.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code, "bytes", m.Written)
		})
	}
}
