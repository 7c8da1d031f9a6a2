package controller

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/listentogether/relay/pkg/ctxlogger"
)

const requestIDHeader = "X-Request-Id"

// maxRequestIDLength bounds a request id taken from the client.
const maxRequestIDLength = 64

// requestIDMw tags every log record of the request with an id. An id set by a
// proxy in front of the relay is kept; the id is echoed in the response.
func (c controller) requestIDMw(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > maxRequestIDLength {
			id = c.generateTimeBasedID()
		}
		w.Header().Set(requestIDHeader, id)

		ctx := ctxlogger.AppendCtx(r.Context(), slog.String("request_id", id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLoggingMw logs each request once it is answered. Websocket upgrades
// are logged when they start since they last as long as the connection.
func (c controller) requestLoggingMw(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") == "websocket" {
			c.logger.InfoContext(r.Context(), "websocket upgrade",
				"remote_addr", r.RemoteAddr,
				"user_agent", r.UserAgent(),
			)
			next.ServeHTTP(w, r)
			return
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		level := slog.LevelInfo
		if r.URL.Path == "/metrics" || r.URL.Path == "/api/v1/healthz" {
			level = slog.LevelDebug
		}
		c.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"url", r.URL.String(),
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}
