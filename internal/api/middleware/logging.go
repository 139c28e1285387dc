// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	pkglogger "github.com/narvanalabs/hubfleet/pkg/logger"
)

// RequestLogger returns a middleware that logs HTTP requests. Health probes
// are logged at debug level.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			// Auth middleware runs further down the chain, so the principal
			// is recorded through this holder.
			principal := &principalHolder{}
			ctx := withPrincipalHolder(r.Context(), principal)
			ctx = pkglogger.ContextWithRequestID(ctx, middleware.GetReqID(ctx))
			r = r.WithContext(ctx)

			defer func() {
				level := slog.LevelInfo
				if r.URL.Path == "/health" {
					level = slog.LevelDebug
				}
				if ww.Status() >= http.StatusInternalServerError {
					level = slog.LevelWarn
				}
				attrs := []any{
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start).String(),
					"request_id", middleware.GetReqID(r.Context()),
					"remote_addr", r.RemoteAddr,
				}
				if principal.subject != "" {
					attrs = append(attrs, "subject", principal.subject)
				}
				if principal.nodeID != "" {
					attrs = append(attrs, "node_id", principal.nodeID)
				}
				logger.Log(r.Context(), level, "request completed", attrs...)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
