package middleware

import (
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/tracing"
)

// Trace opens a root span per request, named after the method and path,
// and logs the span tree when the handler returns. It must run inside
// RequestID so the trace id matches the request id.
func Trace(slow time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracing.StartSpan(r.Context(), r.Method+" "+routeLabel(r.URL.Path), GetRequestID(r.Context()))
			next.ServeHTTP(w, r.WithContext(ctx))
			span.End()
			span.Log(logger.FromContext(ctx), slow)
		})
	}
}
