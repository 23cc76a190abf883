package api

import (
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/middleware"
)

// RouterConfig tunes the middleware chain.
type RouterConfig struct {
	RequestTimeout time.Duration
	SlowRequest    time.Duration
	// ServeMetrics mounts /metrics on the API mux instead of a separate
	// metrics listener.
	ServeMetrics bool
}

// NewRouter builds the HTTP handler.
//
// Route table:
//
//	POST   /api/v1/index/property  → UpdateIndexesForProperty
//	POST   /api/v1/index/entity    → index a whole entity
//	DELETE /api/v1/index/entity    → deindex a whole entity
//	GET    /api/v1/query           → query one or more targets
//	PUT    /api/v1/locations       → StoreLocation
//	DELETE /api/v1/locations       → RemoveLocation
//	GET    /api/v1/proximity       → ProximitySearch
//	POST   /api/v1/sweep           → run a sweep now
//	GET    /health/live, /health/ready
//
// Middleware chain (outermost first):
//
//	RequestID → Metrics → Trace → Timeout → mux
func NewRouter(h *Handler, checker *health.Checker, m *metrics.Metrics, cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())
	if cfg.ServeMetrics {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	mux.HandleFunc("POST /api/v1/index/property", h.IndexProperty)
	mux.HandleFunc("POST /api/v1/index/entity", h.IndexEntity)
	mux.HandleFunc("DELETE /api/v1/index/entity", h.DeindexEntity)

	mux.HandleFunc("GET /api/v1/query", h.Query)

	mux.HandleFunc("PUT /api/v1/locations", h.StoreLocation)
	mux.HandleFunc("DELETE /api/v1/locations", h.RemoveLocation)
	mux.HandleFunc("GET /api/v1/proximity", h.Proximity)

	mux.HandleFunc("POST /api/v1/sweep", h.Sweep)

	var chain http.Handler = mux
	if cfg.RequestTimeout > 0 {
		chain = middleware.Timeout(cfg.RequestTimeout)(chain)
	}
	chain = middleware.Trace(cfg.SlowRequest)(chain)
	chain = middleware.Metrics(m)(chain)
	chain = middleware.RequestID(chain)
	return chain
}
