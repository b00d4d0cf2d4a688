package locator

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/klauspost/compress/gzhttp"

	"github.com/fourma/bikelocator/internal/analytics"
	"github.com/fourma/bikelocator/pkg/health"
	"github.com/fourma/bikelocator/pkg/metrics"
	pkgmw "github.com/fourma/bikelocator/pkg/middleware"
)

// RouterConfig collects what NewRouter wires together. Only Handler and
// Health are required.
type RouterConfig struct {
	Handler        *Handler
	Health         *health.Checker
	Analytics      *analytics.Handler
	Metrics        *metrics.Metrics
	Limiter        *pkgmw.RateLimiter
	RequestTimeout time.Duration
	CORSOrigins    []string
}

// NewRouter builds the HTTP API.
//
// Route table:
//
//	GET    /api/v1/bikes?q=               find bikes near the place named by q
//	GET    /api/v1/resolve?q=&threshold=  resolve q without calling the bike API
//	GET    /api/v1/catalog[?format=]      known locations (json or geojson)
//	GET    /api/v1/analytics?top=         resolution statistics
//	DELETE /api/v1/cache                  drop cached availability
//	GET    /health/live
//	GET    /health/ready
//
// Middleware chain (outermost first):
//
//	RequestID → RealIP → Recoverer → CORS → Metrics → Gzip → [RateLimit → Timeout] → handler
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(pkgmw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", pkgmw.RequestIDHeader},
		ExposedHeaders: []string{pkgmw.RequestIDHeader},
		MaxAge:         300,
	}))
	if cfg.Metrics != nil {
		r.Use(pkgmw.Metrics(cfg.Metrics, routePattern))
	}
	r.Use(func(next http.Handler) http.Handler {
		return gzhttp.GzipHandler(next)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/health/live", cfg.Health.LiveHandler())
	r.Get("/health/ready", cfg.Health.ReadyHandler())

	h := cfg.Handler
	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Limiter != nil {
			r.Use(pkgmw.RateLimit(cfg.Limiter, cfg.Metrics))
		}
		r.Use(pkgmw.Timeout(cfg.RequestTimeout))

		r.Get("/bikes", h.Bikes)
		r.Get("/resolve", h.Resolve)
		r.Get("/catalog", h.Catalog)
		r.Delete("/cache", h.InvalidateCache)
		if cfg.Analytics != nil {
			r.Get("/analytics", cfg.Analytics.Stats)
		}
	})

	return r
}

// routePattern labels metrics with the matched chi pattern so unknown
// paths collapse into one series.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

func writeStatus(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
