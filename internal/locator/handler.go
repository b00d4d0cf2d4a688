package locator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/fourma/bikelocator/internal/catalog"
	apperrors "github.com/fourma/bikelocator/pkg/errors"
	"github.com/fourma/bikelocator/pkg/logger"
)

// Handler exposes the Service over HTTP.
type Handler struct {
	service *Service
	catalog *catalog.Catalog
	logger  *slog.Logger
}

// NewHandler creates a Handler. c is the catalog the service's resolver was
// built from.
func NewHandler(service *Service, c *catalog.Catalog) *Handler {
	return &Handler{
		service: service,
		catalog: c,
		logger:  slog.Default().With("component", "locator-handler"),
	}
}

// Bikes answers GET /api/v1/bikes?q=. Unmatched queries and upstream
// failures are still 200: the body's message describes what happened.
func (h *Handler) Bikes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if strings.TrimSpace(q) == "" {
		h.writeError(w, r, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "query parameter 'q' is required"))
		return
	}

	resp := h.service.FindBikes(WithTransport(r.Context(), "http"), q)
	h.writeJSON(w, r, http.StatusOK, resp)
}

type resolveResponse struct {
	Query      string            `json:"query"`
	Threshold  int               `json:"threshold"`
	MatchFound bool              `json:"match_found"`
	Location   *catalog.Location `json:"location"`
}

// Resolve answers GET /api/v1/resolve?q=&threshold= without calling the
// bike API.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if strings.TrimSpace(q) == "" {
		h.writeError(w, r, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "query parameter 'q' is required"))
		return
	}

	rs := h.service.Resolver()
	threshold := rs.Threshold()
	if v := r.URL.Query().Get("threshold"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 || parsed > 100 {
			h.writeError(w, r, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest,
				"threshold must be an integer within 0..100, got %q", v))
			return
		}
		threshold = parsed
	}

	resp := resolveResponse{Query: q, Threshold: threshold}
	if loc, ok := rs.Resolve(q, threshold); ok {
		resp.MatchFound = true
		resp.Location = &loc
	}
	h.writeJSON(w, r, http.StatusOK, resp)
}

// Catalog answers GET /api/v1/catalog, as GeoJSON when format=geojson.
func (h *Handler) Catalog(w http.ResponseWriter, r *http.Request) {
	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		h.writeJSON(w, r, http.StatusOK, map[string]any{
			"locations": h.catalog.Locations(),
			"count":     h.catalog.Len(),
		})
	case "geojson":
		data, err := h.catalog.GeoJSON()
		if err != nil {
			h.writeError(w, r, fmt.Errorf("%w: %v", apperrors.ErrInternal, err))
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	default:
		h.writeError(w, r, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest,
			"unsupported format %q", format))
	}
}

// InvalidateCache answers DELETE /api/v1/cache.
func (h *Handler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	c := h.service.Cache()
	if c == nil {
		h.writeError(w, r, apperrors.New(apperrors.ErrInvalidInput, http.StatusNotFound, "bike cache is disabled"))
		return
	}
	if err := c.Invalidate(r.Context()); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %v", apperrors.ErrUpstream, err))
		return
	}
	hits, misses := c.Stats()
	h.writeJSON(w, r, http.StatusOK, map[string]any{
		"invalidated": true,
		"hits":        hits,
		"misses":      misses,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to write response", "path", r.URL.Path, "request_id", logger.RequestID(r.Context()), "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", r.URL.Path, "request_id", logger.RequestID(r.Context()), "error", err)
	}
	h.writeJSON(w, r, status, map[string]string{"error": err.Error()})
}
