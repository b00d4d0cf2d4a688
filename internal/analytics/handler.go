package analytics

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	apperrors "github.com/fourma/bikelocator/pkg/errors"
	"github.com/fourma/bikelocator/pkg/logger"
)

// maxTop caps the ?top= list length.
const maxTop = 100

// Handler exposes resolution statistics at GET /api/v1/analytics.
type Handler struct {
	aggregator *Aggregator
	logger     *slog.Logger
}

func NewHandler(aggregator *Aggregator) *Handler {
	return &Handler{
		aggregator: aggregator,
		logger:     slog.Default().With("component", "analytics-handler"),
	}
}

// Stats writes a snapshot. ?top=N (1..100) sets how many locations and
// unmatched queries are listed; the default is 10.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	n := topN
	if raw := r.URL.Query().Get("top"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > maxTop {
			h.write(w, r, http.StatusBadRequest, map[string]string{
				"error": apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest,
					"top must be an integer between 1 and %d, got %q", maxTop, raw).Error(),
			})
			return
		}
		n = v
	}
	h.write(w, r, http.StatusOK, h.aggregator.Snapshot(n))
}

func (h *Handler) write(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to write analytics response",
			"request_id", logger.RequestID(r.Context()), "error", err)
	}
}
