package httpx

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/haukened/oncelink/internal/domain"
)

// StatusResponse is the body of the liveness and readiness probes.
type StatusResponse struct {
	Status string `json:"status"`
}

// handleHealth reports liveness only; it never touches the store.
func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// handleReady runs the readiness probe, if any. A failing probe is a 503;
// an unreachable store gets its own code so operators can tell it apart.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.Readiness != nil {
		if err := h.Readiness(r.Context()); err != nil {
			cid, _ := GetCorrelationID(r.Context())
			slog.Warn("readiness probe failed", "domain", "http", "action", "ready", "cid", cid)
			code := CodeNotReady
			if errors.Is(err, domain.ErrStoreUnreachable) {
				code = CodeStoreUnreachable
			}
			h.writeError(r.Context(), w, http.StatusServiceUnavailable, "not ready", code)
			return
		}
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ready"})
}
