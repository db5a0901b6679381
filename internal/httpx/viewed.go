package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleViewed implements PUT /api/messages/{id}/viewed. Repeating it is harmless.
func (h *Handler) handleViewed(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.MarkViewed(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.mapServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}
