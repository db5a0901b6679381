package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleConsume implements GET /api/messages/{id}. A 200 response is the one
// and only read of the message.
func (h *Handler) handleConsume(w http.ResponseWriter, r *http.Request) {
	sec, err := h.Service.Consume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.mapServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{
		ID:        sec.ID.String(),
		Content:   sec.Content,
		Viewed:    sec.Consumed,
		CreatedAt: sec.CreatedAt,
	})
}

// handleExists implements HEAD /api/messages/{id}: 200 while the message can
// still be read, 404 otherwise. It never consumes.
func (h *Handler) handleExists(w http.ResponseWriter, r *http.Request) {
	ok, err := h.Service.Exists(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.mapServiceError(r.Context(), w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}
