package httpx

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/haukened/oncelink/internal/domain"
)

// envelopeSlack covers the JSON framing and id around the content.
const envelopeSlack = 1 << 10

// handleCreate implements POST /api/messages.
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body := http.MaxBytesReader(w, r.Body, h.bodyLimit())
	defer body.Close()
	raw, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(ctx, w, http.StatusRequestEntityTooLarge, "size exceeded", CodeTooLarge)
			return
		}
		h.writeError(ctx, w, http.StatusBadRequest, "invalid request body", CodeInvalidBody)
		return
	}
	var req CreateRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		h.writeError(ctx, w, http.StatusBadRequest, "invalid request body", CodeInvalidBody)
		return
	}

	var id domain.SecretID
	if req.ID == "" {
		id, err = h.Service.Create(ctx, req.Content)
		if errors.Is(err, domain.ErrDuplicateID) {
			// a generated id collided; not the caller's fault
			cid, _ := GetCorrelationID(ctx)
			slog.Error("generated id collided", "cid", cid, "code", CodeInternal)
			h.writeError(ctx, w, http.StatusInternalServerError, "internal", CodeInternal)
			return
		}
	} else {
		id, err = h.Service.CreateWithID(ctx, req.ID, req.Content)
	}
	if err != nil {
		h.mapServiceError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateResponse{ID: id.String(), Success: true})
}

// bodyLimit bounds the request body. JSON escaping can inflate content up to
// six bytes per input byte (\u00XX), so the limit is generous and the exact
// size check happens in the service on the decoded string.
func (h *Handler) bodyLimit() int64 {
	if h.MaxBody <= 0 {
		return 64 << 20
	}
	return h.MaxBody*6 + envelopeSlack
}
