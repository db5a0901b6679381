package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/haukened/oncelink/internal/app"
	"github.com/haukened/oncelink/internal/domain"
)

// writeJSON writes v as a JSON body with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error body with given status code.
func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
	if cid, ok := GetCorrelationID(ctx); ok {
		slog.Debug("wrote error response", "cid", cid, "status", status, "code", code)
	}
}

// mapServiceError maps domain/store/service errors to HTTP responses.
// Unknown, consumed and malformed ids all collapse into one 404.
func (h *Handler) mapServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	cid, _ := GetCorrelationID(ctx)
	switch {
	case errors.Is(err, domain.ErrUnavailable):
		slog.Info("service error", "cid", cid, "code", CodeNotFound)
		h.writeError(ctx, w, http.StatusNotFound, "message not found", CodeNotFound)
	case errors.Is(err, domain.ErrEmptyContent):
		slog.Warn("service error", "cid", cid, "code", CodeEmptyContent)
		h.writeError(ctx, w, http.StatusBadRequest, "content is required", CodeEmptyContent)
	case errors.Is(err, domain.ErrInvalidID):
		slog.Warn("service error", "cid", cid, "code", CodeInvalidID)
		h.writeError(ctx, w, http.StatusBadRequest, "invalid id", CodeInvalidID)
	case errors.Is(err, domain.ErrDuplicateID):
		slog.Warn("service error", "cid", cid, "code", CodeDuplicateID)
		h.writeError(ctx, w, http.StatusConflict, "id already exists", CodeDuplicateID)
	case errors.Is(err, app.ErrSizeExceeded):
		slog.Warn("service error", "cid", cid, "code", CodeTooLarge)
		h.writeError(ctx, w, http.StatusRequestEntityTooLarge, "size exceeded", CodeTooLarge)
	case errors.Is(err, domain.ErrOutcomeUnknown):
		slog.Error("service error", "cid", cid, "code", CodeOutcomeUnknown)
		h.writeError(ctx, w, http.StatusServiceUnavailable, "store outcome unknown", CodeOutcomeUnknown)
	case errors.Is(err, domain.ErrStoreUnreachable):
		slog.Error("service error", "cid", cid, "code", CodeStoreUnreachable)
		h.writeError(ctx, w, http.StatusServiceUnavailable, "store unreachable", CodeStoreUnreachable)
	default:
		// Internal / unexpected: do not log raw error string to avoid leaking IDs or paths.
		slog.Error("unhandled service error", "cid", cid, "code", "unhandled", "err_type", "unknown")
		h.writeError(ctx, w, http.StatusInternalServerError, "internal", CodeInternal)
	}
}
