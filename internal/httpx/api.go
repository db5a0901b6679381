package httpx

import "time"

// Wire types shared by the server handlers and internal/remote.

// CreateRequest is the POST /api/messages body. ID is optional.
type CreateRequest struct {
	ID      string `json:"id,omitempty"`
	Content string `json:"content"`
}

// CreateResponse is returned with 201 Created.
type CreateResponse struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
}

// MessageResponse is returned by a successful GET /api/messages/{id}.
type MessageResponse struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Viewed    bool      `json:"viewed"`
	CreatedAt time.Time `json:"createdAt"`
}

// SuccessResponse acknowledges PUT /api/messages/{id}/viewed.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Error codes carried in ErrorResponse.Code.
const (
	CodeInvalidID        = "invalid_id"
	CodeEmptyContent     = "empty_content"
	CodeInvalidBody      = "invalid_body"
	CodeDuplicateID      = "duplicate_id"
	CodeTooLarge         = "too_large"
	CodeNotFound         = "not_found"
	CodeMethodNotAllowed = "method_not_allowed"
	CodeStoreUnreachable = "store_unreachable"
	CodeOutcomeUnknown   = "outcome_unknown"
	CodeNotReady         = "not_ready"
	CodeInternal         = "internal"
)
