package httpx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haukened/oncelink/internal/app"
	"github.com/haukened/oncelink/internal/domain"
)

func TestMapServiceError(t *testing.T) {
	h := &Handler{}
	cases := []struct {
		name string
		err  error
		code int
		body string
	}{
		{"unavailable", domain.ErrUnavailable, http.StatusNotFound, CodeNotFound},
		{"wrapped unavailable", fmt.Errorf("consume: %w", domain.ErrUnavailable), http.StatusNotFound, CodeNotFound},
		{"empty content", domain.ErrEmptyContent, http.StatusBadRequest, CodeEmptyContent},
		{"invalid id", domain.ErrInvalidID, http.StatusBadRequest, CodeInvalidID},
		{"duplicate", fmt.Errorf("insert secret: %w", domain.ErrDuplicateID), http.StatusConflict, CodeDuplicateID},
		{"size exceeded", app.ErrSizeExceeded, http.StatusRequestEntityTooLarge, CodeTooLarge},
		{"unreachable", fmt.Errorf("%w: dial tcp", domain.ErrStoreUnreachable), http.StatusServiceUnavailable, CodeStoreUnreachable},
		{"outcome unknown", fmt.Errorf("%w: %w: read tcp", domain.ErrStoreUnreachable, domain.ErrOutcomeUnknown), http.StatusServiceUnavailable, CodeOutcomeUnknown},
		{"internal default", errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.mapServiceError(context.Background(), rr, tc.err)
			if rr.Code != tc.code {
				t.Fatalf("expected code %d got %d body=%s", tc.code, rr.Code, rr.Body.String())
			}
			if !strings.Contains(rr.Body.String(), `"code":"`+tc.body+`"`) {
				t.Fatalf("expected body to contain %q got %s", tc.body, rr.Body.String())
			}
			if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
				t.Fatalf("expected json content type, got %q", ct)
			}
		})
	}
}

// The raw error text must never reach the client.
func TestMapServiceErrorDoesNotLeak(t *testing.T) {
	h := &Handler{}
	rr := httptest.NewRecorder()
	h.mapServiceError(context.Background(), rr, errors.New("open /var/lib/oncelink/messages/abc.json: permission denied"))
	if strings.Contains(rr.Body.String(), "/var/lib") {
		t.Fatalf("internal detail leaked: %s", rr.Body.String())
	}
}

func TestBodyLimit(t *testing.T) {
	if got := (&Handler{}).bodyLimit(); got != 64<<20 {
		t.Fatalf("unexpected default limit %d", got)
	}
	if got := (&Handler{MaxBody: 100}).bodyLimit(); got != 600+envelopeSlack {
		t.Fatalf("unexpected limit %d", got)
	}
}
