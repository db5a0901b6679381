// Package remote implements app.SecretStore against an oncelink server's
// message API, so a server can act as the authoritative store for a client.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/haukened/oncelink/internal/app"
	"github.com/haukened/oncelink/internal/domain"
	"github.com/haukened/oncelink/internal/httpx"
	"github.com/haukened/oncelink/internal/store"
)

// HTTPDoer is the interface for making HTTP requests.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

var _ app.SecretStore = (*Client)(nil)

// Client wraps HTTP calls to the oncelink API. Transport failures and gateway
// statuses are reported as domain.ErrStoreUnreachable; those that may have
// reached the server's store also carry domain.ErrOutcomeUnknown.
type Client struct {
	BaseURL    string
	HTTPClient HTTPDoer
}

// New returns a Client for baseURL using an http.Client with the given timeout.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout, Transport: http.DefaultTransport.(*http.Transport).Clone()},
	}
}

func (c *Client) messageURL(id domain.SecretID, suffix string) string {
	return c.BaseURL + "/api/messages/" + url.PathEscape(id.String()) + suffix
}

// Insert posts the record with its id. The server assigns its own createdAt.
func (c *Client) Insert(ctx context.Context, rec domain.Secret) error {
	body, err := json.Marshal(httpx.CreateRequest{ID: rec.ID.String(), Content: rec.Content})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, c.BaseURL+"/api/messages", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return readAPIError(resp)
	}
	return nil
}

// Consume issues the single GET that reads and invalidates the message.
func (c *Client) Consume(ctx context.Context, id domain.SecretID) (domain.Secret, error) {
	resp, err := c.do(ctx, http.MethodGet, c.messageURL(id, ""), nil)
	if err != nil {
		return domain.Secret{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return domain.Secret{}, readAPIError(resp)
	}
	var msg httpx.MessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return domain.Secret{}, fmt.Errorf("decode response: %w", err)
	}
	return domain.Secret{
		ID:        domain.SecretID(msg.ID),
		Content:   msg.Content,
		Consumed:  true,
		CreatedAt: msg.CreatedAt.UTC(),
	}, nil
}

// Peek maps HEAD onto (exists, consumed). The API answers 404 for both
// unknown and consumed messages, so a consumed message reports as absent.
func (c *Client) Peek(ctx context.Context, id domain.SecretID) (bool, bool, error) {
	resp, err := c.do(ctx, http.MethodHead, c.messageURL(id, ""), nil)
	if err != nil {
		return false, false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, false, nil
	case http.StatusNotFound:
		return false, false, nil
	default:
		return false, false, readAPIError(resp)
	}
}

// MarkConsumed invalidates the message through PUT .../viewed.
func (c *Client) MarkConsumed(ctx context.Context, id domain.SecretID) error {
	resp, err := c.do(ctx, http.MethodPut, c.messageURL(id, "/viewed"), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, err
		}
		return nil, store.Unreachable(err)
	}
	return resp, nil
}

// readAPIError turns a non-2xx response into a domain error.
func readAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e httpx.ErrorResponse
	_ = json.Unmarshal(raw, &e)

	switch resp.StatusCode {
	case http.StatusNotFound:
		return domain.ErrUnavailable
	case http.StatusConflict:
		return domain.ErrDuplicateID
	case http.StatusRequestEntityTooLarge:
		return app.ErrSizeExceeded
	case http.StatusServiceUnavailable:
		// the server's own store refused before anything was applied
		if e.Code == httpx.CodeStoreUnreachable {
			return fmt.Errorf("%w: server returned %d", domain.ErrStoreUnreachable, resp.StatusCode)
		}
		return fmt.Errorf("%w: %w: server returned %d", domain.ErrStoreUnreachable, domain.ErrOutcomeUnknown, resp.StatusCode)
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %w: server returned %d", domain.ErrStoreUnreachable, domain.ErrOutcomeUnknown, resp.StatusCode)
	case http.StatusBadRequest:
		switch e.Code {
		case httpx.CodeEmptyContent:
			return domain.ErrEmptyContent
		case httpx.CodeInvalidID:
			return domain.ErrInvalidID
		}
	}
	if e.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}
