// Package app contains the application orchestration layer for oncelink. It wires
// domain validation with persistence ports without performing any I/O itself.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/haukened/oncelink/internal/domain"
)

// ErrSizeExceeded indicates the content exceeds the configured maximum.
var ErrSizeExceeded = errors.New("size exceeded")

// Counter names emitted by the Service.
const (
	CounterSecretsCreated     = "secrets_created_total"
	CounterSecretsConsumed    = "secrets_consumed_total"
	CounterSecretsUnavailable = "secrets_unavailable_total"
	CounterSecretsMarked      = "secrets_marked_viewed_total"
	CounterDuplicateID        = "secrets_duplicate_id_total"
)

// Service orchestrates secret creation and one-time consumption using the
// injected store and clock. It is safe for concurrent use when Store is.
type Service struct {
	Store    SecretStore
	Clock    Clock
	MaxBytes int64   // 0 disables the size check
	Metrics  Metrics // optional
	Logger   *slog.Logger
}

// Create validates content, assigns a fresh ID and persists the secret.
// Content is stored exactly as given; only all-whitespace content is rejected.
func (s *Service) Create(ctx context.Context, content string) (domain.SecretID, error) {
	return s.create(ctx, domain.NewID(), content)
}

// CreateWithID is Create with a caller-proposed identifier. The proposal is
// normalized by domain.ParseRequestedID and must not collide with an existing
// record; collisions surface as domain.ErrDuplicateID.
func (s *Service) CreateWithID(ctx context.Context, requestedID, content string) (domain.SecretID, error) {
	id, err := domain.ParseRequestedID(requestedID)
	if err != nil {
		return "", err
	}
	return s.create(ctx, id, content)
}

func (s *Service) create(ctx context.Context, id domain.SecretID, content string) (domain.SecretID, error) {
	if err := domain.ValidateContent(content); err != nil {
		return "", err
	}
	if s.MaxBytes > 0 && int64(len(content)) > s.MaxBytes {
		return "", ErrSizeExceeded
	}
	rec := domain.NewSecret(id, content, s.Clock.Now())
	if err := s.Store.Insert(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrDuplicateID) {
			// never retried: a collision means generator or caller misbehaved
			s.logger().Error("insert collided with existing record", "domain", "service", "action", "create")
			s.inc(CounterDuplicateID)
		}
		return "", fmt.Errorf("insert secret: %w", err)
	}
	s.inc(CounterSecretsCreated)
	return id, nil
}

// Consume returns the secret and invalidates it in one store operation.
// Malformed ids are reported as domain.ErrUnavailable so callers cannot tell
// them apart from unknown or consumed ids.
func (s *Service) Consume(ctx context.Context, idStr string) (domain.Secret, error) {
	id, err := domain.ParseID(idStr)
	if err != nil {
		s.inc(CounterSecretsUnavailable)
		return domain.Secret{}, domain.ErrUnavailable
	}
	rec, err := s.Store.Consume(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrUnavailable) {
			s.inc(CounterSecretsUnavailable)
		}
		return domain.Secret{}, err
	}
	s.inc(CounterSecretsConsumed)
	return rec, nil
}

// Exists reports whether a Consume issued now would find an unconsumed
// record. The answer may be stale by the time the caller acts on it.
func (s *Service) Exists(ctx context.Context, idStr string) (bool, error) {
	id, err := domain.ParseID(idStr)
	if err != nil {
		return false, nil
	}
	exists, consumed, err := s.Store.Peek(ctx, id)
	if err != nil {
		return false, err
	}
	return exists && !consumed, nil
}

// MarkViewed invalidates the secret without reading it. Repeated calls on the
// same id succeed; unknown ids yield domain.ErrUnavailable.
func (s *Service) MarkViewed(ctx context.Context, idStr string) error {
	id, err := domain.ParseID(idStr)
	if err != nil {
		return domain.ErrUnavailable
	}
	if err := s.Store.MarkConsumed(ctx, id); err != nil {
		return err
	}
	s.inc(CounterSecretsMarked)
	return nil
}

func (s *Service) inc(name string) {
	if s.Metrics != nil {
		s.Metrics.Inc(name, 1)
	}
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
