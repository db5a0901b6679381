// Package app defines the application layer "ports" (interfaces) and simple
// data contracts that the core use-cases of oncelink depend upon. It follows a
// hexagonal (ports & adapters) design: this package declares what the core
// needs, while adapter packages (SQLite, filesystem, Redis, HTTP, mirror)
// provide concrete implementations. No SQL or network concerns belong here.
package app

import (
	"context"
	"time"

	"github.com/haukened/oncelink/internal/domain"
)

// Clock abstracts time to enable deterministic tests.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time
}

// SecretStore is the persistence port for secrets. Implementations own the
// canonical copy of each record and must provide the single-consume invariant.
type SecretStore interface {
	// Insert durably persists a new, unconsumed record. It returns an error
	// wrapping domain.ErrDuplicateID if the id exists, consumed or not.
	Insert(ctx context.Context, s domain.Secret) error

	// Consume atomically flips the record's consumed flag from false to true
	// and returns the record. Missing and already consumed records both yield
	// domain.ErrUnavailable. Of N concurrent calls for one id at most one
	// succeeds.
	Consume(ctx context.Context, id domain.SecretID) (domain.Secret, error)

	// Peek reports existence and consumption state without side effects. It
	// must never gate a later Consume.
	Peek(ctx context.Context, id domain.SecretID) (exists, consumed bool, err error)

	// MarkConsumed sets the consumed flag without returning content. It is
	// idempotent and returns domain.ErrUnavailable only for unknown ids.
	MarkConsumed(ctx context.Context, id domain.SecretID) error
}

// Metrics is the optional counter sink used by the Service.
type Metrics interface {
	Inc(name string, delta int64)
}
