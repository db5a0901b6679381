// Package domain errors.go contains sentinel errors
package domain

import "errors"

// Sentinel domain-level errors reused by higher layers.
var (
	ErrInvalidID    = errors.New("invalid secret id")
	ErrEmptyContent = errors.New("secret content is empty")
	// ErrDuplicateID is an integrity fault: an insert collided with an existing record.
	ErrDuplicateID = errors.New("duplicate secret id")
	// ErrUnavailable covers both "never existed" and "already consumed".
	ErrUnavailable = errors.New("secret unavailable")
	// ErrStoreUnreachable marks a transient infrastructure failure of a persistent store.
	ErrStoreUnreachable = errors.New("store unreachable")
	// ErrOutcomeUnknown accompanies ErrStoreUnreachable when the request may
	// already have been applied, so the operation must not be repeated elsewhere.
	ErrOutcomeUnknown = errors.New("store outcome unknown")
)
