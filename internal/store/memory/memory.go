// Package memory provides an in-process SecretStore. It backs tests, single
// process deployments, and the local side of a mirror.
package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/haukened/oncelink/internal/app"
	"github.com/haukened/oncelink/internal/domain"
)

var _ app.SecretStore = (*Store)(nil)

// entry holds an immutable record plus its consumed flag. The flag is the
// only mutable field and flips through CompareAndSwap, so consumes of one id
// never wait on another id.
type entry struct {
	rec      domain.Secret
	consumed atomic.Bool
}

// Store is a map-backed SecretStore safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries map[domain.SecretID]*entry
	pending map[domain.SecretID]struct{}
}

// New returns an empty Store.
func New() *Store {
	return &Store{entries: make(map[domain.SecretID]*entry), pending: make(map[domain.SecretID]struct{})}
}

// Insert adds rec unless its id is already present.
func (s *Store) Insert(_ context.Context, rec domain.Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[rec.ID]; ok {
		return domain.ErrDuplicateID
	}
	e := &entry{rec: rec}
	e.rec.Consumed = false
	s.entries[rec.ID] = e
	return nil
}

// Consume flips the consumed flag and returns the record on the first call.
func (s *Store) Consume(_ context.Context, id domain.SecretID) (domain.Secret, error) {
	e := s.lookup(id)
	if e == nil || !e.consumed.CompareAndSwap(false, true) {
		return domain.Secret{}, domain.ErrUnavailable
	}
	out := e.rec
	out.Consumed = true
	return out, nil
}

// Peek reports whether id exists and whether it has been consumed.
func (s *Store) Peek(_ context.Context, id domain.SecretID) (bool, bool, error) {
	e := s.lookup(id)
	if e == nil {
		return false, false, nil
	}
	return true, e.consumed.Load(), nil
}

// MarkConsumed sets the consumed flag; repeated calls are no-ops.
func (s *Store) MarkConsumed(_ context.Context, id domain.SecretID) error {
	e := s.lookup(id)
	if e == nil {
		return domain.ErrUnavailable
	}
	e.consumed.Store(true)
	return nil
}

// Unconsumed returns copies of all records not yet consumed, oldest first.
func (s *Store) Unconsumed(_ context.Context) ([]domain.Secret, error) {
	s.mu.RLock()
	out := make([]domain.Secret, 0, len(s.entries))
	for _, e := range s.entries {
		if !e.consumed.Load() {
			out = append(out, e.rec)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Get returns the record without changing it.
func (s *Store) Get(_ context.Context, id domain.SecretID) (domain.Secret, error) {
	e := s.lookup(id)
	if e == nil {
		return domain.Secret{}, domain.ErrUnavailable
	}
	out := e.rec
	out.Consumed = e.consumed.Load()
	return out, nil
}

// SetPending adds id to, or removes it from, the pending-upstream set.
func (s *Store) SetPending(_ context.Context, id domain.SecretID, pending bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pending {
		s.pending[id] = struct{}{}
	} else {
		delete(s.pending, id)
	}
	return nil
}

// IsPending reports whether id is in the pending-upstream set.
func (s *Store) IsPending(_ context.Context, id domain.SecretID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pending[id]
	return ok, nil
}

// Pending lists the pending-upstream set in id order.
func (s *Store) Pending(_ context.Context) ([]domain.SecretID, error) {
	s.mu.RLock()
	out := make([]domain.SecretID, 0, len(s.pending))
	for id := range s.pending {
		out = append(out, id)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) lookup(id domain.SecretID) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}
