// Package pebble provides an embedded, durable SecretStore on Pebble. It is
// a durable local store behind a mirror.
package pebble

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/cockroachdb/pebble"
	"github.com/goccy/go-json"

	"github.com/haukened/oncelink/internal/app"
	"github.com/haukened/oncelink/internal/domain"
	"github.com/haukened/oncelink/internal/store"
)

var (
	keyPrefix     = []byte("secret:")
	pendingPrefix = []byte("pending:")
)

var _ app.SecretStore = (*Store)(nil)

// Store keeps one JSON value per secret. Pebble has no conditional write, so
// read-modify-write sequences on one id run under a per-id lock. The lock is
// in-process only; Pebble itself refuses a second process on the same dir.
type Store struct {
	db    *pebble.DB
	locks *store.KeyLocker
}

// Open opens (creating if needed) a Pebble database at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Store{db: db, locks: store.NewKeyLocker()}, nil
}

// Close flushes and closes the database. It is safe on a nil Store.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func key(id domain.SecretID) []byte {
	return append(append([]byte{}, keyPrefix...), id.String()...)
}

func pendingKey(id domain.SecretID) []byte {
	return append(append([]byte{}, pendingPrefix...), id.String()...)
}

// prefixEnd is the exclusive upper bound of the keys starting with p.
func prefixEnd(p []byte) []byte {
	end := append([]byte{}, p...)
	end[len(end)-1]++
	return end
}

// Insert writes rec unless the id is present.
func (s *Store) Insert(_ context.Context, rec domain.Secret) error {
	unlock := s.locks.Lock(rec.ID.String())
	defer unlock()

	if _, err := s.get(rec.ID); err == nil {
		return domain.ErrDuplicateID
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return err
	}
	rec.Consumed = false
	return s.put(rec)
}

// Consume flips the consumed flag under the id lock and returns the record.
func (s *Store) Consume(_ context.Context, id domain.SecretID) (domain.Secret, error) {
	unlock := s.locks.Lock(id.String())
	defer unlock()

	rec, err := s.get(id)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return domain.Secret{}, domain.ErrUnavailable
		}
		return domain.Secret{}, err
	}
	if rec.Consumed {
		return domain.Secret{}, domain.ErrUnavailable
	}
	rec.Consumed = true
	if err := s.put(rec); err != nil {
		return domain.Secret{}, err
	}
	return rec, nil
}

// Peek reads the record without taking the id lock.
func (s *Store) Peek(_ context.Context, id domain.SecretID) (bool, bool, error) {
	rec, err := s.get(id)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, false, nil
		}
		return false, false, err
	}
	return true, rec.Consumed, nil
}

// MarkConsumed sets the consumed flag, skipping the write when already set.
func (s *Store) MarkConsumed(_ context.Context, id domain.SecretID) error {
	unlock := s.locks.Lock(id.String())
	defer unlock()

	rec, err := s.get(id)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return domain.ErrUnavailable
		}
		return err
	}
	if rec.Consumed {
		return nil
	}
	rec.Consumed = true
	return s.put(rec)
}

// Unconsumed scans the secret keyspace and returns unconsumed records,
// oldest first.
func (s *Store) Unconsumed(ctx context.Context) ([]domain.Secret, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: keyPrefix, UpperBound: prefixEnd(keyPrefix)})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []domain.Secret
	for ok := it.First(); ok; ok = it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !bytes.HasPrefix(it.Key(), keyPrefix) {
			continue
		}
		var rec domain.Secret
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", it.Key(), err)
		}
		if !rec.Consumed {
			out = append(out, rec)
		}
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Get returns the record without changing it.
func (s *Store) Get(_ context.Context, id domain.SecretID) (domain.Secret, error) {
	rec, err := s.get(id)
	if errors.Is(err, pebble.ErrNotFound) {
		return domain.Secret{}, domain.ErrUnavailable
	}
	return rec, err
}

// SetPending writes or deletes the pending-upstream marker for id. Both are
// synced before returning.
func (s *Store) SetPending(_ context.Context, id domain.SecretID, pending bool) error {
	if pending {
		return s.db.Set(pendingKey(id), nil, pebble.Sync)
	}
	return s.db.Delete(pendingKey(id), pebble.Sync)
}

// IsPending reports whether a pending-upstream marker exists for id.
func (s *Store) IsPending(_ context.Context, id domain.SecretID) (bool, error) {
	_, closer, err := s.db.Get(pendingKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, closer.Close()
}

// Pending lists the ids carrying a pending-upstream marker, in key order.
func (s *Store) Pending(ctx context.Context) ([]domain.SecretID, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: pendingPrefix, UpperBound: prefixEnd(pendingPrefix)})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []domain.SecretID
	for ok := it.First(); ok; ok = it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, domain.SecretID(bytes.TrimPrefix(it.Key(), pendingPrefix)))
	}
	return out, it.Error()
}

func (s *Store) get(id domain.SecretID) (domain.Secret, error) {
	v, closer, err := s.db.Get(key(id))
	if err != nil {
		return domain.Secret{}, err
	}
	defer closer.Close()
	var rec domain.Secret
	if err := json.Unmarshal(v, &rec); err != nil {
		return domain.Secret{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

func (s *Store) put(rec domain.Secret) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Set(key(rec.ID), b, pebble.Sync)
}
