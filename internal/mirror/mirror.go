// Package mirror pairs an authoritative SecretStore with a local shadow copy.
// The authoritative store decides every outcome it can be reached for; the
// local store only answers while the authoritative one is unreachable.
//
// Whatever the local copy consumes or invalidates during an outage is
// recorded as pending until the authoritative store has been told, so a
// message served locally never becomes readable upstream again.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/haukened/oncelink/internal/app"
	"github.com/haukened/oncelink/internal/domain"
)

// Counter names emitted by the Mirror.
const (
	CounterFallback    = "mirror_fallback_total"
	CounterReplayed    = "mirror_replayed_total"
	CounterInvalidated = "mirror_invalidated_total"
)

// LocalStore is the local side of a Mirror. Besides the SecretStore surface
// it keeps a durable pending set: ids consumed or invalidated locally whose
// invalidation the authoritative store has not acknowledged yet.
type LocalStore interface {
	app.SecretStore
	// Get returns a record without consuming it.
	Get(ctx context.Context, id domain.SecretID) (domain.Secret, error)
	Unconsumed(ctx context.Context) ([]domain.Secret, error)
	SetPending(ctx context.Context, id domain.SecretID, pending bool) error
	IsPending(ctx context.Context, id domain.SecretID) (bool, error)
	Pending(ctx context.Context) ([]domain.SecretID, error)
}

// Options configures optional collaborators.
type Options struct {
	Logger  *slog.Logger
	Metrics app.Metrics
}

var _ app.SecretStore = (*Mirror)(nil)

// Mirror implements app.SecretStore over an (authoritative, local) pair.
type Mirror struct {
	auth    app.SecretStore
	local   LocalStore
	log     *slog.Logger
	metrics app.Metrics
}

// New pairs authoritative with local. A nil Logger falls back to
// slog.Default; Metrics may be nil.
func New(authoritative app.SecretStore, local LocalStore, opts Options) *Mirror {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Mirror{auth: authoritative, local: local, log: log, metrics: opts.Metrics}
}

// Insert writes to the authoritative store and then to the local copy. While
// the authoritative store is unreachable the local write alone counts as
// success; Reconcile replays it later.
func (m *Mirror) Insert(ctx context.Context, rec domain.Secret) error {
	err := m.auth.Insert(ctx, rec)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrStoreUnreachable):
		m.fallback("insert", err)
	default:
		return err
	}
	if lerr := m.local.Insert(ctx, rec); lerr != nil {
		if err != nil {
			return fmt.Errorf("%w (local: %w)", err, lerr)
		}
		m.log.Warn("local mirror insert failed", "domain", "mirror", "action", "insert", "err", lerr)
	}
	return nil
}

// Consume asks the authoritative store first and invalidates the local copy
// with whatever it answers. A pending invalidation of id is pushed before
// that; while it cannot be pushed the id stays unavailable.
//
// A miss for a record the local copy still holds unconsumed replays that
// record and consumes it upstream. When the authoritative outcome is unknown
// the local copy is withdrawn instead of served.
func (m *Mirror) Consume(ctx context.Context, id domain.SecretID) (domain.Secret, error) {
	held, err := m.pushPending(ctx, id, "consume")
	if err != nil {
		return domain.Secret{}, err
	}
	if held {
		return domain.Secret{}, domain.ErrUnavailable
	}

	rec, err := m.auth.Consume(ctx, id)
	if errors.Is(err, domain.ErrUnavailable) {
		switch replayed, rerr := m.replayMissing(ctx, id); {
		case rerr != nil:
			err = rerr
		case replayed:
			rec, err = m.auth.Consume(ctx, id)
		}
	}
	switch {
	case err == nil, errors.Is(err, domain.ErrUnavailable):
		m.shadowConsumed(ctx, id)
		return rec, err
	case errors.Is(err, domain.ErrOutcomeUnknown):
		m.log.Warn("authoritative consume outcome unknown, withdrawing local copy", "domain", "mirror", "action", "consume", "err", err)
		m.withdraw(ctx, id)
		return domain.Secret{}, err
	case errors.Is(err, domain.ErrStoreUnreachable):
		m.fallback("consume", err)
		return m.consumeLocal(ctx, id)
	}
	return rec, err
}

// Peek asks the authoritative store, pushing a pending invalidation of id
// first. A record only the local copy knows is replayed and reported
// available.
func (m *Mirror) Peek(ctx context.Context, id domain.SecretID) (bool, bool, error) {
	held, err := m.pushPending(ctx, id, "peek")
	if err != nil {
		return false, false, err
	}
	if held {
		return m.local.Peek(ctx, id)
	}

	exists, consumed, err := m.auth.Peek(ctx, id)
	if err == nil && !exists {
		replayed, rerr := m.replayMissing(ctx, id)
		if replayed {
			return true, false, nil
		}
		err = rerr
	}
	if err == nil {
		// absent upstream with nothing to replay means consumed or unknown
		if consumed || !exists {
			m.shadowConsumed(ctx, id)
		}
		return exists, consumed, nil
	}
	if errors.Is(err, domain.ErrStoreUnreachable) {
		m.fallback("peek", err)
		return m.local.Peek(ctx, id)
	}
	return false, false, err
}

// MarkConsumed invalidates id upstream and locally. During an outage the
// local record is invalidated and id is left pending for the authoritative
// store.
func (m *Mirror) MarkConsumed(ctx context.Context, id domain.SecretID) error {
	err := m.auth.MarkConsumed(ctx, id)
	switch {
	case err == nil:
		m.shadowConsumed(ctx, id)
		m.clearPending(ctx, id)
		return nil
	case errors.Is(err, domain.ErrUnavailable):
		m.clearPending(ctx, id)
		// a record created during an outage may exist only locally
		if lerr := m.local.MarkConsumed(ctx, id); lerr == nil {
			return nil
		}
		return err
	case errors.Is(err, domain.ErrStoreUnreachable):
		m.fallback("mark", err)
		return m.markLocal(ctx, id)
	}
	return err
}

// Reconcile brings the authoritative store up to date with an outage. It
// first pushes every pending invalidation, then replays every unconsumed
// local record, and returns how many changes the authoritative store
// accepted. A replay that collides with an existing id copies the
// authoritative consumed state back to the local record; some authoritative
// stores cannot tell consumed from absent on Peek, so a duplicate that peeks
// as absent is treated as consumed. The pass stops at the first unreachable
// error.
func (m *Mirror) Reconcile(ctx context.Context) (int, error) {
	pushed, err := m.pushAllPending(ctx)
	if err != nil {
		return pushed, err
	}
	replayed, err := m.replayUnconsumed(ctx)
	return pushed + replayed, err
}

func (m *Mirror) pushAllPending(ctx context.Context) (int, error) {
	ids, err := m.local.Pending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending invalidations: %w", err)
	}
	pushed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return pushed, err
		}
		err := m.invalidateUpstream(ctx, id)
		switch {
		case err == nil:
			pushed++
		case errors.Is(err, domain.ErrStoreUnreachable):
			return pushed, err
		default:
			m.log.Warn("pending invalidation rejected", "domain", "mirror", "action", "reconcile", "err", err)
		}
	}
	return pushed, nil
}

func (m *Mirror) replayUnconsumed(ctx context.Context) (int, error) {
	records, err := m.local.Unconsumed(ctx)
	if err != nil {
		return 0, fmt.Errorf("list local records: %w", err)
	}
	replayed := 0
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		err := m.auth.Insert(ctx, rec)
		switch {
		case err == nil:
			replayed++
			m.inc(CounterReplayed)
		case errors.Is(err, domain.ErrDuplicateID):
			exists, consumed, perr := m.auth.Peek(ctx, rec.ID)
			if perr != nil {
				if errors.Is(perr, domain.ErrStoreUnreachable) {
					return replayed, perr
				}
				m.log.Warn("peek during reconcile failed", "domain", "mirror", "action", "reconcile", "err", perr)
				continue
			}
			if consumed || !exists {
				m.shadowConsumed(ctx, rec.ID)
			}
		case errors.Is(err, domain.ErrStoreUnreachable):
			return replayed, err
		default:
			m.log.Warn("replay rejected", "domain", "mirror", "action", "reconcile", "err", err)
		}
	}
	return replayed, nil
}

// pushPending sends a pending invalidation of id upstream and reports
// whether id is still pending afterwards.
func (m *Mirror) pushPending(ctx context.Context, id domain.SecretID, action string) (bool, error) {
	pending, err := m.local.IsPending(ctx, id)
	if err != nil {
		return false, fmt.Errorf("local pending state: %w", err)
	}
	if !pending {
		return false, nil
	}
	if err := m.invalidateUpstream(ctx, id); err != nil {
		if errors.Is(err, domain.ErrStoreUnreachable) {
			m.fallback(action, err)
		} else {
			m.log.Warn("pending invalidation rejected", "domain", "mirror", "action", action, "err", err)
		}
		return true, nil
	}
	return false, nil
}

// invalidateUpstream marks id consumed in the authoritative store and clears
// its pending marker. An id the authoritative store never had needs nothing.
func (m *Mirror) invalidateUpstream(ctx context.Context, id domain.SecretID) error {
	if err := m.auth.MarkConsumed(ctx, id); err != nil && !errors.Is(err, domain.ErrUnavailable) {
		return err
	}
	if err := m.local.SetPending(ctx, id, false); err != nil {
		return fmt.Errorf("clear pending: %w", err)
	}
	m.inc(CounterInvalidated)
	return nil
}

// replayMissing inserts upstream a record the local copy holds unconsumed
// but the authoritative store reports missing, typically one created during
// an outage that Reconcile has not pushed yet. It reports whether the
// authoritative store accepted it; a duplicate means it already has the id.
func (m *Mirror) replayMissing(ctx context.Context, id domain.SecretID) (bool, error) {
	rec, err := m.local.Get(ctx, id)
	if err != nil || rec.Consumed {
		return false, nil
	}
	switch err := m.auth.Insert(ctx, rec); {
	case err == nil:
		m.inc(CounterReplayed)
		return true, nil
	case errors.Is(err, domain.ErrDuplicateID):
		return false, nil
	default:
		return false, err
	}
}

// consumeLocal serves id from the local copy. The pending marker is written
// before the flip, so a crash in between can lose the record upstream but
// never leave it readable there.
func (m *Mirror) consumeLocal(ctx context.Context, id domain.SecretID) (domain.Secret, error) {
	exists, consumed, err := m.local.Peek(ctx, id)
	if err != nil {
		return domain.Secret{}, err
	}
	if !exists || consumed {
		return domain.Secret{}, domain.ErrUnavailable
	}
	if err := m.local.SetPending(ctx, id, true); err != nil {
		return domain.Secret{}, fmt.Errorf("record pending invalidation: %w", err)
	}
	return m.local.Consume(ctx, id)
}

func (m *Mirror) markLocal(ctx context.Context, id domain.SecretID) error {
	exists, _, err := m.local.Peek(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return domain.ErrUnavailable
	}
	if err := m.local.SetPending(ctx, id, true); err != nil {
		return fmt.Errorf("record pending invalidation: %w", err)
	}
	return m.local.MarkConsumed(ctx, id)
}

// withdraw invalidates id locally and upstream-to-be after a consume whose
// authoritative outcome is unknown.
func (m *Mirror) withdraw(ctx context.Context, id domain.SecretID) {
	if err := m.local.SetPending(ctx, id, true); err != nil {
		m.log.Warn("record pending invalidation failed", "domain", "mirror", "action", "withdraw", "err", err)
	}
	m.shadowConsumed(ctx, id)
}

func (m *Mirror) clearPending(ctx context.Context, id domain.SecretID) {
	pending, err := m.local.IsPending(ctx, id)
	if err == nil && pending {
		err = m.local.SetPending(ctx, id, false)
	}
	if err != nil {
		m.log.Warn("clear pending invalidation failed", "domain", "mirror", "action", "mark", "err", err)
	}
}

func (m *Mirror) shadowConsumed(ctx context.Context, id domain.SecretID) {
	if err := m.local.MarkConsumed(ctx, id); err != nil && !errors.Is(err, domain.ErrUnavailable) {
		m.log.Warn("local mirror invalidate failed", "domain", "mirror", "action", "shadow", "err", err)
	}
}

func (m *Mirror) fallback(action string, err error) {
	m.log.Warn("authoritative store unreachable, using local mirror", "domain", "mirror", "action", action, "err", err)
	m.inc(CounterFallback)
}

func (m *Mirror) inc(name string) {
	if m.metrics != nil {
		m.metrics.Inc(name, 1)
	}
}
