package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/oncelink/internal/app"
	"github.com/haukened/oncelink/internal/domain"
	"github.com/haukened/oncelink/internal/store/memory"
	"github.com/haukened/oncelink/internal/store/storetest"
)

// switchable fails every call with ErrStoreUnreachable while down is set.
// markDown fails only MarkConsumed; unsure makes Consume report an unknown
// outcome without applying it.
type switchable struct {
	inner    *memory.Store
	down     atomic.Bool
	markDown atomic.Bool
	unsure   atomic.Bool
}

func (s *switchable) err() error {
	if s.down.Load() {
		return fmt.Errorf("%w: connection refused", domain.ErrStoreUnreachable)
	}
	return nil
}

func (s *switchable) Insert(ctx context.Context, rec domain.Secret) error {
	if err := s.err(); err != nil {
		return err
	}
	return s.inner.Insert(ctx, rec)
}

func (s *switchable) Consume(ctx context.Context, id domain.SecretID) (domain.Secret, error) {
	if err := s.err(); err != nil {
		return domain.Secret{}, err
	}
	if s.unsure.Load() {
		return domain.Secret{}, fmt.Errorf("%w: %w: read: connection reset", domain.ErrStoreUnreachable, domain.ErrOutcomeUnknown)
	}
	return s.inner.Consume(ctx, id)
}

func (s *switchable) Peek(ctx context.Context, id domain.SecretID) (bool, bool, error) {
	if err := s.err(); err != nil {
		return false, false, err
	}
	return s.inner.Peek(ctx, id)
}

func (s *switchable) MarkConsumed(ctx context.Context, id domain.SecretID) error {
	if err := s.err(); err != nil {
		return err
	}
	if s.markDown.Load() {
		return fmt.Errorf("%w: connection refused", domain.ErrStoreUnreachable)
	}
	return s.inner.MarkConsumed(ctx, id)
}

type counters struct {
	mu sync.Mutex
	m  map[string]int64
}

func (c *counters) Inc(name string, d int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		c.m = map[string]int64{}
	}
	c.m[name] += d
}

func (c *counters) get(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[name]
}

type fixture struct {
	auth    *switchable
	local   *memory.Store
	metrics *counters
	m       *Mirror
}

func newFixture() *fixture {
	f := &fixture{auth: &switchable{inner: memory.New()}, local: memory.New(), metrics: &counters{}}
	f.m = New(f.auth, f.local, Options{Metrics: f.metrics})
	return f
}

func secret(content string) domain.Secret {
	return domain.NewSecret(domain.NewID(), content, time.Unix(1700000000, 0))
}

func TestMirrorContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) app.SecretStore { return newFixture().m })
}

func TestMirrorContractWhileDown(t *testing.T) {
	storetest.Run(t, func(t *testing.T) app.SecretStore {
		f := newFixture()
		f.auth.down.Store(true)
		return f.m
	})
}

func TestInsertWritesBoth(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rec := secret("both")
	require.NoError(t, f.m.Insert(ctx, rec))

	exists, _, _ := f.auth.inner.Peek(ctx, rec.ID)
	assert.True(t, exists)
	exists, _, _ = f.local.Peek(ctx, rec.ID)
	assert.True(t, exists)
	assert.Zero(t, f.metrics.get(CounterFallback))
}

func TestInsertDuplicateFromAuthoritative(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rec := secret("auth only")
	require.NoError(t, f.auth.inner.Insert(ctx, rec))

	assert.ErrorIs(t, f.m.Insert(ctx, rec), domain.ErrDuplicateID)
	exists, _, _ := f.local.Peek(ctx, rec.ID)
	assert.False(t, exists, "rejected insert must not reach the local copy")
}

func TestInsertWhileDownSucceedsLocally(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.auth.down.Store(true)
	rec := secret("offline")
	require.NoError(t, f.m.Insert(ctx, rec))

	exists, _, _ := f.local.Peek(ctx, rec.ID)
	assert.True(t, exists)
	assert.EqualValues(t, 1, f.metrics.get(CounterFallback))
}

func TestInsertWhileDownLocalFailure(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rec := secret("x")
	require.NoError(t, f.local.Insert(ctx, rec))
	f.auth.down.Store(true)

	err := f.m.Insert(ctx, rec)
	assert.ErrorIs(t, err, domain.ErrStoreUnreachable)
	assert.ErrorIs(t, err, domain.ErrDuplicateID)
}

func TestConsumeInvalidatesLocalCopy(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rec := secret("read me")
	require.NoError(t, f.m.Insert(ctx, rec))

	got, err := f.m.Consume(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "read me", got.Content)

	// later outage must not resurrect the secret
	f.auth.down.Store(true)
	_, err = f.m.Consume(ctx, rec.ID)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
}

func TestAuthoritativeUnavailableWins(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rec := secret("consumed elsewhere")
	require.NoError(t, f.m.Insert(ctx, rec))
	_, err := f.auth.inner.Consume(ctx, rec.ID)
	require.NoError(t, err)

	_, err = f.m.Consume(ctx, rec.ID)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
	_, consumed, _ := f.local.Peek(ctx, rec.ID)
	assert.True(t, consumed)
}

func TestFallbackConsumeAtMostOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rec := secret("race")
	require.NoError(t, f.m.Insert(ctx, rec))
	f.auth.down.Store(true)

	const n = 32
	var (
		wins atomic.Int32
		wg   sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.m.Consume(ctx, rec.ID); err == nil {
				wins.Add(1)
			} else if !errors.Is(err, domain.ErrUnavailable) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
	assert.EqualValues(t, n, f.metrics.get(CounterFallback))
}

func TestPeekAndMarkFallBack(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rec := secret("p")
	require.NoError(t, f.m.Insert(ctx, rec))
	f.auth.down.Store(true)

	exists, consumed, err := f.m.Peek(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.False(t, consumed)

	require.NoError(t, f.m.MarkConsumed(ctx, rec.ID))
	_, consumed, _ = f.local.Peek(ctx, rec.ID)
	assert.True(t, consumed)
}

func TestPeekCopiesConsumedState(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rec := secret("p")
	require.NoError(t, f.m.Insert(ctx, rec))
	require.NoError(t, f.auth.inner.MarkConsumed(ctx, rec.ID))

	_, consumed, err := f.m.Peek(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, consumed)
	_, consumed, _ = f.local.Peek(ctx, rec.ID)
	assert.True(t, consumed)
}

func TestReconcileReplaysOfflineCreations(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.auth.down.Store(true)
	offline := secret("offline")
	require.NoError(t, f.m.Insert(ctx, offline))

	n, err := f.m.Reconcile(ctx)
	assert.ErrorIs(t, err, domain.ErrStoreUnreachable)
	assert.Zero(t, n)

	f.auth.down.Store(false)
	n, err = f.m.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 1, f.metrics.get(CounterReplayed))

	got, err := f.auth.inner.Consume(ctx, offline.ID)
	require.NoError(t, err)
	assert.Equal(t, "offline", got.Content)

	// already present upstream and now consumed there
	n, err = f.m.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, consumed, _ := f.local.Peek(ctx, offline.ID)
	assert.True(t, consumed)

	pending, err := f.local.Unconsumed(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReconcileCanceled(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.local.Insert(context.Background(), secret("x")))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.m.Reconcile(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFallbackConsumeStaysConsumedAfterReconcile(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rec := secret("read during outage")
	require.NoError(t, f.m.Insert(ctx, rec))

	f.auth.down.Store(true)
	got, err := f.m.Consume(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "read during outage", got.Content)

	f.auth.down.Store(false)
	n, err := f.m.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 1, f.metrics.get(CounterInvalidated))

	_, err = f.m.Consume(ctx, rec.ID)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
	_, consumed, _ := f.auth.inner.Peek(ctx, rec.ID)
	assert.True(t, consumed, "authoritative copy must be invalidated")

	pending, err := f.local.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFallbackConsumeStaysConsumedWithoutReconcile(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rec := secret("no sync in between")
	require.NoError(t, f.m.Insert(ctx, rec))

	f.auth.down.Store(true)
	_, err := f.m.Consume(ctx, rec.ID)
	require.NoError(t, err)

	f.auth.down.Store(false)
	_, err = f.m.Consume(ctx, rec.ID)
	assert.ErrorIs(t, err, domain.ErrUnavailable)

	exists, _, err := f.m.Peek(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, exists)
	_, consumed, _ := f.auth.inner.Peek(ctx, rec.ID)
	assert.True(t, consumed)
}

func TestPendingInvalidationBlocksAuthoritativeRead(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rec := secret("flapping")
	require.NoError(t, f.m.Insert(ctx, rec))

	f.auth.down.Store(true)
	_, err := f.m.Consume(ctx, rec.ID)
	require.NoError(t, err)

	// reads work again but the invalidation still cannot be delivered
	f.auth.down.Store(false)
	f.auth.markDown.Store(true)
	_, err = f.m.Consume(ctx, rec.ID)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
	exists, consumed, err := f.m.Peek(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.True(t, consumed)
	_, consumed, _ = f.auth.inner.Peek(ctx, rec.ID)
	assert.False(t, consumed, "nothing may have read the authoritative copy")

	n, err := f.m.Reconcile(ctx)
	assert.ErrorIs(t, err, domain.ErrStoreUnreachable)
	assert.Zero(t, n)

	f.auth.markDown.Store(false)
	n, err = f.m.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, consumed, _ = f.auth.inner.Peek(ctx, rec.ID)
	assert.True(t, consumed)
}

func TestMarkConsumedDuringOutageReachesAuthoritative(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rec := secret("burn unread")
	require.NoError(t, f.m.Insert(ctx, rec))

	f.auth.down.Store(true)
	require.NoError(t, f.m.MarkConsumed(ctx, rec.ID))
	assert.ErrorIs(t, f.m.MarkConsumed(ctx, domain.NewID()), domain.ErrUnavailable)

	f.auth.down.Store(false)
	n, err := f.m.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = f.auth.inner.Consume(ctx, rec.ID)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
}

func TestOutcomeUnknownWithdrawsLocalCopy(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rec := secret("maybe delivered")
	require.NoError(t, f.m.Insert(ctx, rec))

	f.auth.unsure.Store(true)
	_, err := f.m.Consume(ctx, rec.ID)
	assert.ErrorIs(t, err, domain.ErrOutcomeUnknown)
	assert.Zero(t, f.metrics.get(CounterFallback))

	f.auth.unsure.Store(false)
	f.auth.down.Store(true)
	_, err = f.m.Consume(ctx, rec.ID)
	assert.ErrorIs(t, err, domain.ErrUnavailable, "local copy must not be served")

	f.auth.down.Store(false)
	n, err := f.m.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = f.m.Consume(ctx, rec.ID)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
	_, consumed, _ := f.auth.inner.Peek(ctx, rec.ID)
	assert.True(t, consumed)
}

func TestConsumeReplaysUnsyncedOfflineRecord(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.auth.down.Store(true)
	rec := secret("created offline")
	require.NoError(t, f.m.Insert(ctx, rec))
	f.auth.down.Store(false)

	got, err := f.m.Consume(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "created offline", got.Content)
	assert.EqualValues(t, 1, f.metrics.get(CounterReplayed))

	exists, consumed, _ := f.auth.inner.Peek(ctx, rec.ID)
	assert.True(t, exists)
	assert.True(t, consumed)
	_, err = f.m.Consume(ctx, rec.ID)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
}

func TestPeekReplaysUnsyncedOfflineRecord(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.auth.down.Store(true)
	rec := secret("created offline")
	require.NoError(t, f.m.Insert(ctx, rec))
	f.auth.down.Store(false)

	exists, consumed, err := f.m.Peek(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.False(t, consumed)

	got, err := f.auth.inner.Consume(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "created offline", got.Content)
}

func TestMarkConsumedUnsyncedOfflineRecord(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.auth.down.Store(true)
	rec := secret("created offline")
	require.NoError(t, f.m.Insert(ctx, rec))
	f.auth.down.Store(false)

	require.NoError(t, f.m.MarkConsumed(ctx, rec.ID))
	n, err := f.m.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	exists, _, _ := f.auth.inner.Peek(ctx, rec.ID)
	assert.False(t, exists, "an invalidated record is never replayed")
}

func TestOfflineCreatedAndConsumedNeverReplayed(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.auth.down.Store(true)
	rec := secret("short lived")
	require.NoError(t, f.m.Insert(ctx, rec))
	_, err := f.m.Consume(ctx, rec.ID)
	require.NoError(t, err)

	f.auth.down.Store(false)
	_, err = f.m.Reconcile(ctx)
	require.NoError(t, err)
	exists, _, _ := f.auth.inner.Peek(ctx, rec.ID)
	assert.False(t, exists)
	pending, err := f.local.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
