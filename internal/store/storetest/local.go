package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/haukened/oncelink/internal/app"
	"github.com/haukened/oncelink/internal/domain"
)

// Local is the surface a store needs to serve as the local side of a mirror.
type Local interface {
	app.SecretStore
	Get(ctx context.Context, id domain.SecretID) (domain.Secret, error)
	Unconsumed(ctx context.Context) ([]domain.Secret, error)
	SetPending(ctx context.Context, id domain.SecretID, pending bool) error
	IsPending(ctx context.Context, id domain.SecretID) (bool, error)
	Pending(ctx context.Context) ([]domain.SecretID, error)
}

// LocalSuite exercises the Local surface. New must return an empty store.
type LocalSuite struct {
	suite.Suite
	New func(t *testing.T) Local

	store Local
}

// RunLocal executes LocalSuite against the store produced by newStore.
func RunLocal(t *testing.T, newStore func(t *testing.T) Local) {
	suite.Run(t, &LocalSuite{New: newStore})
}

func (s *LocalSuite) SetupTest() {
	s.store = s.New(s.T())
}

func (s *LocalSuite) TestGetLeavesRecordUnconsumed() {
	ctx := context.Background()
	rec := record("look, don't touch")
	s.Require().NoError(s.store.Insert(ctx, rec))

	got, err := s.store.Get(ctx, rec.ID)
	s.Require().NoError(err)
	s.Equal(rec.Content, got.Content)
	s.False(got.Consumed)
	s.True(rec.CreatedAt.Equal(got.CreatedAt))

	_, err = s.store.Consume(ctx, rec.ID)
	s.Require().NoError(err)
	got, err = s.store.Get(ctx, rec.ID)
	s.Require().NoError(err)
	s.True(got.Consumed)

	_, err = s.store.Get(ctx, domain.NewID())
	s.ErrorIs(err, domain.ErrUnavailable)
}

func (s *LocalSuite) TestUnconsumedOldestFirst() {
	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	newer := domain.NewSecret(domain.NewID(), "newer", base.Add(time.Minute))
	older := domain.NewSecret(domain.NewID(), "older", base)
	gone := domain.NewSecret(domain.NewID(), "gone", base.Add(-time.Minute))
	for _, rec := range []domain.Secret{newer, older, gone} {
		s.Require().NoError(s.store.Insert(ctx, rec))
	}
	s.Require().NoError(s.store.MarkConsumed(ctx, gone.ID))

	got, err := s.store.Unconsumed(ctx)
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal("older", got[0].Content)
	s.Equal("newer", got[1].Content)
}

func (s *LocalSuite) TestPendingSet() {
	ctx := context.Background()
	a, b := domain.NewID(), domain.NewID()

	ids, err := s.store.Pending(ctx)
	s.Require().NoError(err)
	s.Empty(ids)

	s.Require().NoError(s.store.SetPending(ctx, a, true))
	s.Require().NoError(s.store.SetPending(ctx, a, true))
	s.Require().NoError(s.store.SetPending(ctx, b, true))

	ok, err := s.store.IsPending(ctx, a)
	s.Require().NoError(err)
	s.True(ok)
	ids, err = s.store.Pending(ctx)
	s.Require().NoError(err)
	s.ElementsMatch([]domain.SecretID{a, b}, ids)

	s.Require().NoError(s.store.SetPending(ctx, a, false))
	s.Require().NoError(s.store.SetPending(ctx, a, false))
	ok, err = s.store.IsPending(ctx, a)
	s.Require().NoError(err)
	s.False(ok)
	ids, err = s.store.Pending(ctx)
	s.Require().NoError(err)
	s.Equal([]domain.SecretID{b}, ids)
}

func (s *LocalSuite) TestPendingIndependentOfRecords() {
	ctx := context.Background()
	rec := record("tracked")
	s.Require().NoError(s.store.Insert(ctx, rec))
	s.Require().NoError(s.store.SetPending(ctx, rec.ID, true))

	_, err := s.store.Consume(ctx, rec.ID)
	s.Require().NoError(err)
	ok, err := s.store.IsPending(ctx, rec.ID)
	s.Require().NoError(err)
	s.True(ok, "consuming must not clear the marker")

	got, err := s.store.Unconsumed(ctx)
	s.Require().NoError(err)
	s.Empty(got)
}
