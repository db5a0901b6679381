// Package storetest provides the behavioral suite every app.SecretStore
// adapter runs from its own tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/haukened/oncelink/internal/app"
	"github.com/haukened/oncelink/internal/domain"
)

// Suite exercises the SecretStore contract. New must return an empty store;
// it is invoked once per test.
type Suite struct {
	suite.Suite
	New func(t *testing.T) app.SecretStore

	// Concurrency is the number of racing callers in the at-most-once tests.
	Concurrency int

	store app.SecretStore
}

// Run executes the suite against the store produced by newStore.
func Run(t *testing.T, newStore func(t *testing.T) app.SecretStore) {
	suite.Run(t, &Suite{New: newStore, Concurrency: 32})
}

func (s *Suite) SetupTest() {
	s.store = s.New(s.T())
}

func record(content string) domain.Secret {
	return domain.NewSecret(domain.NewID(), content, time.Unix(1700000000, 123000000))
}

func (s *Suite) TestInsertAndConsumeRoundTrip() {
	ctx := context.Background()
	rec := record("  hello\nworld  ")
	s.Require().NoError(s.store.Insert(ctx, rec))

	got, err := s.store.Consume(ctx, rec.ID)
	s.Require().NoError(err)
	s.Equal(rec.ID, got.ID)
	s.Equal(rec.Content, got.Content)
	s.True(got.Consumed)
	s.True(rec.CreatedAt.Equal(got.CreatedAt), "createdAt %v != %v", got.CreatedAt, rec.CreatedAt)

	_, err = s.store.Consume(ctx, rec.ID)
	s.ErrorIs(err, domain.ErrUnavailable)
}

func (s *Suite) TestUnknownAndConsumedAreIndistinguishable() {
	ctx := context.Background()
	rec := record("x")
	s.Require().NoError(s.store.Insert(ctx, rec))
	_, err := s.store.Consume(ctx, rec.ID)
	s.Require().NoError(err)

	_, errConsumed := s.store.Consume(ctx, rec.ID)
	_, errUnknown := s.store.Consume(ctx, domain.NewID())
	s.ErrorIs(errConsumed, domain.ErrUnavailable)
	s.ErrorIs(errUnknown, domain.ErrUnavailable)
	s.Equal(errConsumed.Error(), errUnknown.Error())
}

func (s *Suite) TestInsertDuplicate() {
	ctx := context.Background()
	rec := record("first")
	s.Require().NoError(s.store.Insert(ctx, rec))

	dup := rec
	dup.Content = "second"
	s.ErrorIs(s.store.Insert(ctx, dup), domain.ErrDuplicateID)

	got, err := s.store.Consume(ctx, rec.ID)
	s.Require().NoError(err)
	s.Equal("first", got.Content)

	// tombstones keep the id reserved
	s.ErrorIs(s.store.Insert(ctx, dup), domain.ErrDuplicateID)
}

func (s *Suite) TestPeek() {
	ctx := context.Background()
	exists, consumed, err := s.store.Peek(ctx, domain.NewID())
	s.Require().NoError(err)
	s.False(exists)
	s.False(consumed)

	rec := record("peek")
	s.Require().NoError(s.store.Insert(ctx, rec))
	exists, consumed, err = s.store.Peek(ctx, rec.ID)
	s.Require().NoError(err)
	s.True(exists)
	s.False(consumed)

	_, err = s.store.Consume(ctx, rec.ID)
	s.Require().NoError(err)
	exists, consumed, err = s.store.Peek(ctx, rec.ID)
	s.Require().NoError(err)
	s.True(exists)
	s.True(consumed)
}

func (s *Suite) TestMarkConsumedIdempotent() {
	ctx := context.Background()
	rec := record("mark")
	s.Require().NoError(s.store.Insert(ctx, rec))

	s.NoError(s.store.MarkConsumed(ctx, rec.ID))
	s.NoError(s.store.MarkConsumed(ctx, rec.ID))

	_, err := s.store.Consume(ctx, rec.ID)
	s.ErrorIs(err, domain.ErrUnavailable)

	s.ErrorIs(s.store.MarkConsumed(ctx, domain.NewID()), domain.ErrUnavailable)
}

func (s *Suite) TestConcurrentConsumeAtMostOnce() {
	ctx := context.Background()
	rec := record("race")
	s.Require().NoError(s.store.Insert(ctx, rec))

	var (
		wins, misses atomic.Int32
		others       atomic.Int32
		start        = make(chan struct{})
		wg           sync.WaitGroup
	)
	for i := 0; i < s.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.store.Consume(ctx, rec.ID)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, domain.ErrUnavailable):
				misses.Add(1)
			default:
				others.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	s.EqualValues(1, wins.Load())
	s.EqualValues(s.Concurrency-1, misses.Load())
	s.EqualValues(0, others.Load())
}

func (s *Suite) TestConcurrentInsertSingleWinner() {
	ctx := context.Background()
	id := domain.NewID()
	var (
		wins, dups atomic.Int32
		start      = make(chan struct{})
		wg         sync.WaitGroup
	)
	n := s.Concurrency / 4
	if n < 2 {
		n = 2
	}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := s.store.Insert(ctx, domain.NewSecret(id, "c", time.Now()))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, domain.ErrDuplicateID):
				dups.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	s.EqualValues(1, wins.Load())
	s.EqualValues(n-1, dups.Load())
}
