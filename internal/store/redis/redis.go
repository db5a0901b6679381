// Package redis provides a Redis-backed SecretStore. Each secret is a hash
// with content, consumed and created_at fields; creation and consumption run
// as Lua scripts so each is a single atomic server-side step.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/haukened/oncelink/internal/app"
	"github.com/haukened/oncelink/internal/domain"
	"github.com/haukened/oncelink/internal/store"
)

const keyTemplate = "%s:secret:%s"

var _ app.SecretStore = (*Store)(nil)

var insertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'content', ARGV[1], 'consumed', '0', 'created_at', ARGV[2])
return 1
`)

var consumeScript = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'consumed', 'content', 'created_at')
if v[1] ~= '0' then
	return false
end
redis.call('HSET', KEYS[1], 'consumed', '1')
return {v[2], v[3]}
`)

var markScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'consumed', '1')
return 1
`)

// Store implements app.SecretStore on Redis.
type Store struct {
	cli    redis.UniversalClient
	prefix string
}

// New wraps an existing client. Keys are namespaced under prefix.
func New(cli redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "oncelink"
	}
	return &Store{cli: cli, prefix: prefix}
}

// Dial connects to addr and verifies the connection with PING.
func Dial(ctx context.Context, opts *redis.Options) (*Store, error) {
	cli := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(ctx).Err(); err != nil {
		_ = cli.Close()
		return nil, wrap(err)
	}
	return New(cli, ""), nil
}

// Close releases the underlying client.
func (s *Store) Close() error { return s.cli.Close() }

// Ping reports whether the server answers.
func (s *Store) Ping(ctx context.Context) error { return wrap(s.cli.Ping(ctx).Err()) }

func (s *Store) key(id domain.SecretID) string {
	return fmt.Sprintf(keyTemplate, s.prefix, id.String())
}

// Insert creates the hash only if the key is absent.
func (s *Store) Insert(ctx context.Context, rec domain.Secret) error {
	n, err := insertScript.Run(ctx, s.cli, []string{s.key(rec.ID)},
		rec.Content, strconv.FormatInt(rec.CreatedAt.UnixNano(), 10)).Int()
	if err != nil {
		return wrap(err)
	}
	if n == 0 {
		return domain.ErrDuplicateID
	}
	return nil
}

// Consume flips consumed from 0 to 1 and returns the record.
func (s *Store) Consume(ctx context.Context, id domain.SecretID) (domain.Secret, error) {
	vals, err := consumeScript.Run(ctx, s.cli, []string{s.key(id)}).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Secret{}, domain.ErrUnavailable
		}
		return domain.Secret{}, wrap(err)
	}
	if len(vals) != 2 {
		return domain.Secret{}, fmt.Errorf("consume: unexpected reply length %d", len(vals))
	}
	content, _ := vals[0].(string)
	raw, _ := vals[1].(string)
	created, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return domain.Secret{}, fmt.Errorf("invalid created_at: %w", err)
	}
	return domain.Secret{ID: id, Content: content, Consumed: true, CreatedAt: time.Unix(0, created).UTC()}, nil
}

// Peek reads the consumed field.
func (s *Store) Peek(ctx context.Context, id domain.SecretID) (bool, bool, error) {
	v, err := s.cli.HGet(ctx, s.key(id), "consumed").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, false, nil
		}
		return false, false, wrap(err)
	}
	return true, v == "1", nil
}

// MarkConsumed sets consumed=1 on an existing hash.
func (s *Store) MarkConsumed(ctx context.Context, id domain.SecretID) error {
	n, err := markScript.Run(ctx, s.cli, []string{s.key(id)}).Int()
	if err != nil {
		return wrap(err)
	}
	if n == 0 {
		return domain.ErrUnavailable
	}
	return nil
}

// wrap tags connection-level failures with domain.ErrStoreUnreachable so
// callers can fall back; command errors pass through unchanged. A locally
// closed client never sent anything.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnreachable, err)
	}
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, io.EOF) || errors.Is(err, context.DeadlineExceeded) {
		return store.Unreachable(err)
	}
	return err
}
