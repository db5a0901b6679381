// Package sqlite provides a SQLite-backed SecretStore. Each secret is one row;
// consumption is a single conditional UPDATE so the flag flips at most once.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/haukened/oncelink/internal/app"
	"github.com/haukened/oncelink/internal/domain"

	// database/sql SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

var _ app.SecretStore = (*Store)(nil)

// Store implements app.SecretStore using SQLite (via database/sql). SQLite
// allows one writer at a time, so the pool is pinned to a single connection;
// this serializes writes across ids, which is acceptable at SQLite's scale.
type Store struct{ db *sql.DB }

// New constructs a Store, initializing the required schema if absent.
func New(db *sql.DB) (*Store, error) {
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	schema := `CREATE TABLE IF NOT EXISTS secrets (
id TEXT PRIMARY KEY,
content TEXT NOT NULL,
consumed INTEGER NOT NULL DEFAULT 0,
created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS pending_upstream (
id TEXT PRIMARY KEY
);`
	_, err := s.db.Exec(schema)
	return err
}

// Insert stores a new unconsumed row. An existing row (consumed or not)
// leaves the table untouched and yields ErrDuplicateID.
func (s *Store) Insert(ctx context.Context, rec domain.Secret) error {
	const q = `INSERT INTO secrets (id, content, consumed, created_at) VALUES (?,?,0,?) ON CONFLICT(id) DO NOTHING`
	res, err := s.db.ExecContext(ctx, q, rec.ID.String(), rec.Content, rec.CreatedAt.UnixNano())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrDuplicateID
	}
	return nil
}

// Consume flips consumed from 0 to 1 and returns the row in one statement.
func (s *Store) Consume(ctx context.Context, id domain.SecretID) (domain.Secret, error) {
	const q = `UPDATE secrets SET consumed=1 WHERE id=? AND consumed=0 RETURNING content, created_at`
	var (
		content     string
		createdNano int64
	)
	row := s.db.QueryRowContext(ctx, q, id.String())
	if err := row.Scan(&content, &createdNano); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Secret{}, domain.ErrUnavailable
		}
		return domain.Secret{}, err
	}
	return domain.Secret{ID: id, Content: content, Consumed: true, CreatedAt: time.Unix(0, createdNano).UTC()}, nil
}

// Peek reads the consumed flag without modifying the row.
func (s *Store) Peek(ctx context.Context, id domain.SecretID) (bool, bool, error) {
	const q = `SELECT consumed FROM secrets WHERE id=?`
	var consumed int
	if err := s.db.QueryRowContext(ctx, q, id.String()).Scan(&consumed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, false, nil
		}
		return false, false, err
	}
	return true, consumed == 1, nil
}

// MarkConsumed sets consumed=1. SQLite counts matched rows, so an already
// consumed row still reports one change.
func (s *Store) MarkConsumed(ctx context.Context, id domain.SecretID) error {
	const q = `UPDATE secrets SET consumed=1 WHERE id=?`
	res, err := s.db.ExecContext(ctx, q, id.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrUnavailable
	}
	return nil
}

// Unconsumed returns all unconsumed rows, oldest first.
func (s *Store) Unconsumed(ctx context.Context) ([]domain.Secret, error) {
	const q = `SELECT id, content, created_at FROM secrets WHERE consumed=0 ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Secret
	for rows.Next() {
		var (
			id, content string
			createdNano int64
		)
		if err = rows.Scan(&id, &content, &createdNano); err != nil {
			return nil, err
		}
		out = append(out, domain.Secret{ID: domain.SecretID(id), Content: content, CreatedAt: time.Unix(0, createdNano).UTC()})
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns the row without changing it.
func (s *Store) Get(ctx context.Context, id domain.SecretID) (domain.Secret, error) {
	const q = `SELECT content, consumed, created_at FROM secrets WHERE id=?`
	var (
		content     string
		consumed    int
		createdNano int64
	)
	if err := s.db.QueryRowContext(ctx, q, id.String()).Scan(&content, &consumed, &createdNano); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Secret{}, domain.ErrUnavailable
		}
		return domain.Secret{}, err
	}
	return domain.Secret{ID: id, Content: content, Consumed: consumed == 1, CreatedAt: time.Unix(0, createdNano).UTC()}, nil
}

// SetPending adds id to, or removes it from, the pending_upstream table.
func (s *Store) SetPending(ctx context.Context, id domain.SecretID, pending bool) error {
	q := `DELETE FROM pending_upstream WHERE id=?`
	if pending {
		q = `INSERT INTO pending_upstream (id) VALUES (?) ON CONFLICT(id) DO NOTHING`
	}
	_, err := s.db.ExecContext(ctx, q, id.String())
	return err
}

// IsPending reports whether id has a pending_upstream row.
func (s *Store) IsPending(ctx context.Context, id domain.SecretID) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM pending_upstream WHERE id=?`, id.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// Pending lists the pending_upstream ids in id order.
func (s *Store) Pending(ctx context.Context) ([]domain.SecretID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM pending_upstream ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.SecretID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, domain.SecretID(id))
	}
	return out, rows.Err()
}
