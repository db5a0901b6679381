// Package filesystem provides a SecretStore that keeps one JSON file per
// secret under a root directory. File presence is record existence; the file
// body is {id, content, viewed, createdAt}.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/haukened/oncelink/internal/app"
	"github.com/haukened/oncelink/internal/domain"
	"github.com/haukened/oncelink/internal/store"
)

const (
	recordExt  = ".json"
	tempExt    = ".tmp"
	pendingExt = ".pending"
	// tempGrace keeps Reconcile away from temp files an in-flight write still owns.
	tempGrace  = time.Second
)

var _ app.SecretStore = (*Store)(nil)

// Store implements app.SecretStore on the local filesystem. Mutations of one
// record are serialized by an in-process per-id lock plus flock(2) on the
// record file, so several processes may share a root. Every rewrite goes
// through a temp file and rename, so readers never observe partial records.
type Store struct {
	root  string
	locks *store.KeyLocker
}

// New returns a filesystem-backed store rooted at dir. The directory
// must already exist with secure permissions (0700 recommended).
func New(root string) (*Store, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, errors.New("record root is not a directory")
	}
	return &Store{root: root, locks: store.NewKeyLocker()}, nil
}

// path constructs the full path to the record file for a given secret ID.
func (s *Store) path(id domain.SecretID) string {
	return filepath.Join(s.root, id.String()+recordExt)
}

// Insert writes the record to a temp file and hard-links it into place.
// link(2) fails when the target exists, which makes creation exclusive even
// across processes.
func (s *Store) Insert(_ context.Context, rec domain.Secret) error {
	if err := validateID(rec.ID); err != nil {
		return err
	}
	unlock := s.locks.Lock(rec.ID.String())
	defer unlock()

	rec.Consumed = false
	tmp, err := s.writeTemp(rec)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)
	if err := os.Link(tmp, s.path(rec.ID)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return domain.ErrDuplicateID
		}
		return err
	}
	return syncDir(s.root)
}

// Consume locks the record, verifies it is unconsumed, and rewrites it with
// viewed=true before returning the content.
func (s *Store) Consume(_ context.Context, id domain.SecretID) (domain.Secret, error) {
	if validateID(id) != nil {
		return domain.Secret{}, domain.ErrUnavailable
	}
	unlock := s.locks.Lock(id.String())
	defer unlock()

	f, rec, err := s.lockRecord(id)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.Secret{}, domain.ErrUnavailable
		}
		return domain.Secret{}, err
	}
	defer releaseRecord(f)
	if rec.Consumed {
		return domain.Secret{}, domain.ErrUnavailable
	}
	rec.Consumed = true
	if err := s.replace(rec); err != nil {
		return domain.Secret{}, err
	}
	return rec, nil
}

// Peek reads the record without locking; rename keeps reads consistent.
func (s *Store) Peek(_ context.Context, id domain.SecretID) (bool, bool, error) {
	if validateID(id) != nil {
		return false, false, nil
	}
	rec, err := s.read(s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, false, nil
		}
		return false, false, err
	}
	return true, rec.Consumed, nil
}

// MarkConsumed sets viewed=true, skipping the rewrite when already set.
func (s *Store) MarkConsumed(_ context.Context, id domain.SecretID) error {
	if validateID(id) != nil {
		return domain.ErrUnavailable
	}
	unlock := s.locks.Lock(id.String())
	defer unlock()

	f, rec, err := s.lockRecord(id)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.ErrUnavailable
		}
		return err
	}
	defer releaseRecord(f)
	if rec.Consumed {
		return nil
	}
	rec.Consumed = true
	return s.replace(rec)
}

// Unconsumed returns every unconsumed record, oldest first.
func (s *Store) Unconsumed(_ context.Context) ([]domain.Secret, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var out []domain.Secret
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != recordExt {
			continue
		}
		rec, err := s.read(filepath.Join(s.root, e.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		if !rec.Consumed {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Get returns the record without changing it.
func (s *Store) Get(_ context.Context, id domain.SecretID) (domain.Secret, error) {
	if validateID(id) != nil {
		return domain.Secret{}, domain.ErrUnavailable
	}
	rec, err := s.read(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return domain.Secret{}, domain.ErrUnavailable
	}
	return rec, err
}

// SetPending creates or removes the empty <id>.pending marker next to the
// record. The directory is synced so the change survives a crash.
func (s *Store) SetPending(_ context.Context, id domain.SecretID, pending bool) error {
	if err := validateID(id); err != nil {
		return err
	}
	p := filepath.Join(s.root, id.String()+pendingExt)
	if pending {
		f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY, 0o600) // #nosec G304 path built from a validated id
		if err != nil {
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	} else if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return syncDir(s.root)
}

// IsPending reports whether the pending marker for id exists.
func (s *Store) IsPending(_ context.Context, id domain.SecretID) (bool, error) {
	if validateID(id) != nil {
		return false, nil
	}
	_, err := os.Stat(filepath.Join(s.root, id.String()+pendingExt))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// Pending lists the ids that carry a pending marker, in name order.
func (s *Store) Pending(_ context.Context) ([]domain.SecretID, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var out []domain.SecretID
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != pendingExt {
			continue
		}
		out = append(out, domain.SecretID(strings.TrimSuffix(e.Name(), pendingExt)))
	}
	return out, nil
}

// Reconcile removes temp files abandoned by interrupted writes and returns
// how many were deleted. Files younger than tempGrace are left alone.
func (s *Store) Reconcile(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if e.IsDir() || filepath.Ext(e.Name()) != tempExt {
			continue
		}
		if info, err := e.Info(); err != nil || time.Since(info.ModTime()) < tempGrace {
			continue
		}
		if err := os.Remove(filepath.Join(s.root, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// lockRecord opens the record file and takes an exclusive flock on it. A
// concurrent rename may have replaced the file between open and lock, so the
// locked descriptor is compared with the current path and the sequence
// retried until both refer to the same inode.
func (s *Store) lockRecord(id domain.SecretID) (*os.File, domain.Secret, error) {
	p := s.path(id)
	for {
		f, err := os.OpenFile(p, os.O_RDWR, 0) // #nosec G304 path built from a validated id
		if err != nil {
			return nil, domain.Secret{}, err
		}
		if err := lockFile(f); err != nil {
			f.Close()
			return nil, domain.Secret{}, err
		}
		held, err := f.Stat()
		if err != nil {
			releaseRecord(f)
			return nil, domain.Secret{}, err
		}
		current, err := os.Stat(p)
		if err != nil {
			releaseRecord(f)
			return nil, domain.Secret{}, err
		}
		if !os.SameFile(held, current) {
			releaseRecord(f)
			continue
		}
		rec, err := decode(f)
		if err != nil {
			releaseRecord(f)
			return nil, domain.Secret{}, err
		}
		return f, rec, nil
	}
}

func releaseRecord(f *os.File) {
	_ = unlockFile(f)
	_ = f.Close()
}

// replace atomically swaps the record file for one holding rec.
func (s *Store) replace(rec domain.Secret) error {
	tmp, err := s.writeTemp(rec)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path(rec.ID)); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return syncDir(s.root)
}

// writeTemp serializes rec into a fsynced temp file inside root.
func (s *Store) writeTemp(rec domain.Secret) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp(s.root, rec.ID.String()+".*"+tempExt)
	if err != nil {
		return "", err
	}
	name := f.Name()
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		_ = os.Remove(name)
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(name)
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(name)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", err
	}
	return name, nil
}

func (s *Store) read(p string) (domain.Secret, error) {
	f, err := os.Open(p) // #nosec G304 path constructed internally
	if err != nil {
		return domain.Secret{}, err
	}
	defer f.Close()
	return decode(f)
}

func decode(r io.Reader) (domain.Secret, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return domain.Secret{}, err
	}
	var rec domain.Secret
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.Secret{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// validateID enforces that the record ID is a canonical 32-character lowercase
// hexadecimal secret ID. This both prevents path traversal (no separators,
// fixed length) and guarantees uniform filenames.
func validateID(id domain.SecretID) error {
	if !id.Valid() || strings.ContainsAny(id.String(), `/\.`) {
		return domain.ErrInvalidID
	}
	return nil
}
