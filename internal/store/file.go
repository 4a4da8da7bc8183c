package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/and161185/proupgrade/internal/crypto/sealer"
	"github.com/and161185/proupgrade/internal/model"
)

const (
	sessionFile = "session.enc"
	keyFile     = "session.key"
)

var sessionAAD = []byte("proupgrade.session.v1")

// File is a Store sealed on disk under a config directory.
type File struct {
	dir string
	key []byte

	mu sync.Mutex
}

var _ Store = (*File)(nil)

// OpenFile opens (creating if needed) the session store in dir.
func OpenFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("store dir: %w", err)
	}
	master, err := sealer.LoadOrCreateKey(filepath.Join(dir, keyFile))
	if err != nil {
		return nil, fmt.Errorf("store key: %w", err)
	}
	key, err := sealer.DeriveKey(master, sessionAAD)
	if err != nil {
		return nil, err
	}
	return &File{dir: dir, key: key}, nil
}

// Path returns the sealed session file location.
func (f *File) Path() string { return filepath.Join(f.dir, sessionFile) }

// Get loads the current session, or nil when none is stored.
func (f *File) Get() (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load()
}

// Set replaces the stored session; nil removes the file.
func (f *File) Set(s *model.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.save(s)
}

// Update applies fn to the stored session under the store lock.
func (f *File) Update(fn func(cur *model.Session) (*model.Session, error)) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, err := f.load()
	if err != nil {
		return nil, err
	}
	next, err := fn(cur.Clone())
	if errors.Is(err, ErrUnchanged) {
		return cur, nil
	}
	if err != nil {
		return nil, err
	}
	if err := f.save(next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

func (f *File) load() (*model.Session, error) {
	blob, err := os.ReadFile(f.Path())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	plain, err := sealer.Open(f.key, sessionAAD, blob)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	var s model.Session
	if err := json.Unmarshal(plain, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

func (f *File) save(s *model.Session) error {
	if s == nil {
		if err := os.Remove(f.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	if err := s.Validate(); err != nil {
		return err
	}
	plain, err := json.Marshal(s)
	if err != nil {
		return err
	}
	blob, err := sealer.Seal(f.key, sessionAAD, plain)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(f.dir, sessionFile+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(blob); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.Path())
}
