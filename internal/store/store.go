package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Store keeps every WatcherConfig in a single JSON file keyed by name.
// The file is read in full on each call and replaced atomically on each
// mutation; mu serializes the read-modify-write cycle.
type Store struct {
	path string
	mu   sync.Mutex

	keysMu sync.Mutex
	keys   map[string]*nameLock
}

type nameLock struct {
	mu   sync.Mutex
	refs int
}

// New returns a Store backed by path. The file does not need to exist.
func New(path string) *Store {
	return &Store{
		path: filepath.Clean(path),
		keys: make(map[string]*nameLock),
	}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Lock acquires the per-name lock and returns its release function.
// Callers hold it across a whole create/update/delete so two operations on the
// same watcher never interleave, while different names proceed in parallel.
func (s *Store) Lock(name string) func() {
	s.keysMu.Lock()
	l, ok := s.keys[name]
	if !ok {
		l = &nameLock{}
		s.keys[name] = l
	}
	l.refs++
	s.keysMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.keysMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.keys, name)
		}
		s.keysMu.Unlock()
	}
}

// Load reads the whole store. A missing file is an empty store.
func (s *Store) Load() (map[string]WatcherConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Save replaces the whole store with m.
func (s *Store) Save(m map[string]WatcherConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(m)
}

func (s *Store) Get(name string) (WatcherConfig, error) {
	m, err := s.Load()
	if err != nil {
		return WatcherConfig{}, err
	}
	c, ok := m[name]
	if !ok {
		return WatcherConfig{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return c, nil
}

// List returns every config ordered by name.
func (s *Store) List() ([]WatcherConfig, error) {
	m, err := s.Load()
	if err != nil {
		return nil, err
	}
	out := make([]WatcherConfig, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Create inserts c and fails with ErrAlreadyExists when the name is taken.
func (s *Store) Create(c WatcherConfig) error {
	return s.mutate(func(m map[string]WatcherConfig) error {
		if _, ok := m[c.Name]; ok {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, c.Name)
		}
		m[c.Name] = c
		return nil
	})
}

// Put inserts or replaces c.
func (s *Store) Put(c WatcherConfig) error {
	if c.Name == "" {
		return errors.New("watcher name required")
	}
	return s.mutate(func(m map[string]WatcherConfig) error {
		m[c.Name] = c
		return nil
	})
}

func (s *Store) Delete(name string) error {
	return s.mutate(func(m map[string]WatcherConfig) error {
		if _, ok := m[name]; !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		delete(m, name)
		return nil
	})
}

func (s *Store) mutate(fn func(map[string]WatcherConfig) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(m); err != nil {
		return err
	}
	return s.save(m)
}

func (s *Store) load() (map[string]WatcherConfig, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return make(map[string]WatcherConfig), nil
		}
		return nil, fmt.Errorf("read store %s: %w", s.path, err)
	}
	m := make(map[string]WatcherConfig)
	if len(b) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode store %s: %w", s.path, err)
	}
	// keys are authoritative for names
	for k, c := range m {
		c.Name = k
		m[k] = c
	}
	return m, nil
}

func (s *Store) save(m map[string]WatcherConfig) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}
	b = append(b, '\n')
	if err := WriteFileAtomic(s.path, b, 0o600); err != nil {
		return fmt.Errorf("write store %s: %w", s.path, err)
	}
	return nil
}

// WriteFileAtomic writes data to a temp file next to path, syncs it and
// renames it over path so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
