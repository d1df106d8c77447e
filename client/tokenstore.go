package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/folio/internal/pathutil"
)

// DefaultTokenFile is where FileTokenStore keeps the access token when no
// path is configured.
const DefaultTokenFile = "~/.folio/session.json"

// TokenStore persists the access token between process runs. Implementations
// must be safe for concurrent use.
type TokenStore interface {
	// Load returns the stored token or "" when none is stored.
	Load() (string, error)
	// Save replaces the stored token.
	Save(token string) error
	// Clear removes the stored token. Clearing an empty store is not an error.
	Clear() error
}

// TokenWatcher is implemented by stores that can report changes made by
// other processes.
type TokenWatcher interface {
	Watch() (TokenSubscription, error)
}

// TokenSubscription delivers a signal whenever the underlying store may have
// changed. Receivers reload the token with TokenStore.Load.
type TokenSubscription interface {
	Events() <-chan struct{}
	Close() error
}

// MemoryTokenStore keeps the token in memory only.
type MemoryTokenStore struct {
	mu    sync.Mutex
	token string
}

// Load implements TokenStore.
func (m *MemoryTokenStore) Load() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, nil
}

// Save implements TokenStore.
func (m *MemoryTokenStore) Save(token string) error {
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
	return nil
}

// Clear implements TokenStore.
func (m *MemoryTokenStore) Clear() error {
	return m.Save("")
}

// tokenFile is the on-disk layout. The key mirrors the browser storage key of
// the web client so both sides talk about the same credential.
type tokenFile struct {
	AccessToken string `json:"accessToken"`
}

// FileTokenStore keeps the token in a small JSON document readable only by
// the current user.
type FileTokenStore struct {
	path string
	mu   sync.Mutex
}

// NewFileTokenStore returns a store backed by path. "~" and environment
// variables are expanded; an empty path selects DefaultTokenFile.
func NewFileTokenStore(path string) (*FileTokenStore, error) {
	if path == "" {
		path = DefaultTokenFile
	}
	abs, err := pathutil.ExpandAbs(path)
	if err != nil {
		return nil, fmt.Errorf("folio: token file %q: %w", path, err)
	}
	return &FileTokenStore{path: abs}, nil
}

// Path returns the absolute path of the token file.
func (f *FileTokenStore) Path() string { return f.path }

// Load implements TokenStore.
func (f *FileTokenStore) Load() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("folio: read token file: %w", err)
	}
	if len(data) == 0 {
		return "", nil
	}
	var doc tokenFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("folio: decode token file %s: %w", f.path, err)
	}
	return doc.AccessToken, nil
}

// Save implements TokenStore. The file is replaced atomically.
func (f *FileTokenStore) Save(token string) error {
	if token == "" {
		return f.Clear()
	}
	data, err := json.Marshal(tokenFile{AccessToken: token})
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("folio: prepare token directory %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".session-*.json")
	if err != nil {
		return fmt.Errorf("folio: create token file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("folio: write token file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("folio: chmod token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("folio: close token file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("folio: replace token file: %w", err)
	}
	return nil
}

// Clear implements TokenStore.
func (f *FileTokenStore) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("folio: remove token file: %w", err)
	}
	return nil
}

// Watch reports changes to the token file. The parent directory is watched so
// atomic replacements and removals are observed too.
func (f *FileTokenStore) Watch() (TokenSubscription, error) {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("folio: prepare token directory %q: %w", dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("folio: create token watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("folio: watch token directory %q: %w", dir, err)
	}
	sub := &tokenFileSubscription{
		path:    f.path,
		watcher: watcher,
		events:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	go sub.run()
	return sub, nil
}

type tokenFileSubscription struct {
	path    string
	watcher *fsnotify.Watcher
	events  chan struct{}
	stop    chan struct{}
	once    sync.Once
}

func (s *tokenFileSubscription) Events() <-chan struct{} {
	return s.events
}

func (s *tokenFileSubscription) Close() error {
	s.once.Do(func() {
		close(s.stop)
		s.watcher.Close()
	})
	return nil
}

func (s *tokenFileSubscription) run() {
	defer close(s.events)
	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.signal()
		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.signal()
		}
	}
}

func (s *tokenFileSubscription) signal() {
	select {
	case s.events <- struct{}{}:
	default:
	}
}
