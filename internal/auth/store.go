package auth

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

// storeVersion is the on-disk schema version of the account file.
const storeVersion = 1

// persistedState is the exact shape written to disk.
type persistedState struct {
	Accounts []*Account `json:"accounts"`
	Version  int        `json:"version"`
}

// FileStore persists the account list as a single JSON document. Writes are
// serialised and atomic (write to a temp file, then rename over the target),
// and a write whose content equals the current file is skipped so external
// watchers do not see echo events.
type FileStore struct {
	mu      sync.Mutex
	path    string
	lastSum string
}

// NewFileStore creates a store backed by the given file path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

// Load reads the account list from disk. A missing file yields an empty
// list. Statuses are reconciled against the current clock so a restart never
// resurrects an expired cooldown.
func (s *FileStore) Load() ([]*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Account{}, nil
		}
		return nil, fmt.Errorf("account store: read failed: %w", err)
	}
	if len(data) == 0 {
		return []*Account{}, nil
	}

	var state persistedState
	if err = json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("account store: parse failed: %w", err)
	}
	if state.Version > storeVersion {
		return nil, fmt.Errorf("account store: unsupported version %d", state.Version)
	}

	now := time.Now()
	accounts := make([]*Account, 0, len(state.Accounts))
	for _, acct := range state.Accounts {
		if acct == nil || acct.ID == "" {
			continue
		}
		acct.Reconcile(now)
		accounts = append(accounts, acct)
	}
	s.lastSum = contentSum(data)
	return accounts, nil
}

// Save snapshots the account list to disk atomically.
func (s *FileStore) Save(accounts []*Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := persistedState{Accounts: accounts, Version: storeVersion}
	data, err := json.MarshalIndent(&state, "", "  ")
	if err != nil {
		return fmt.Errorf("account store: marshal failed: %w", err)
	}

	if existing, errRead := os.ReadFile(s.path); errRead == nil {
		if contentSum(existing) == contentSum(data) {
			s.lastSum = contentSum(data)
			return nil
		}
	}

	if err = os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("account store: create dir failed: %w", err)
	}
	tmp := s.path + ".tmp"
	if err = os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("account store: write temp failed: %w", err)
	}
	if err = os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("account store: rename failed: %w", err)
	}
	s.lastSum = contentSum(data)
	return nil
}

// LastWrittenSum returns the content hash of the last state this process
// read or wrote. The file watcher uses it to tell external edits apart from
// our own writes.
func (s *FileStore) LastWrittenSum() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSum
}

func contentSum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
