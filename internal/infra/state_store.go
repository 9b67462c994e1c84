package infra

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/eliteGoblin/focusd/steamwatch/internal/domain"
)

const stateFileName = "state.json"

// FileStateStore implements domain.StateStore with a JSON file.
// Writes are atomic (temp file + rename) and serialized across processes
// with an flock on a sibling lock file, so the CLI can read while the
// service writes.
type FileStateStore struct {
	path string
}

// NewFileStateStore creates a store at <dataDir>/state.json.
func NewFileStateStore(dataDir string) *FileStateStore {
	return &FileStateStore{path: filepath.Join(dataDir, stateFileName)}
}

// NewFileStateStoreWithPath creates a store at a specific path (for testing).
func NewFileStateStoreWithPath(path string) *FileStateStore {
	return &FileStateStore{path: path}
}

// Path returns the state file path.
func (s *FileStateStore) Path() string {
	return s.path
}

// Load reads the stored state. It returns (nil, nil) when no state was saved yet.
func (s *FileStateStore) Load() (*domain.PluginState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var state domain.PluginState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, &domain.DecodeError{Path: s.path, Err: err}
	}
	state.Normalize()
	return &state, nil
}

// Save replaces the stored state.
func (s *FileStateStore) Save(state *domain.PluginState) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	lockFile, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	defer lockFile.Close()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() { _ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN) }()

	return s.atomicWrite(state)
}

// Clear removes the state file.
func (s *FileStateStore) Clear() error {
	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// atomicWrite writes state to file atomically (write + rename).
func (s *FileStateStore) atomicWrite(state *domain.PluginState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	// Unique per process so concurrent writers never share a temp file
	tmpPath := fmt.Sprintf("%s.%d.tmp", s.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// Ensure FileStateStore implements domain.StateStore.
var _ domain.StateStore = (*FileStateStore)(nil)
