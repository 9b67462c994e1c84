package infra

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/eliteGoblin/focusd/steamwatch/internal/domain"
)

const (
	stateKeyFile  = ".state.key"
	httpTokenFile = ".http.token"
	secretSize    = 32 // 256-bit
)

// ErrStateKeyLost is returned when the encrypted state database exists but
// its key file does not. A fresh key could never open that database.
var ErrStateKeyLost = errors.New("state database exists but its key file is missing")

// FileSecretStore keeps the secrets steamwatch generates for itself as
// base64 files in the data directory, readable only by the owner:
// the SQLCipher key of the state database and the bearer token of the
// local HTTP surface. Each is created on first use.
type FileSecretStore struct {
	dataDir string
}

// NewFileSecretStore creates a secret store rooted at dataDir.
func NewFileSecretStore(dataDir string) *FileSecretStore {
	return &FileSecretStore{dataDir: dataDir}
}

// StateKey returns the state database key. A key is generated only while no
// database exists yet; otherwise a missing key file is ErrStateKeyLost.
func (s *FileSecretStore) StateKey() ([]byte, error) {
	path := filepath.Join(s.dataDir, stateKeyFile)
	key, err := readSecret(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if _, statErr := os.Stat(filepath.Join(s.dataDir, stateDBName)); statErr == nil {
		return nil, ErrStateKeyLost
	}
	return generateSecret(path)
}

// HTTPToken returns the bearer token for the HTTP surface, hex encoded.
func (s *FileSecretStore) HTTPToken() (string, error) {
	path := filepath.Join(s.dataDir, httpTokenFile)
	token, err := readSecret(path)
	if errors.Is(err, os.ErrNotExist) {
		token, err = generateSecret(path)
	}
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(token), nil
}

// HTTPTokenPath is where the HTTP token is kept.
func (s *FileSecretStore) HTTPTokenPath() string {
	return filepath.Join(s.dataDir, httpTokenFile)
}

func readSecret(path string) ([]byte, error) {
	encoded, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret file: %w", err)
	}
	secret, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	if len(secret) != secretSize {
		return nil, fmt.Errorf("invalid %s size: got %d, want %d", filepath.Base(path), len(secret), secretSize)
	}
	return secret, nil
}

func generateSecret(path string) ([]byte, error) {
	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(secret)
	if err := os.WriteFile(path, []byte(encoded), 0600); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return secret, nil
}

// Ensure FileSecretStore implements domain.SecretStore.
var _ domain.SecretStore = (*FileSecretStore)(nil)
