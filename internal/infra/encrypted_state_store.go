package infra

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/focusd/steamwatch/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

const (
	stateDBName   = "state.db"
	schemaVersion = "1"
)

// EncryptedStateStore implements domain.StateStore on a SQLCipher encrypted
// SQLite database. The state is a single JSON row; the violation log is
// mirrored into its own table so it can be queried without decoding the blob.
type EncryptedStateStore struct {
	db     *sql.DB
	dbPath string
}

// NewEncryptedStateStore opens (or creates) the encrypted state database.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewEncryptedStateStore(dataDir string, key []byte) (*EncryptedStateStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, stateDBName)
	keyHex := hex.EncodeToString(key)

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}

	// A wrong key only surfaces on first use
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	store := &EncryptedStateStore{db: db, dbPath: dbPath}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return store, nil
}

// OpenEncryptedStateStore opens the store with the state key from secrets,
// creating the key together with a new database.
func OpenEncryptedStateStore(dataDir string, secrets domain.SecretStore) (*EncryptedStateStore, error) {
	key, err := secrets.StateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get state key: %w", err)
	}
	return NewEncryptedStateStore(dataDir, key)
}

func (s *EncryptedStateStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS plugin_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		data TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS violations (
		seq INTEGER PRIMARY KEY,
		agent_id TEXT NOT NULL,
		hostname TEXT NOT NULL,
		process_name TEXT NOT NULL,
		ts INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES ('schema_version', ?)`, schemaVersion)
	return err
}

// Load returns the stored state, or (nil, nil) when nothing was saved yet.
func (s *EncryptedStateStore) Load() (*domain.PluginState, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM plugin_state WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin state: %w", err)
	}

	var state domain.PluginState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, &domain.DecodeError{Path: s.dbPath, Err: err}
	}
	state.Normalize()
	return &state, nil
}

// Save replaces the stored state in one transaction.
func (s *EncryptedStateStore) Save(state *domain.PluginState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO plugin_state (id, data, updated_at) VALUES (1, ?, ?)`,
		string(data), time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to write plugin state: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM violations`); err != nil {
		return fmt.Errorf("failed to reset violations: %w", err)
	}
	for i, v := range state.Violations {
		if _, err := tx.Exec(`INSERT INTO violations (seq, agent_id, hostname, process_name, ts) VALUES (?, ?, ?, ?, ?)`,
			i, v.AgentID, v.Hostname, v.ProcessName, v.Timestamp.UnixMilli()); err != nil {
			return fmt.Errorf("failed to write violation: %w", err)
		}
	}

	return tx.Commit()
}

// RecentViolations reads up to limit violations, newest first, without
// decoding the state blob.
func (s *EncryptedStateStore) RecentViolations(limit int) ([]domain.Violation, error) {
	if limit <= 0 {
		limit = domain.MaxViolations
	}
	rows, err := s.db.Query(`SELECT agent_id, hostname, process_name, ts FROM violations ORDER BY seq LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Violation
	for rows.Next() {
		var v domain.Violation
		var ts int64
		if err := rows.Scan(&v.AgentID, &v.Hostname, &v.ProcessName, &ts); err != nil {
			return nil, err
		}
		v.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, v)
	}
	return out, rows.Err()
}

// Path returns the database file path.
func (s *EncryptedStateStore) Path() string {
	return s.dbPath
}

// Close releases the database connection.
func (s *EncryptedStateStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ensure EncryptedStateStore implements domain.StateStore.
var _ domain.StateStore = (*EncryptedStateStore)(nil)
