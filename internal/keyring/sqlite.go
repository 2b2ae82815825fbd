package keyring

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// SqliteStore persists auditor keys. It shares the application database
// handle; Init creates its own table.
type SqliteStore struct {
	db *sql.DB
}

func NewSqliteStore(db *sql.DB) (*SqliteStore, error) {
	store := &SqliteStore{db: db}
	if err := store.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize auditor key schema: %w", err)
	}
	return store, nil
}

func (s *SqliteStore) Init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS auditor_keys (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			auditor_id TEXT NOT NULL,
			public_key_hex TEXT NOT NULL,
			key_fingerprint TEXT NOT NULL,
			algorithm TEXT NOT NULL,
			status TEXT NOT NULL,
			valid_from DATETIME NOT NULL,
			valid_until DATETIME,
			rotation_reason TEXT
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create auditor_keys table: %w", err)
	}
	_, err = s.db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS auditor_keys_active
		ON auditor_keys (auditor_id) WHERE status = 'active';
	`)
	if err != nil {
		return fmt.Errorf("failed to create auditor_keys index: %w", err)
	}
	return nil
}

func (s *SqliteStore) InsertKey(key Key) error {
	var validUntil any
	if key.ValidUntil != nil {
		validUntil = *key.ValidUntil
	}
	_, err := s.db.Exec(
		`INSERT INTO auditor_keys (auditor_id, public_key_hex, key_fingerprint, algorithm, status, valid_from, valid_until, rotation_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		key.AuditorID, key.PublicKeyHex, key.KeyFingerprint, key.Algorithm, string(key.Status), key.ValidFrom, validUntil, key.RotationReason,
	)
	if err != nil {
		return fmt.Errorf("failed to insert auditor key: %w", err)
	}
	return nil
}

func (s *SqliteStore) UpdateKey(key Key) error {
	var validUntil any
	if key.ValidUntil != nil {
		validUntil = *key.ValidUntil
	}
	_, err := s.db.Exec(
		`UPDATE auditor_keys SET status = ?, valid_until = ?, rotation_reason = ?
		 WHERE auditor_id = ? AND key_fingerprint = ?`,
		string(key.Status), validUntil, key.RotationReason, key.AuditorID, key.KeyFingerprint,
	)
	if err != nil {
		return fmt.Errorf("failed to update auditor key: %w", err)
	}
	return nil
}

func (s *SqliteStore) ActiveKey(auditorID string) (Key, error) {
	row := s.db.QueryRow(
		`SELECT auditor_id, public_key_hex, key_fingerprint, algorithm, status, valid_from, valid_until, rotation_reason
		 FROM auditor_keys WHERE auditor_id = ? AND status = 'active'`,
		auditorID,
	)
	return scanKey(row)
}

func (s *SqliteStore) KeysFor(auditorID string) ([]Key, error) {
	rows, err := s.db.Query(
		`SELECT auditor_id, public_key_hex, key_fingerprint, algorithm, status, valid_from, valid_until, rotation_reason
		 FROM auditor_keys WHERE auditor_id = ? ORDER BY valid_from DESC`,
		auditorID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query auditor keys: %w", err)
	}
	defer closeRows(rows)
	return scanKeys(rows)
}

func (s *SqliteStore) AllActiveKeys() ([]Key, error) {
	rows, err := s.db.Query(
		`SELECT auditor_id, public_key_hex, key_fingerprint, algorithm, status, valid_from, valid_until, rotation_reason
		 FROM auditor_keys WHERE status = 'active'`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query active auditor keys: %w", err)
	}
	defer closeRows(rows)
	return scanKeys(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (Key, error) {
	var key Key
	var status string
	var validUntil sql.NullTime
	var reason sql.NullString
	err := row.Scan(&key.AuditorID, &key.PublicKeyHex, &key.KeyFingerprint, &key.Algorithm, &status, &key.ValidFrom, &validUntil, &reason)
	if err != nil {
		return Key{}, err
	}
	key.Status = KeyStatus(status)
	if validUntil.Valid {
		t := validUntil.Time
		key.ValidUntil = &t
	}
	key.RotationReason = reason.String
	return key, nil
}

func scanKeys(rows *sql.Rows) ([]Key, error) {
	var keys []Key
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan auditor key row: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		slog.Error("failed to close auditor key query", "err", err)
	}
}

var _ Store = (*SqliteStore)(nil)
