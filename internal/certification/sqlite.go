package certification

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store defines the persistence operations the certification service needs.
type Store interface {
	Init() error
	Close() error
	SavePackage(pkg *Package) error
	GetPackage(reportID string) (*StoredPackage, error)
	GetPackageByFingerprint(fingerprint string) (*StoredPackage, error)
	ListPackages() ([]StoredPackage, error)
	GetUnanchored(limit int) ([]StoredPackage, error)
	SetAnchorRefs(fingerprint string, txRef string, block uint64) error
	GetConfigValue(key string) (string, error)
	SetConfigValue(key, value string) error
	GetCredential(key string) (string, error)
	SetCredential(key, value string) error
	GetAnchoringEnabled() (bool, error)
	SetAnchoringEnabled(enabled bool) error
}

// ErrPackageExists is returned when a second package is saved for the same
// report id. A report has at most one currently-valid certification.
var ErrPackageExists = errors.New("a certification package already exists for this report")

// ErrPackageNotFound is returned by lookups of unknown report ids or
// fingerprints.
var ErrPackageNotFound = errors.New("certification package not found")

type SqliteStore struct {
	db *sql.DB
}

func NewSqliteStore(db *sql.DB) (*SqliteStore, error) {
	store := &SqliteStore{db: db}
	if err := store.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize certification schema: %w", err)
	}
	return store, nil
}

// OpenDatabase opens the shared sqlite database file.
func OpenDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func (s *SqliteStore) Init() error {
	// Certification packages: one immutable row per passing report.
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS certifications (
			report_id TEXT PRIMARY KEY,
			fingerprint TEXT NOT NULL UNIQUE,
			package TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			anchored_at DATETIME
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create certifications table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS configuration (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create configuration table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS credentials (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create credentials table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS anchoring_status (
			id INTEGER PRIMARY KEY,
			is_enabled BOOLEAN NOT NULL DEFAULT 1,
			last_updated DATETIME NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create anchoring_status table: %w", err)
	}

	var count int
	err = s.db.QueryRow("SELECT COUNT(*) FROM anchoring_status").Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to check anchoring status: %w", err)
	}
	if count == 0 {
		_, err = s.db.Exec("INSERT INTO anchoring_status (id, is_enabled, last_updated) VALUES (1, 1, ?)", time.Now())
		if err != nil {
			return fmt.Errorf("failed to initialize anchoring status: %w", err)
		}
	}

	return nil
}

func (s *SqliteStore) Close() error {
	return s.db.Close()
}

// SavePackage persists an immutable package row. Saving a second package
// for the same report id fails with ErrPackageExists. Uniqueness is
// enforced by the database itself so concurrent saves cannot both win.
func (s *SqliteStore) SavePackage(pkg *Package) error {
	raw, err := json.Marshal(pkg)
	if err != nil {
		return fmt.Errorf("failed to encode package: %w", err)
	}
	_, err = s.db.Exec(
		"INSERT INTO certifications (report_id, fingerprint, package, created_at) VALUES (?, ?, ?, ?)",
		pkg.Certificate.AuditSummary.ReportID, pkg.Anchor.Fingerprint, string(raw), time.Now(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrPackageExists, pkg.Certificate.AuditSummary.ReportID)
		}
		return fmt.Errorf("failed to store certification package: %w", err)
	}
	return nil
}

func (s *SqliteStore) GetPackage(reportID string) (*StoredPackage, error) {
	row := s.db.QueryRow(
		"SELECT report_id, fingerprint, package, created_at, anchored_at FROM certifications WHERE report_id = ?",
		reportID,
	)
	return scanStoredPackage(row)
}

func (s *SqliteStore) GetPackageByFingerprint(fingerprint string) (*StoredPackage, error) {
	row := s.db.QueryRow(
		"SELECT report_id, fingerprint, package, created_at, anchored_at FROM certifications WHERE fingerprint = ?",
		fingerprint,
	)
	return scanStoredPackage(row)
}

func (s *SqliteStore) ListPackages() ([]StoredPackage, error) {
	rows, err := s.db.Query("SELECT report_id, fingerprint, package, created_at, anchored_at FROM certifications ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to query certifications: %w", err)
	}
	defer closeRows(rows)
	return scanStoredPackages(rows)
}

// GetUnanchored returns packages whose transaction reference is still null,
// for the reconciliation sweep.
func (s *SqliteStore) GetUnanchored(limit int) ([]StoredPackage, error) {
	rows, err := s.db.Query(
		"SELECT report_id, fingerprint, package, created_at, anchored_at FROM certifications WHERE anchored_at IS NULL ORDER BY created_at ASC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unanchored certifications: %w", err)
	}
	defer closeRows(rows)
	return scanStoredPackages(rows)
}

// SetAnchorRefs records the transaction/block references after a successful
// anchor. The stored package JSON is rewritten with the references filled
// in; the hashed material is untouched.
func (s *SqliteStore) SetAnchorRefs(fingerprint string, txRef string, block uint64) error {
	stored, err := s.GetPackageByFingerprint(fingerprint)
	if err != nil {
		return err
	}
	stored.Package.Anchor.TransactionReference = &txRef
	stored.Package.Anchor.BlockReference = &block
	raw, err := json.Marshal(stored.Package)
	if err != nil {
		return fmt.Errorf("failed to encode anchored package: %w", err)
	}
	_, err = s.db.Exec(
		"UPDATE certifications SET package = ?, anchored_at = ? WHERE fingerprint = ?",
		string(raw), time.Now(), fingerprint,
	)
	if err != nil {
		return fmt.Errorf("failed to record anchor references: %w", err)
	}
	return nil
}

func (s *SqliteStore) GetConfigValue(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM configuration WHERE key = ?", key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get config value for key %s: %w", key, err)
	}
	return value, nil
}

func (s *SqliteStore) SetConfigValue(key, value string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO configuration (key, value) VALUES (?, ?)", key, value)
	if err != nil {
		return fmt.Errorf("failed to set config value for key %s: %w", key, err)
	}
	return nil
}

func (s *SqliteStore) GetCredential(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM credentials WHERE key = ?", key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get credential for key %s: %w", key, err)
	}
	return value, nil
}

func (s *SqliteStore) SetCredential(key, value string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO credentials (key, value) VALUES (?, ?)", key, value)
	if err != nil {
		return fmt.Errorf("failed to set credential for key %s: %w", key, err)
	}
	return nil
}

func (s *SqliteStore) GetAnchoringEnabled() (bool, error) {
	var enabled bool
	err := s.db.QueryRow("SELECT is_enabled FROM anchoring_status WHERE id = 1").Scan(&enabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return true, nil
		}
		return false, fmt.Errorf("failed to get anchoring status: %w", err)
	}
	return enabled, nil
}

func (s *SqliteStore) SetAnchoringEnabled(enabled bool) error {
	_, err := s.db.Exec("UPDATE anchoring_status SET is_enabled = ?, last_updated = ? WHERE id = 1", enabled, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set anchoring status: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStoredPackage(row rowScanner) (*StoredPackage, error) {
	var stored StoredPackage
	var raw string
	err := row.Scan(&stored.ReportID, &stored.Fingerprint, &raw, &stored.CreatedAt, &stored.AnchoredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPackageNotFound
		}
		return nil, fmt.Errorf("failed to scan certification row: %w", err)
	}
	var pkg Package
	if err := json.Unmarshal([]byte(raw), &pkg); err != nil {
		return nil, fmt.Errorf("failed to decode stored package: %w", err)
	}
	stored.Package = &pkg
	return &stored, nil
}

func scanStoredPackages(rows *sql.Rows) ([]StoredPackage, error) {
	var out []StoredPackage
	for rows.Next() {
		stored, err := scanStoredPackage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *stored)
	}
	return out, rows.Err()
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		slog.Error("failed to close certification query", "err", err)
	}
}

var _ Store = (*SqliteStore)(nil)
