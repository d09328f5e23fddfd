package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// migrations is an ordered list of SQL statements applied on startup.
// Each entry is idempotent (IF NOT EXISTS) so re-running is safe.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		username   TEXT PRIMARY KEY,
		cred_hash  TEXT NOT NULL,
		created_at TEXT NOT NULL,
		last_login TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS session_audit (
		id          TEXT PRIMARY KEY,
		username    TEXT NOT NULL DEFAULT '',
		remote_addr TEXT NOT NULL DEFAULT '',
		opened_at   TEXT NOT NULL,
		closed_at   TEXT
	)`,
}

// SQLiteStore implements Store using a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at path and runs
// migrations. Pass ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_journal=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite handles one writer at a time.

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// hashCredential is the lookup key for stored credentials.
func hashCredential(credential string) string {
	h := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(h[:])
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, username, credential string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, cred_hash, created_at) VALUES (?, ?, ?)`,
		username, hashCredential(credential), time.Now().UTC().Format(time.RFC3339))
	return err
}

func (s *SQLiteStore) Verify(ctx context.Context, username, credential string) (bool, error) {
	var stored string
	err := s.db.QueryRowContext(ctx,
		`SELECT cred_hash FROM users WHERE username = ?`, username).Scan(&stored)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if stored != hashCredential(credential) {
		return false, nil
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE users SET last_login = ? WHERE username = ?`,
		time.Now().UTC().Format(time.RFC3339), username)
	return true, err
}

func (s *SQLiteStore) DeleteUser(ctx context.Context, username string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE username = ?`, username)
	return err
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]*UserRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT username, cred_hash, created_at, last_login FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var users []*UserRecord
	for rows.Next() {
		var u UserRecord
		var createdAt string
		var lastLogin sql.NullString
		if err := rows.Scan(&u.Username, &u.CredHash, &createdAt, &lastLogin); err != nil {
			return nil, err
		}
		u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		if lastLogin.Valid {
			u.LastLogin, _ = time.Parse(time.RFC3339, lastLogin.String)
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

// --- Session audit ---

func (s *SQLiteStore) RecordSessionOpen(ctx context.Context, rec *SessionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_audit (id, username, remote_addr, opened_at) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.Username, rec.RemoteAddr, rec.OpenedAt.UTC().Format(time.RFC3339))
	return err
}

func (s *SQLiteStore) RecordSessionClose(ctx context.Context, id string, closedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE session_audit SET closed_at = ? WHERE id = ?`,
		closedAt.UTC().Format(time.RFC3339), id)
	return err
}

func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, remote_addr, opened_at, closed_at
		 FROM session_audit ORDER BY opened_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var sessions []*SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var openedAt string
		var closedAt sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Username, &rec.RemoteAddr, &openedAt, &closedAt); err != nil {
			return nil, err
		}
		rec.OpenedAt, _ = time.Parse(time.RFC3339, openedAt)
		if closedAt.Valid {
			t, _ := time.Parse(time.RFC3339, closedAt.String)
			rec.ClosedAt = &t
		}
		sessions = append(sessions, &rec)
	}
	return sessions, rows.Err()
}
