// Package store defines the persistence interface for the remote
// access core: the credential store consulted during session
// authentication plus the session audit trail. Implementations must
// be safe for concurrent use.
package store

import (
	"context"
	"time"
)

// Store is the persistence interface. The SQLite implementation is
// the default; the interface exists so servers can swap backends
// without touching session logic.
type Store interface {
	// Users (the credential store consulted by auth).
	CreateUser(ctx context.Context, username, credential string) error
	Verify(ctx context.Context, username, credential string) (bool, error)
	DeleteUser(ctx context.Context, username string) error
	ListUsers(ctx context.Context) ([]*UserRecord, error)

	// Session audit trail.
	RecordSessionOpen(ctx context.Context, rec *SessionRecord) error
	RecordSessionClose(ctx context.Context, id string, closedAt time.Time) error
	ListSessions(ctx context.Context, limit int) ([]*SessionRecord, error)

	// Close releases database resources.
	Close() error
}

// UserRecord is a provisioned remote-access user. Credentials are
// stored hashed; the plaintext never persists.
type UserRecord struct {
	Username  string    `json:"username"`
	CredHash  string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	LastLogin time.Time `json:"last_login,omitempty"`
}

// SessionRecord is one row of the audit trail: a remote-control
// connection from accept to teardown.
type SessionRecord struct {
	ID         string     `json:"id"`
	Username   string     `json:"username"`
	RemoteAddr string     `json:"remote_addr"`
	OpenedAt   time.Time  `json:"opened_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
}
