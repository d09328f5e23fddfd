package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "core.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUserVerify(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateUser(ctx, "alice", "s3cret"); err != nil {
		t.Fatal(err)
	}

	ok, err := s.Verify(ctx, "alice", "s3cret")
	if err != nil || !ok {
		t.Fatalf("Verify = %v, %v; want true", ok, err)
	}
	ok, err = s.Verify(ctx, "alice", "wrong")
	if err != nil || ok {
		t.Fatalf("wrong credential: Verify = %v, %v; want false", ok, err)
	}
	ok, err = s.Verify(ctx, "nobody", "s3cret")
	if err != nil || ok {
		t.Fatalf("unknown user: Verify = %v, %v; want false", ok, err)
	}
}

func TestDuplicateUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateUser(ctx, "alice", "a"); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateUser(ctx, "alice", "b"); err == nil {
		t.Fatal("duplicate username should fail")
	}
}

func TestVerifyUpdatesLastLogin(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateUser(ctx, "alice", "s3cret"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Verify(ctx, "alice", "s3cret"); err != nil {
		t.Fatal(err)
	}
	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0].LastLogin.IsZero() {
		t.Fatal("last_login should be set after a successful verify")
	}
}

func TestSessionAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	opened := time.Now().Add(-time.Minute)
	rec := &SessionRecord{ID: "sess-1", Username: "alice", RemoteAddr: "10.0.0.5:50211", OpenedAt: opened}
	if err := s.RecordSessionOpen(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordSessionClose(ctx, "sess-1", time.Now()); err != nil {
		t.Fatal(err)
	}

	sessions, err := s.ListSessions(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}
	got := sessions[0]
	if got.Username != "alice" || got.RemoteAddr != "10.0.0.5:50211" {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.ClosedAt == nil {
		t.Fatal("closed_at should be recorded")
	}
}
