// Package auth validates connecting users against a credential store
// and manages the opaque session tokens issued to them.
//
// Tokens are 32-character alphanumeric strings drawn from a CSPRNG.
// A token stops validating once its session has been idle longer than
// the inactivity timeout, and is never reused after revocation.
package auth

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultInactivityTimeout is how long a token stays valid without
// activity.
const DefaultInactivityTimeout = 300 * time.Second

const (
	tokenLength   = 32
	tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// CredentialStore is the external collaborator that knows whether a
// username/credential pair is valid.
type CredentialStore interface {
	Verify(ctx context.Context, username, credential string) (bool, error)
}

type tokenState struct {
	username string
	issuedAt time.Time
	lastSeen time.Time
}

// Manager authenticates users and tracks issued session tokens.
// Safe for concurrent use.
type Manager struct {
	store   CredentialStore
	timeout time.Duration
	log     zerolog.Logger

	mu     sync.Mutex
	tokens map[string]*tokenState

	// now is swapped in tests to simulate clock advancement.
	now func() time.Time
}

// NewManager builds a Manager over store with the default inactivity
// timeout.
func NewManager(store CredentialStore, log zerolog.Logger) *Manager {
	return &Manager{
		store:   store,
		timeout: DefaultInactivityTimeout,
		log:     log.With().Str("component", "auth").Logger(),
		tokens:  make(map[string]*tokenState),
		now:     time.Now,
	}
}

// SetInactivityTimeout overrides the idle expiry window.
func (m *Manager) SetInactivityTimeout(d time.Duration) { m.timeout = d }

// Authenticate checks a username/credential pair against the store.
// Store errors and mismatches both report as false; neither is fatal.
func (m *Manager) Authenticate(ctx context.Context, username, credential string) bool {
	ok, err := m.store.Verify(ctx, username, credential)
	if err != nil {
		m.log.Warn().Err(err).Str("user", username).Msg("credential store lookup failed")
		return false
	}
	if !ok {
		m.log.Warn().Str("user", username).Msg("authentication rejected")
		return false
	}
	m.log.Info().Str("user", username).Msg("authentication successful")
	return true
}

// CreateSession issues a fresh token bound to username.
func (m *Manager) CreateSession(username string) (string, error) {
	token, err := randomToken()
	if err != nil {
		return "", err
	}

	now := m.now()
	m.mu.Lock()
	m.tokens[token] = &tokenState{username: username, issuedAt: now, lastSeen: now}
	m.mu.Unlock()

	m.log.Info().Str("user", username).Msg("session token issued")
	return token, nil
}

// Validate reports whether token is known and not idle-expired.
// A successful validation counts as activity.
func (m *Manager) Validate(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.tokens[token]
	if !ok {
		return false
	}
	now := m.now()
	if now.Sub(st.lastSeen) > m.timeout {
		delete(m.tokens, token)
		m.log.Info().Str("user", st.username).Msg("session token expired")
		return false
	}
	st.lastSeen = now
	return true
}

// Touch records activity on token without validating it, keeping a
// busy session alive.
func (m *Manager) Touch(token string) {
	m.mu.Lock()
	if st, ok := m.tokens[token]; ok {
		st.lastSeen = m.now()
	}
	m.mu.Unlock()
}

// Revoke removes token. Returns false if it was not active.
func (m *Manager) Revoke(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.tokens[token]
	if !ok {
		return false
	}
	delete(m.tokens, token)
	m.log.Info().Str("user", st.username).Msg("session token revoked")
	return true
}

// Username returns the user a token is bound to, if any.
func (m *Manager) Username(token string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.tokens[token]
	if !ok {
		return "", false
	}
	return st.username, true
}

func randomToken() (string, error) {
	raw := make([]byte, tokenLength)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := make([]byte, tokenLength)
	for i, b := range raw {
		token[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(token), nil
}
