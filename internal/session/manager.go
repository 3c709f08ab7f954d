// Package session binds authenticated identities to channels: credential
// checks, single-session enforcement, idle expiry, and per-identity rate
// limiting. Persistent session state lives in Postgres; this package owns
// the policy around it.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"classroom-ide/internal/storage"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSessionExpired     = errors.New("session expired")
	ErrSessionInvalid     = errors.New("session invalid")
)

// Store is the persistent session state the manager drives. *storage.DB
// satisfies it; tests use an in-memory fake.
type Store interface {
	UserByHandle(ctx context.Context, handle string) (*storage.User, error)
	CreateSession(ctx context.Context, s *storage.Session) error
	SessionByToken(ctx context.Context, token string) (*storage.Session, error)
	TouchSession(ctx context.Context, token string, at time.Time) error
	InvalidateSession(ctx context.Context, token string) error
	InvalidateUserSessions(ctx context.Context, userID int64, exceptToken string) ([]string, error)
	ExpireIdleSessions(ctx context.Context, cutoff time.Time) ([]storage.Session, error)
}

// Manager implements authentication and session life cycle.
type Manager struct {
	store       Store
	dataRoot    string
	idleTimeout time.Duration
	tokenTTL    time.Duration

	now func() time.Time
}

// NewManager creates a session manager over the given store. dataRoot is
// used to derive each principal's workspace root.
func NewManager(store Store, dataRoot string, idleTimeout, tokenTTL time.Duration) *Manager {
	return &Manager{
		store:       store,
		dataRoot:    dataRoot,
		idleTimeout: idleTimeout,
		tokenTTL:    tokenTTL,
		now:         time.Now,
	}
}

// Authenticate verifies credentials and issues a fresh session. All other
// active sessions of the same user are invalidated; their tokens are
// returned so the endpoint can close channels bearing them.
func (m *Manager) Authenticate(ctx context.Context, handle, secret string) (*Principal, []string, error) {
	user, err := m.store.UserByHandle(ctx, handle)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, nil, fmt.Errorf("looking up user: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(user.SecretHash), []byte(secret)) != nil {
		return nil, nil, ErrInvalidCredentials
	}

	token, err := newToken()
	if err != nil {
		return nil, nil, fmt.Errorf("generating token: %w", err)
	}

	now := m.now()
	sess := &storage.Session{
		UserID:       user.ID,
		Token:        token,
		IssuedAt:     now,
		ExpiresAt:    now.Add(m.tokenTTL),
		LastActivity: now,
	}

	// Store first, then displace. The persistent store is the source of
	// truth; the in-memory channel registry follows it.
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, nil, fmt.Errorf("creating session: %w", err)
	}

	displaced, err := m.store.InvalidateUserSessions(ctx, user.ID, token)
	if err != nil {
		return nil, nil, fmt.Errorf("enforcing single session: %w", err)
	}

	log.Info().
		Str("handle", user.Handle).
		Str("role", user.Role).
		Int("displaced", len(displaced)).
		Msg("authenticated")

	return m.principalFor(user, token), displaced, nil
}

// Validate resolves a session token to a principal. Distinguishes expired
// from unknown/inactive tokens.
func (m *Manager) Validate(ctx context.Context, token string) (*Principal, error) {
	sess, err := m.store.SessionByToken(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrSessionInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("looking up session: %w", err)
	}

	now := m.now()
	if now.After(sess.ExpiresAt) || now.Sub(sess.LastActivity) > m.idleTimeout {
		if err := m.store.InvalidateSession(ctx, token); err != nil {
			log.Warn().Err(err).Msg("invalidating expired session")
		}
		return nil, ErrSessionExpired
	}

	user, err := m.store.UserByHandle(ctx, sess.Handle)
	if err != nil {
		return nil, fmt.Errorf("looking up session user: %w", err)
	}

	return m.principalFor(user, token), nil
}

// RecordActivity refreshes the session's last-activity timestamp. Any
// authenticated inbound message counts, keepalive pongs included.
func (m *Manager) RecordActivity(ctx context.Context, token string) {
	if err := m.store.TouchSession(ctx, token, m.now()); err != nil {
		log.Warn().Err(err).Msg("recording session activity")
	}
}

// Logout invalidates the session. Idempotent.
func (m *Manager) Logout(ctx context.Context, token string) error {
	return m.store.InvalidateSession(ctx, token)
}

// SweepIdle invalidates sessions idle past the timeout and returns them so
// the endpoint can close affected channels with a "session timeout" event.
func (m *Manager) SweepIdle(ctx context.Context) ([]storage.Session, error) {
	cutoff := m.now().Add(-m.idleTimeout)
	expired, err := m.store.ExpireIdleSessions(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("sweeping idle sessions: %w", err)
	}
	if len(expired) > 0 {
		log.Info().Int("count", len(expired)).Msg("expired idle sessions")
	}
	return expired, nil
}

func (m *Manager) principalFor(user *storage.User, token string) *Principal {
	root := m.dataRoot
	if Role(user.Role) == RoleStudent {
		root = filepath.Join(m.dataRoot, "Local", user.Handle)
	}
	return &Principal{
		UserID:        user.ID,
		Handle:        user.Handle,
		DisplayName:   user.Display,
		Role:          Role(user.Role),
		Token:         token,
		WorkspaceRoot: root,
	}
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
