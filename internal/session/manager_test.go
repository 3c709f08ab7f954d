package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"classroom-ide/internal/storage"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	users    map[string]*storage.User
	sessions map[string]*storage.Session
	nextID   int64
}

func newMemStore() *memStore {
	return &memStore{
		users:    map[string]*storage.User{},
		sessions: map[string]*storage.Session{},
	}
}

func (s *memStore) addUser(handle, secret, role string) {
	hash, _ := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	s.nextID++
	s.users[handle] = &storage.User{
		ID: s.nextID, Handle: handle, SecretHash: string(hash),
		Display: handle, Role: role, IsActive: true,
	}
}

func (s *memStore) UserByHandle(_ context.Context, handle string) (*storage.User, error) {
	u, ok := s.users[handle]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return u, nil
}

func (s *memStore) CreateSession(_ context.Context, sess *storage.Session) error {
	s.nextID++
	sess.ID = s.nextID
	sess.IsActive = true
	for _, u := range s.users {
		if u.ID == sess.UserID {
			sess.Handle = u.Handle
		}
	}
	cp := *sess
	s.sessions[sess.Token] = &cp
	return nil
}

func (s *memStore) SessionByToken(_ context.Context, token string) (*storage.Session, error) {
	sess, ok := s.sessions[token]
	if !ok || !sess.IsActive {
		return nil, storage.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *memStore) TouchSession(_ context.Context, token string, at time.Time) error {
	if sess, ok := s.sessions[token]; ok {
		sess.LastActivity = at
	}
	return nil
}

func (s *memStore) InvalidateSession(_ context.Context, token string) error {
	if sess, ok := s.sessions[token]; ok {
		sess.IsActive = false
	}
	return nil
}

func (s *memStore) InvalidateUserSessions(_ context.Context, userID int64, exceptToken string) ([]string, error) {
	var displaced []string
	for tok, sess := range s.sessions {
		if sess.UserID == userID && sess.IsActive && tok != exceptToken {
			sess.IsActive = false
			displaced = append(displaced, tok)
		}
	}
	return displaced, nil
}

func (s *memStore) ExpireIdleSessions(_ context.Context, cutoff time.Time) ([]storage.Session, error) {
	var expired []storage.Session
	for _, sess := range s.sessions {
		if sess.IsActive && sess.LastActivity.Before(cutoff) {
			sess.IsActive = false
			expired = append(expired, *sess)
		}
	}
	return expired, nil
}

func newTestManager(t *testing.T) (*Manager, *memStore, *time.Time) {
	t.Helper()
	store := newMemStore()
	store.addUser("alice", "hunter2", "student")
	store.addUser("prof", "chalk", "instructor")

	m := NewManager(store, "/srv/ide", 60*time.Minute, 12*time.Hour)
	now := time.Unix(9000, 0)
	m.now = func() time.Time { return now }
	return m, store, &now
}

func TestAuthenticate_Success(t *testing.T) {
	m, _, _ := newTestManager(t)

	p, displaced, err := m.Authenticate(context.Background(), "alice", "hunter2")
	if err != nil {
		t.Fatalf("Authenticate error: %v", err)
	}
	if p.Handle != "alice" || p.Role != RoleStudent {
		t.Errorf("principal = %+v", p)
	}
	if p.Token == "" {
		t.Error("empty session token")
	}
	if want := filepath.Join("/srv/ide", "Local", "alice"); p.WorkspaceRoot != want {
		t.Errorf("WorkspaceRoot = %q, want %q", p.WorkspaceRoot, want)
	}
	if len(displaced) != 0 {
		t.Errorf("displaced = %v, want none on first login", displaced)
	}
}

func TestAuthenticate_InstructorRoot(t *testing.T) {
	m, _, _ := newTestManager(t)

	p, _, err := m.Authenticate(context.Background(), "prof", "chalk")
	if err != nil {
		t.Fatalf("Authenticate error: %v", err)
	}
	if p.WorkspaceRoot != "/srv/ide" {
		t.Errorf("WorkspaceRoot = %q, want data root", p.WorkspaceRoot)
	}
}

func TestAuthenticate_BadCredentials(t *testing.T) {
	m, _, _ := newTestManager(t)

	tests := []struct {
		name, handle, secret string
	}{
		{"wrong secret", "alice", "wrong"},
		{"unknown handle", "mallory", "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := m.Authenticate(context.Background(), tt.handle, tt.secret); !errors.Is(err, ErrInvalidCredentials) {
				t.Errorf("err = %v, want ErrInvalidCredentials", err)
			}
		})
	}
}

func TestAuthenticate_SingleSession(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	p1, _, err := m.Authenticate(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	p2, displaced, err := m.Authenticate(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatal(err)
	}

	if len(displaced) != 1 || displaced[0] != p1.Token {
		t.Errorf("displaced = %v, want [%s]", displaced, p1.Token)
	}
	if _, err := m.Validate(ctx, p1.Token); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("old session Validate err = %v, want ErrSessionInvalid", err)
	}
	if _, err := m.Validate(ctx, p2.Token); err != nil {
		t.Errorf("new session Validate err = %v", err)
	}
}

func TestValidate_IdleExpiry(t *testing.T) {
	m, _, now := newTestManager(t)
	ctx := context.Background()

	p, _, err := m.Authenticate(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatal(err)
	}

	*now = now.Add(61 * time.Minute)
	if _, err := m.Validate(ctx, p.Token); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("Validate err = %v, want ErrSessionExpired", err)
	}
	// Expiry invalidates the row; a second attempt sees an invalid token.
	if _, err := m.Validate(ctx, p.Token); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("second Validate err = %v, want ErrSessionInvalid", err)
	}
}

func TestValidate_ActivityKeepsAlive(t *testing.T) {
	m, _, now := newTestManager(t)
	ctx := context.Background()

	p, _, err := m.Authenticate(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatal(err)
	}

	*now = now.Add(50 * time.Minute)
	m.RecordActivity(ctx, p.Token)
	*now = now.Add(50 * time.Minute)

	if _, err := m.Validate(ctx, p.Token); err != nil {
		t.Errorf("Validate err = %v, want active session", err)
	}
}

func TestSweepIdle(t *testing.T) {
	m, _, now := newTestManager(t)
	ctx := context.Background()

	pa, _, _ := m.Authenticate(ctx, "alice", "hunter2")
	*now = now.Add(59 * time.Minute)
	pb, _, _ := m.Authenticate(ctx, "prof", "chalk")
	*now = now.Add(2 * time.Minute)

	expired, err := m.SweepIdle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].Token != pa.Token {
		t.Errorf("expired = %+v, want alice's session only", expired)
	}
	if _, err := m.Validate(ctx, pb.Token); err != nil {
		t.Errorf("prof session Validate err = %v", err)
	}
}

func TestLogout(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	p, _, _ := m.Authenticate(ctx, "alice", "hunter2")
	if err := m.Logout(ctx, p.Token); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Validate(ctx, p.Token); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("Validate after logout err = %v, want ErrSessionInvalid", err)
	}
	// Idempotent.
	if err := m.Logout(ctx, p.Token); err != nil {
		t.Errorf("second Logout err = %v", err)
	}
}
