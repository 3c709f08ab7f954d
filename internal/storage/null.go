package storage

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned for writes when no database is configured.
var ErrUnavailable = errors.New("storage unavailable")

// NullStore stands in when no database is configured. Every lookup misses
// and every session write reports the store as unavailable, so logins fail
// cleanly while the rest of the server stays up.
type NullStore struct{}

func (NullStore) UserByHandle(context.Context, string) (*User, error) {
	return nil, ErrNotFound
}

func (NullStore) CreateSession(context.Context, *Session) error {
	return ErrUnavailable
}

func (NullStore) SessionByToken(context.Context, string) (*Session, error) {
	return nil, ErrNotFound
}

func (NullStore) TouchSession(context.Context, string, time.Time) error {
	return nil
}

func (NullStore) InvalidateSession(context.Context, string) error {
	return nil
}

func (NullStore) InvalidateUserSessions(context.Context, int64, string) ([]string, error) {
	return nil, nil
}

func (NullStore) ExpireIdleSessions(context.Context, time.Time) ([]Session, error) {
	return nil, nil
}
