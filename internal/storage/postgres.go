package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// DB wraps a PostgreSQL connection pool over the users, sessions, and
// audit_events tables.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string, maxConns int, maxLifetime time.Duration) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = int32(maxConns)
	config.MinConns = 2
	config.MaxConnLifetime = maxLifetime
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// UserByHandle fetches an active user row.
func (db *DB) UserByHandle(ctx context.Context, handle string) (*User, error) {
	query := `
		SELECT id, handle, secret_hash, display, role, is_active
		FROM users WHERE handle = $1 AND is_active`

	var u User
	err := db.pool.QueryRow(ctx, query, handle).Scan(
		&u.ID, &u.Handle, &u.SecretHash, &u.Display, &u.Role, &u.IsActive,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user %s: %w", handle, err)
	}
	return &u, nil
}

// CreateSession inserts a new session row.
func (db *DB) CreateSession(ctx context.Context, s *Session) error {
	query := `
		INSERT INTO sessions (user_id, token, issued_at, expires_at, last_activity, is_active)
		VALUES ($1, $2, $3, $4, $5, true)
		RETURNING id`

	err := db.pool.QueryRow(ctx, query,
		s.UserID, s.Token, s.IssuedAt, s.ExpiresAt, s.LastActivity,
	).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// SessionByToken fetches an active, unexpired session with its user handle.
func (db *DB) SessionByToken(ctx context.Context, token string) (*Session, error) {
	query := `
		SELECT s.id, s.user_id, s.token, s.issued_at, s.expires_at, s.last_activity, s.is_active, u.handle
		FROM sessions s JOIN users u ON u.id = s.user_id
		WHERE s.token = $1 AND s.is_active`

	var s Session
	err := db.pool.QueryRow(ctx, query, token).Scan(
		&s.ID, &s.UserID, &s.Token, &s.IssuedAt, &s.ExpiresAt,
		&s.LastActivity, &s.IsActive, &s.Handle,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return &s, nil
}

// TouchSession refreshes the session's last-activity timestamp.
func (db *DB) TouchSession(ctx context.Context, token string, at time.Time) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE sessions SET last_activity = $2 WHERE token = $1 AND is_active`,
		token, at,
	)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return nil
}

// InvalidateSession deactivates one session. Idempotent.
func (db *DB) InvalidateSession(ctx context.Context, token string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE sessions SET is_active = false WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("invalidating session: %w", err)
	}
	return nil
}

// InvalidateUserSessions deactivates every active session of the user
// except the given token and returns the displaced tokens, so the endpoint
// can close any channels still bearing them.
func (db *DB) InvalidateUserSessions(ctx context.Context, userID int64, exceptToken string) ([]string, error) {
	rows, err := db.pool.Query(ctx, `
		UPDATE sessions SET is_active = false
		WHERE user_id = $1 AND is_active AND token <> $2
		RETURNING token`,
		userID, exceptToken,
	)
	if err != nil {
		return nil, fmt.Errorf("invalidating user sessions: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scanning displaced token: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// ExpireIdleSessions deactivates sessions idle since before cutoff and
// returns them (with handles) so the endpoint can close their channels.
func (db *DB) ExpireIdleSessions(ctx context.Context, cutoff time.Time) ([]Session, error) {
	rows, err := db.pool.Query(ctx, `
		UPDATE sessions s SET is_active = false
		FROM users u
		WHERE u.id = s.user_id AND s.is_active AND s.last_activity < $1
		RETURNING s.id, s.user_id, s.token, u.handle`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("expiring idle sessions: %w", err)
	}
	defer rows.Close()

	var expired []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.UserID, &s.Token, &s.Handle); err != nil {
			return nil, fmt.Errorf("scanning expired session: %w", err)
		}
		expired = append(expired, s)
	}
	return expired, rows.Err()
}

// InsertAuditEvent appends one audit record.
func (db *DB) InsertAuditEvent(ctx context.Context, ev *AuditEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	details, err := json.Marshal(ev.Details)
	if err != nil {
		return fmt.Errorf("encoding audit details: %w", err)
	}

	_, err = db.pool.Exec(ctx, `
		INSERT INTO audit_events (id, actor_id, action, target, details, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.ActorID, ev.Action, ev.Target, details, ev.IPAddress, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}
