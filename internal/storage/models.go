package storage

import "time"

// User mirrors the users table. Rows are provisioned by the roster import
// tooling; the core only reads them.
type User struct {
	ID         int64  `db:"id"`
	Handle     string `db:"handle"`
	SecretHash string `db:"secret_hash"`
	Display    string `db:"display"`
	Role       string `db:"role"`
	IsActive   bool   `db:"is_active"`
}

// Session mirrors the sessions table.
type Session struct {
	ID           int64     `db:"id"`
	UserID       int64     `db:"user_id"`
	Token        string    `db:"token"`
	IssuedAt     time.Time `db:"issued_at"`
	ExpiresAt    time.Time `db:"expires_at"`
	LastActivity time.Time `db:"last_activity"`
	IsActive     bool      `db:"is_active"`

	// Joined from users for sweep notifications.
	Handle string `db:"handle"`
}

// AuditEvent is one append-only audit record. The analytics collaborator
// consumes these; the core only produces them.
type AuditEvent struct {
	ID        string         `db:"id"`
	ActorID   int64          `db:"actor_id"`
	Action    string         `db:"action"`
	Target    string         `db:"target"`
	Details   map[string]any `db:"details"`
	IPAddress string         `db:"ip_address"`
	CreatedAt time.Time      `db:"created_at"`
}

// Audit action types.
const (
	ActionLogin       = "login"
	ActionLoginFailed = "login_failed"
	ActionLogout      = "logout"
	ActionRun         = "run"
	ActionReplStart   = "repl_start"
	ActionStop        = "stop"
	ActionFileRead    = "file_read"
	ActionFileWrite   = "file_write"
	ActionFileCreate  = "file_create"
	ActionFileDelete  = "file_delete"
	ActionFileRename  = "file_rename"
	ActionPathDenied  = "path_denied"
	ActionTerminated  = "terminated"
)
