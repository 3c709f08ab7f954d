package session

// Role is the authorization level of an authenticated user.
type Role string

const (
	RoleStudent    Role = "student"
	RoleInstructor Role = "instructor"
)

// Principal is an authenticated identity bound to a channel. It is created
// on successful authentication and never mutated afterwards except through
// the session manager's activity refresh.
type Principal struct {
	UserID      int64
	Handle      string
	DisplayName string
	Role        Role
	Token       string
	// WorkspaceRoot is the absolute directory the principal's own files
	// live under (<data root>/Local/<handle> for students).
	WorkspaceRoot string
}
