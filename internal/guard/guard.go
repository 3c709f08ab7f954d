// Package guard validates every filesystem path user code or file commands
// touch against the principal's role policy. All intercept sites funnel
// through one Resolve function; duplicating the rule per call site is how
// sandboxes grow bypasses.
package guard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"classroom-ide/internal/session"
)

// Mode is the kind of filesystem access being requested.
type Mode string

const (
	ModeRead   Mode = "read"
	ModeWrite  Mode = "write"
	ModeCreate Mode = "create"
	ModeDelete Mode = "delete"
	ModeRename Mode = "rename"
)

// ErrAccessDenied is returned for any path outside the principal's allowed
// set. The message never contains resolved absolute paths, only what the
// caller supplied.
var ErrAccessDenied = errors.New("path access denied")

// Guard resolves virtual or raw paths against a single data root.
type Guard struct {
	root string
}

// New creates a Guard over the given data root. The root must exist; it is
// resolved once so later symlink checks compare like with like.
func New(dataRoot string) (*Guard, error) {
	resolved, err := filepath.EvalSymlinks(dataRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving data root: %w", err)
	}
	return &Guard{root: resolved}, nil
}

// Root returns the resolved data root.
func (g *Guard) Root() string {
	return g.root
}

// StudentWriteRoot returns the only subtree a student may mutate.
func (g *Guard) StudentWriteRoot(handle string) string {
	return filepath.Join(g.root, "Local", handle)
}

// Resolve normalizes raw (virtual paths are taken relative to the data
// root) and checks it against the principal's policy for the given mode.
// It returns the absolute on-disk path, or ErrAccessDenied.
func (g *Guard) Resolve(raw string, mode Mode, p *session.Principal) (string, error) {
	if p == nil {
		return "", fmt.Errorf("%w: no principal", ErrAccessDenied)
	}
	if raw == "" {
		return "", fmt.Errorf("%w: empty path", ErrAccessDenied)
	}

	abs := raw
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(g.root, raw)
	}
	abs = filepath.Clean(abs)

	// Resolve symlinks through the deepest existing ancestor so a link
	// planted inside the workspace cannot point the tail outside it.
	resolved, err := resolveExisting(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrAccessDenied, raw)
	}

	if !within(resolved, g.root) {
		return "", fmt.Errorf("%w: %s", ErrAccessDenied, raw)
	}

	switch p.Role {
	case session.RoleInstructor:
		return resolved, nil
	case session.RoleStudent:
		if mode == ModeRead {
			return resolved, nil
		}
		if within(resolved, g.StudentWriteRoot(p.Handle)) {
			return resolved, nil
		}
		return "", fmt.Errorf("%w: %s", ErrAccessDenied, raw)
	default:
		return "", fmt.Errorf("%w: %s", ErrAccessDenied, raw)
	}
}

// resolveExisting evaluates symlinks on the longest existing prefix of abs
// and rejoins the non-existing tail. Create/rename targets usually do not
// exist yet, so EvalSymlinks on abs itself is not enough.
func resolveExisting(abs string) (string, error) {
	remainder := ""
	cur := abs
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(resolved, remainder), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		remainder = filepath.Join(filepath.Base(cur), remainder)
		cur = parent
	}
}

func within(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
