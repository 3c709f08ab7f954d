// Package workspace implements the file commands backing the editor pane:
// tree listing, read, write, create, delete, and rename, all funneled
// through the path guard.
package workspace

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"classroom-ide/internal/guard"
	"classroom-ide/internal/monitor"
	"classroom-ide/internal/session"
)

// Sentinel errors for typed error checking.
var (
	ErrNotFound    = errors.New("no such file or directory")
	ErrExists      = errors.New("path already exists")
	ErrTooLarge    = errors.New("file exceeds the size limit")
	ErrIsDirectory = errors.New("path is a directory")
)

// Node is one entry of the workspace tree. Paths are workspace-relative
// with forward slashes, the form every file command accepts.
type Node struct {
	Name     string  `json:"name"`
	Path     string  `json:"path"`
	Type     string  `json:"type"` // "file" or "directory"
	Size     int64   `json:"size,omitempty"`
	Children []*Node `json:"children,omitempty"`
}

// FileContent is the payload of a read. Binary files travel base64
// encoded; Encoding says which form Content is in.
type FileContent struct {
	Path     string `json:"path"`
	Mime     string `json:"mime"`
	Encoding string `json:"encoding"` // "utf-8" or "base64"
	Content  string `json:"content"`
	Size     int64  `json:"size"`
}

// Stopper terminates any execution holding the lease on a path. The
// service notifies it on writes so a running script never keeps serving
// stale source.
type Stopper interface {
	StopHolder(handle, path, reason string)
}

// Service executes file commands on behalf of a principal.
type Service struct {
	guard     *guard.Guard
	stopper   Stopper
	sizeLimit int64
	metrics   *monitor.Metrics
}

// New creates the service. stopper may be nil when no execution layer is
// wired (tests).
func New(g *guard.Guard, stopper Stopper, sizeLimitBytes int64, metrics *monitor.Metrics) *Service {
	return &Service{guard: g, stopper: stopper, sizeLimit: sizeLimitBytes, metrics: metrics}
}

func (s *Service) op(name string) {
	if s.metrics != nil {
		s.metrics.FileOpsTotal.WithLabelValues(name).Inc()
	}
}

// ListTree returns the workspace tree visible to the principal. Students
// see the shared folders read-only and, under Local, only their own
// directory; other students' folders do not appear at all.
func (s *Service) ListTree(p *session.Principal) (*Node, error) {
	s.op("list_tree")

	root := &Node{Name: "/", Path: "", Type: "directory"}
	entries, err := os.ReadDir(s.guard.Root())
	if err != nil {
		return nil, fmt.Errorf("listing workspace root: %w", err)
	}

	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if entry.Name() == "Local" && p.Role == session.RoleStudent {
			local := &Node{Name: "Local", Path: "Local", Type: "directory"}
			own := filepath.Join(s.guard.Root(), "Local", p.Handle)
			if child, err := s.walk(own, filepath.Join("Local", p.Handle)); err == nil {
				local.Children = append(local.Children, child)
			}
			root.Children = append(root.Children, local)
			continue
		}
		child, err := s.walk(filepath.Join(s.guard.Root(), entry.Name()), entry.Name())
		if err != nil {
			log.Warn().Err(err).Str("entry", entry.Name()).Msg("skipping unreadable tree entry")
			continue
		}
		root.Children = append(root.Children, child)
	}
	return root, nil
}

func (s *Service) walk(abs, rel string) (*Node, error) {
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}

	node := &Node{
		Name: filepath.Base(abs),
		Path: filepath.ToSlash(rel),
	}
	if !info.IsDir() {
		node.Type = "file"
		node.Size = info.Size()
		return node, nil
	}

	node.Type = "directory"
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		child, err := s.walk(filepath.Join(abs, entry.Name()), filepath.Join(rel, entry.Name()))
		if err != nil {
			continue
		}
		node.Children = append(node.Children, child)
	}
	sort.Slice(node.Children, func(i, j int) bool {
		// Directories first, then name order, the way editors list them.
		if node.Children[i].Type != node.Children[j].Type {
			return node.Children[i].Type == "directory"
		}
		return node.Children[i].Name < node.Children[j].Name
	})
	return node, nil
}

// Read returns the content of a file.
func (s *Service) Read(p *session.Principal, path string) (*FileContent, error) {
	s.op("read")
	abs, err := s.guard.Resolve(path, guard.ModeRead, p)
	if err != nil {
		return nil, s.denied(err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrIsDirectory, path)
	}
	if info.Size() > s.sizeLimit {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, path)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	fc := &FileContent{
		Path: filepath.ToSlash(path),
		Mime: detectMime(abs, data),
		Size: info.Size(),
	}
	if utf8.Valid(data) {
		fc.Encoding = "utf-8"
		fc.Content = string(data)
	} else {
		fc.Encoding = "base64"
		fc.Content = base64.StdEncoding.EncodeToString(data)
	}
	return fc, nil
}

// Write replaces the content of a file, creating it if absent. Any
// execution holding the lease on the path is stopped first so the next
// run picks up the new source.
func (s *Service) Write(p *session.Principal, path, content string) error {
	s.op("write")
	if int64(len(content)) > s.sizeLimit {
		return fmt.Errorf("%w: %s", ErrTooLarge, path)
	}
	abs, err := s.guard.Resolve(path, guard.ModeWrite, p)
	if err != nil {
		return s.denied(err)
	}
	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		return fmt.Errorf("%w: %s", ErrIsDirectory, path)
	}

	if s.stopper != nil {
		s.stopper.StopHolder(p.Handle, filepath.ToSlash(path), "file rewritten")
	}

	if err := os.WriteFile(abs, []byte(content), 0644); err != nil { // #nosec G306 -- workspace files are user documents
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// CreateFile creates an empty file. Creating over an existing path fails.
func (s *Service) CreateFile(p *session.Principal, path string) error {
	s.op("create_file")
	abs, err := s.guard.Resolve(path, guard.ModeCreate, p)
	if err != nil {
		return s.denied(err)
	}
	f, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644) // #nosec G302,G304
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", ErrExists, path)
		}
		return fmt.Errorf("creating %s: %w", path, err)
	}
	return f.Close()
}

// CreateDirectory creates a directory, including missing parents inside
// the allowed subtree.
func (s *Service) CreateDirectory(p *session.Principal, path string) error {
	s.op("create_directory")
	abs, err := s.guard.Resolve(path, guard.ModeCreate, p)
	if err != nil {
		return s.denied(err)
	}
	if _, err := os.Stat(abs); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, path)
	}
	if err := os.MkdirAll(abs, 0755); err != nil { // #nosec G301
		return fmt.Errorf("creating %s: %w", path, err)
	}
	return nil
}

// Delete removes a file or directory tree.
func (s *Service) Delete(p *session.Principal, path string) error {
	s.op("delete")
	abs, err := s.guard.Resolve(path, guard.ModeDelete, p)
	if err != nil {
		return s.denied(err)
	}
	if _, err := os.Stat(abs); err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	if s.stopper != nil {
		s.stopper.StopHolder(p.Handle, filepath.ToSlash(path), "file deleted")
	}

	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("deleting %s: %w", path, err)
	}
	return nil
}

// Rename moves a file or directory. Both ends are checked: the source
// must be mutable by the principal and the destination creatable.
func (s *Service) Rename(p *session.Principal, oldPath, newPath string) error {
	s.op("rename")
	absOld, err := s.guard.Resolve(oldPath, guard.ModeRename, p)
	if err != nil {
		return s.denied(err)
	}
	absNew, err := s.guard.Resolve(newPath, guard.ModeCreate, p)
	if err != nil {
		return s.denied(err)
	}
	if _, err := os.Stat(absOld); err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, oldPath)
	}
	if _, err := os.Stat(absNew); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, newPath)
	}

	if s.stopper != nil {
		s.stopper.StopHolder(p.Handle, filepath.ToSlash(oldPath), "file moved")
	}

	if err := os.Rename(absOld, absNew); err != nil {
		return fmt.Errorf("renaming %s: %w", oldPath, err)
	}
	return nil
}

func (s *Service) denied(err error) error {
	if errors.Is(err, guard.ErrAccessDenied) && s.metrics != nil {
		s.metrics.PathDenials.Inc()
	}
	return err
}

// detectMime prefers the extension and falls back to content sniffing.
func detectMime(path string, data []byte) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py":
		return "text/x-python"
	case ".md":
		return "text/markdown"
	case ".txt":
		return "text/plain"
	case ".json":
		return "application/json"
	case ".csv":
		return "text/csv"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	}
	return http.DetectContentType(data)
}
