package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"classroom-ide/internal/guard"
	"classroom-ide/internal/session"
)

type stopRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *stopRecorder) StopHolder(handle, path, reason string) {
	r.mu.Lock()
	r.calls = append(r.calls, handle+"|"+path+"|"+reason)
	r.mu.Unlock()
}

func setupWorkspace(t *testing.T) (string, *Service, *stopRecorder) {
	t.Helper()
	root := t.TempDir()
	for _, dir := range []string{
		filepath.Join(root, "Local", "ada"),
		filepath.Join(root, "Local", "bob"),
		filepath.Join(root, "Shared"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(root, "Local", "ada", "main.py"), []byte("print('hi')\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "Shared", "handout.md"), []byte("# Week 1\n"), 0644); err != nil {
		t.Fatal(err)
	}

	g, err := guard.New(root)
	if err != nil {
		t.Fatal(err)
	}
	rec := &stopRecorder{}
	return root, New(g, rec, 1024, nil), rec
}

func student(handle string) *session.Principal {
	return &session.Principal{UserID: 1, Handle: handle, Role: session.RoleStudent}
}

func instructor() *session.Principal {
	return &session.Principal{UserID: 99, Handle: "teach", Role: session.RoleInstructor}
}

func TestListTreeStudentProjection(t *testing.T) {
	_, svc, _ := setupWorkspace(t)

	tree, err := svc.ListTree(student("ada"))
	if err != nil {
		t.Fatalf("ListTree: %v", err)
	}

	var local *Node
	sawShared := false
	for _, child := range tree.Children {
		switch child.Name {
		case "Local":
			local = child
		case "Shared":
			sawShared = true
		}
	}
	if !sawShared {
		t.Fatal("shared folder missing from student tree")
	}
	if local == nil || len(local.Children) != 1 || local.Children[0].Name != "ada" {
		t.Fatalf("student should see only their own Local folder, got %+v", local)
	}
}

func TestListTreeInstructorSeesEveryone(t *testing.T) {
	_, svc, _ := setupWorkspace(t)

	tree, err := svc.ListTree(instructor())
	if err != nil {
		t.Fatalf("ListTree: %v", err)
	}
	for _, child := range tree.Children {
		if child.Name == "Local" {
			if len(child.Children) != 2 {
				t.Fatalf("instructor Local children = %d, want 2", len(child.Children))
			}
			return
		}
	}
	t.Fatal("Local folder missing")
}

func TestReadFile(t *testing.T) {
	_, svc, _ := setupWorkspace(t)

	fc, err := svc.Read(student("ada"), "Local/ada/main.py")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if fc.Content != "print('hi')\n" {
		t.Fatalf("content = %q", fc.Content)
	}
	if fc.Encoding != "utf-8" {
		t.Fatalf("encoding = %q", fc.Encoding)
	}
	if fc.Mime != "text/x-python" {
		t.Fatalf("mime = %q", fc.Mime)
	}
}

func TestReadSharedAllowedForStudent(t *testing.T) {
	_, svc, _ := setupWorkspace(t)

	if _, err := svc.Read(student("ada"), "Shared/handout.md"); err != nil {
		t.Fatalf("Read shared: %v", err)
	}
}

func TestReadOtherStudentAllowedButWriteDenied(t *testing.T) {
	_, svc, _ := setupWorkspace(t)

	if err := svc.Write(student("ada"), "Local/bob/stolen.py", "x"); !errors.Is(err, guard.ErrAccessDenied) {
		t.Fatalf("err = %v, want ErrAccessDenied", err)
	}
	if err := svc.Write(student("ada"), "Shared/handout.md", "defaced"); !errors.Is(err, guard.ErrAccessDenied) {
		t.Fatalf("err = %v, want ErrAccessDenied", err)
	}
}

func TestWriteStopsRunningExecution(t *testing.T) {
	root, svc, rec := setupWorkspace(t)

	if err := svc.Write(student("ada"), "Local/ada/main.py", "print('new')\n"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	data, _ := os.ReadFile(filepath.Join(root, "Local", "ada", "main.py"))
	if string(data) != "print('new')\n" {
		t.Fatalf("content = %q", data)
	}
	if len(rec.calls) != 1 || rec.calls[0] != "ada|Local/ada/main.py|file rewritten" {
		t.Fatalf("stopper calls = %v", rec.calls)
	}
}

func TestWriteTooLarge(t *testing.T) {
	_, svc, _ := setupWorkspace(t)

	big := make([]byte, 2048)
	err := svc.Write(student("ada"), "Local/ada/big.py", string(big))
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
}

func TestCreateFileAndExists(t *testing.T) {
	_, svc, _ := setupWorkspace(t)
	p := student("ada")

	if err := svc.CreateFile(p, "Local/ada/new.py"); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := svc.CreateFile(p, "Local/ada/new.py"); !errors.Is(err, ErrExists) {
		t.Fatalf("err = %v, want ErrExists", err)
	}
}

func TestCreateDirectory(t *testing.T) {
	_, svc, _ := setupWorkspace(t)

	if err := svc.CreateDirectory(student("ada"), "Local/ada/lib/helpers"); err != nil {
		t.Fatalf("CreateDirectory: %v", err)
	}
	if err := svc.CreateDirectory(student("ada"), "Local/ada/lib"); !errors.Is(err, ErrExists) {
		t.Fatalf("err = %v, want ErrExists", err)
	}
}

func TestDeleteMissing(t *testing.T) {
	_, svc, _ := setupWorkspace(t)

	if err := svc.Delete(student("ada"), "Local/ada/ghost.py"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRename(t *testing.T) {
	root, svc, rec := setupWorkspace(t)
	p := student("ada")

	if err := svc.Rename(p, "Local/ada/main.py", "Local/ada/renamed.py"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "Local", "ada", "renamed.py")); err != nil {
		t.Fatal("renamed file missing")
	}
	if len(rec.calls) != 1 || rec.calls[0] != "ada|Local/ada/main.py|file moved" {
		t.Fatalf("stopper calls = %v", rec.calls)
	}

	// Destination collision.
	if err := svc.CreateFile(p, "Local/ada/other.py"); err != nil {
		t.Fatal(err)
	}
	if err := svc.Rename(p, "Local/ada/renamed.py", "Local/ada/other.py"); !errors.Is(err, ErrExists) {
		t.Fatalf("err = %v, want ErrExists", err)
	}
}

func TestRenameOutOfBoundsDenied(t *testing.T) {
	_, svc, _ := setupWorkspace(t)

	err := svc.Rename(student("ada"), "Local/ada/main.py", "Local/bob/main.py")
	if !errors.Is(err, guard.ErrAccessDenied) {
		t.Fatalf("err = %v, want ErrAccessDenied", err)
	}
}

func TestReadBinaryBase64(t *testing.T) {
	root, svc, _ := setupWorkspace(t)

	raw := []byte{0x89, 0x50, 0x4e, 0x47, 0x00, 0xff, 0xfe}
	if err := os.WriteFile(filepath.Join(root, "Local", "ada", "img.bin"), raw, 0644); err != nil {
		t.Fatal(err)
	}

	fc, err := svc.Read(student("ada"), "Local/ada/img.bin")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if fc.Encoding != "base64" {
		t.Fatalf("encoding = %q", fc.Encoding)
	}
}
