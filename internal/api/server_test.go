package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"classroom-ide/internal/config"
	"classroom-ide/internal/executor"
	"classroom-ide/internal/guard"
	"classroom-ide/internal/monitor"
	"classroom-ide/internal/session"
	"classroom-ide/internal/storage"
	"classroom-ide/internal/workspace"
)

type memStore struct {
	mu       sync.Mutex
	users    map[string]*storage.User
	sessions map[string]*storage.Session
	nextID   int64
}

func newMemStore() *memStore {
	return &memStore{users: map[string]*storage.User{}, sessions: map[string]*storage.Session{}}
}

func (s *memStore) addUser(handle, secret, role string) {
	hash, _ := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.users[handle] = &storage.User{
		ID:         s.nextID,
		Handle:     handle,
		SecretHash: string(hash),
		Display:    strings.ToUpper(handle[:1]) + handle[1:],
		Role:       role,
		IsActive:   true,
	}
}

func (s *memStore) UserByHandle(_ context.Context, handle string) (*storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[handle]
	if !ok || !u.IsActive {
		return nil, storage.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memStore) CreateSession(_ context.Context, sess *storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	sess.ID = s.nextID
	sess.IsActive = true
	cp := *sess
	for _, u := range s.users {
		if u.ID == sess.UserID {
			cp.Handle = u.Handle
		}
	}
	s.sessions[sess.Token] = &cp
	return nil
}

func (s *memStore) SessionByToken(_ context.Context, token string) (*storage.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok || !sess.IsActive {
		return nil, storage.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *memStore) TouchSession(_ context.Context, token string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[token]; ok {
		sess.LastActivity = at
	}
	return nil
}

func (s *memStore) InvalidateSession(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[token]; ok {
		sess.IsActive = false
	}
	return nil
}

func (s *memStore) InvalidateUserSessions(_ context.Context, userID int64, exceptToken string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var displaced []string
	for token, sess := range s.sessions {
		if sess.UserID == userID && sess.IsActive && token != exceptToken {
			sess.IsActive = false
			displaced = append(displaced, token)
		}
	}
	return displaced, nil
}

func (s *memStore) ExpireIdleSessions(_ context.Context, cutoff time.Time) ([]storage.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []storage.Session
	for _, sess := range s.sessions {
		if sess.IsActive && sess.LastActivity.Before(cutoff) {
			sess.IsActive = false
			expired = append(expired, *sess)
		}
	}
	return expired, nil
}

type testServer struct {
	http  *httptest.Server
	store *memStore
	srv   *Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	root := t.TempDir()
	for _, dir := range []string{
		filepath.Join(root, "Local", "ada"),
		filepath.Join(root, "Shared"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(root, "Local", "ada", "main.py"), []byte("print('hi')\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig()
	cfg.Workspace.DataRoot = root

	store := newMemStore()
	store.addUser("ada", "s3cret", "student")
	store.addUser("teach", "t0pclass", "instructor")

	sessions := session.NewManager(store, root, cfg.Session.IdleTimeout, cfg.Session.TokenTTL)
	g, err := guard.New(root)
	if err != nil {
		t.Fatal(err)
	}
	metrics := monitor.NewMetrics()
	leases := executor.NewLeaseManager(cfg.Execution.LeaseStaleAfter, cfg.Execution.LeaseSweepInterval, metrics)
	files := workspace.New(g, leases, cfg.Workspace.FileSizeLimitMB<<20, metrics)

	srv := NewServer(cfg, sessions, g, files, leases, metrics, monitor.NewTracer(), nil, nil)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)

	return &testServer{http: ts, store: store, srv: srv}
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) ServerEvent {
	t.Helper()
	var ev ServerEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("reading event: %v", err)
	}
	return ev
}

func authAs(t *testing.T, conn *websocket.Conn, handle, secret string) {
	t.Helper()
	if ev := readEvent(t, conn); ev.Type != EventAuthRequired {
		t.Fatalf("first event = %s, want auth_required", ev.Type)
	}
	conn.WriteJSON(Command{Cmd: CmdAuth, ID: "a1", Data: map[string]any{
		"handle": handle, "secret": secret,
	}})
	if ev := readEvent(t, conn); ev.Type != EventAuthOK {
		t.Fatalf("auth reply = %s (%v), want auth_ok", ev.Type, ev.Data)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.http.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.http.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestAuthBadCredentials(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	if ev := readEvent(t, conn); ev.Type != EventAuthRequired {
		t.Fatalf("first event = %s", ev.Type)
	}
	conn.WriteJSON(Command{Cmd: CmdAuth, ID: "a1", Data: map[string]any{
		"handle": "ada", "secret": "wrong",
	}})
	ev := readEvent(t, conn)
	if ev.Type != EventAuthError {
		t.Fatalf("reply = %s, want auth_err", ev.Type)
	}
}

func TestCommandBeforeAuthRejected(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	readEvent(t, conn) // auth_required
	conn.WriteJSON(Command{Cmd: CmdFileList, ID: "f1"})
	ev := readEvent(t, conn)
	if ev.Type != EventCmdError || ev.Data["kind"] != KindNotAuthorized {
		t.Fatalf("reply = %+v", ev)
	}
}

func TestAuthAndFileRoundtrip(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)
	authAs(t, conn, "ada", "s3cret")

	conn.WriteJSON(Command{Cmd: CmdFileWrite, ID: "w1", Data: map[string]any{
		"path": "Local/ada/notes.py", "content": "x = 1\n",
	}})
	if ev := readEvent(t, conn); ev.Type != EventOK || ev.ID != "w1" {
		t.Fatalf("write reply = %+v", ev)
	}

	conn.WriteJSON(Command{Cmd: CmdFileRead, ID: "r1", Data: map[string]any{
		"path": "Local/ada/notes.py",
	}})
	ev := readEvent(t, conn)
	if ev.Type != EventOK || ev.Data["content"] != "x = 1\n" {
		t.Fatalf("read reply = %+v", ev)
	}
}

func TestFileWriteDenied(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)
	authAs(t, conn, "ada", "s3cret")

	conn.WriteJSON(Command{Cmd: CmdFileWrite, ID: "w1", Data: map[string]any{
		"path": "Shared/handout.md", "content": "defaced",
	}})
	ev := readEvent(t, conn)
	if ev.Type != EventCmdError || ev.Data["kind"] != executor.KindPathDenied {
		t.Fatalf("reply = %+v", ev)
	}
}

func TestFileList(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)
	authAs(t, conn, "ada", "s3cret")

	conn.WriteJSON(Command{Cmd: CmdFileList, ID: "l1"})
	ev := readEvent(t, conn)
	if ev.Type != EventOK || ev.ID != "l1" {
		t.Fatalf("reply = %+v", ev)
	}
	if ev.Data["tree"] == nil {
		t.Fatal("tree payload missing")
	}
}

func TestSecondLoginDisplacesFirst(t *testing.T) {
	ts := newTestServer(t)

	first := ts.dial(t)
	authAs(t, first, "ada", "s3cret")

	second := ts.dial(t)
	authAs(t, second, "ada", "s3cret")

	// The first channel gets the termination notice, then closes.
	first.SetReadDeadline(time.Now().Add(5 * time.Second))
	ev := readEvent(t, first)
	if ev.Type != EventSessionTerminated || ev.Data["reason"] != ReasonLoggedInElsewhere {
		t.Fatalf("first channel got %+v", ev)
	}

	// The second channel still works.
	second.WriteJSON(Command{Cmd: CmdFileList, ID: "l1"})
	if ev := readEvent(t, second); ev.Type != EventOK {
		t.Fatalf("second channel reply = %+v", ev)
	}
}

func TestTokenAuth(t *testing.T) {
	ts := newTestServer(t)

	principal, _, err := ts.srv.sessions.Authenticate(context.Background(), "ada", "s3cret")
	if err != nil {
		t.Fatal(err)
	}

	conn := ts.dial(t)
	readEvent(t, conn) // auth_required
	conn.WriteJSON(Command{Cmd: CmdAuth, ID: "a1", Data: map[string]any{
		"token": principal.Token,
	}})
	ev := readEvent(t, conn)
	if ev.Type != EventAuthOK || ev.Data["handle"] != "ada" {
		t.Fatalf("reply = %+v", ev)
	}
}

func TestUnknownCommand(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)
	authAs(t, conn, "ada", "s3cret")

	conn.WriteJSON(Command{Cmd: "bogus", ID: "b1"})
	ev := readEvent(t, conn)
	if ev.Type != EventCmdError || ev.Data["kind"] != KindBadCommand {
		t.Fatalf("reply = %+v", ev)
	}
}

func TestPingPong(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)
	authAs(t, conn, "ada", "s3cret")

	conn.WriteJSON(Command{Cmd: CmdPing, ID: "p1", Data: map[string]any{"ts": 12345.0}})
	ev := readEvent(t, conn)
	if ev.Type != EventPong || ev.ID != "p1" || ev.Data["ts"] != 12345.0 {
		t.Fatalf("reply = %+v", ev)
	}
}

func TestReplStartUnavailableInterpreter(t *testing.T) {
	ts := newTestServer(t)
	ts.srv.pythonBin = "/nonexistent/python3"
	conn := ts.dial(t)
	authAs(t, conn, "ada", "s3cret")

	conn.WriteJSON(Command{Cmd: CmdReplStart, ID: "rs1"})

	// The session fails to spawn: an execution error event, then the
	// terminal complete, both correlated to the command id.
	sawError := false
	for {
		ev := readEvent(t, conn)
		if ev.ID != "rs1" {
			t.Fatalf("event for id %q: %+v", ev.ID, ev)
		}
		if ev.Type == executor.EventError {
			sawError = true
			continue
		}
		if ev.Type == executor.EventComplete {
			break
		}
	}
	if !sawError {
		t.Fatal("no error event before complete")
	}
}

func TestChannelExecutionRegistry(t *testing.T) {
	ch := newChannel(nil, "127.0.0.1")
	mk := func(id string) *executor.Executor {
		return executor.New(executor.Options{Handle: "ada", RequestID: id},
			executor.Limits{}, "python3", nil, nil, monitor.NewMetrics(), monitor.NewTracer())
	}

	ex1, ex2 := mk("r1"), mk("r2")
	if err := ch.addExecution("r1", ex1); err != nil {
		t.Fatalf("adding r1: %v", err)
	}
	if err := ch.addExecution("r2", ex2); err != nil {
		t.Fatalf("interleaved executions must share a channel: %v", err)
	}
	if err := ch.addExecution("r1", mk("r1")); err != executor.ErrAlreadyRuns {
		t.Fatalf("duplicate id err = %v, want ErrAlreadyRuns", err)
	}

	if got := ch.execution("r2"); got != ex2 {
		t.Fatal("lookup by request id returned the wrong execution")
	}
	if ch.soleExecution() != nil {
		t.Fatal("soleExecution must be ambiguous with two live executions")
	}

	ch.removeExecution("r1")
	if ch.soleExecution() != ex2 {
		t.Fatal("soleExecution should fall back to the single live execution")
	}
}

func TestStopWithoutExecution(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)
	authAs(t, conn, "ada", "s3cret")

	conn.WriteJSON(Command{Cmd: CmdStop, ID: "s1"})
	ev := readEvent(t, conn)
	if ev.Type != EventCmdError {
		t.Fatalf("reply = %+v", ev)
	}
}
