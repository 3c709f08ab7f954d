// Package api exposes the IDE over one WebSocket endpoint plus health and
// metrics. Every client command and server event travels the socket as a
// small JSON envelope.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"classroom-ide/internal/config"
	"classroom-ide/internal/executor"
	"classroom-ide/internal/guard"
	"classroom-ide/internal/monitor"
	"classroom-ide/internal/session"
	"classroom-ide/internal/storage"
	"classroom-ide/internal/workspace"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The deployment fronts this with a reverse proxy that pins the
		// origin; the core accepts any.
		return true
	},
}

// Server is the HTTP server carrying the WebSocket endpoint.
type Server struct {
	httpServer *http.Server
	cfg        *config.Config

	sessions *session.Manager
	limiter  *session.RateLimiter
	registry *Registry
	guard    *guard.Guard
	files    *workspace.Service
	leases   *executor.LeaseManager
	metrics  *monitor.Metrics
	tracer   *monitor.Tracer
	auditLog *storage.AuditWriter
	db       *storage.DB

	pythonBin string
	limits    executor.Limits
	execSlots chan struct{}

	execCtx    context.Context
	execCancel context.CancelFunc
	startTime  time.Time
}

// NewServer wires the endpoint. db and auditLog may be nil when running
// without Postgres.
func NewServer(
	cfg *config.Config,
	sessions *session.Manager,
	g *guard.Guard,
	files *workspace.Service,
	leases *executor.LeaseManager,
	metrics *monitor.Metrics,
	tracer *monitor.Tracer,
	auditLog *storage.AuditWriter,
	db *storage.DB,
) *Server {
	execCtx, execCancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:       cfg,
		sessions:  sessions,
		limiter:   session.NewRateLimiter(),
		registry:  NewRegistry(),
		guard:     g,
		files:     files,
		leases:    leases,
		metrics:   metrics,
		tracer:    tracer,
		auditLog:  auditLog,
		db:        db,
		pythonBin: cfg.Execution.PythonBin,
		limits: executor.Limits{
			ScriptWallClock:  cfg.Execution.ScriptWallClock,
			ReplIdleTimeout:  cfg.Execution.ReplIdleTimeout,
			InputWaitTimeout: cfg.Execution.InputWaitTimeout,
			MemoryLimitMB:    cfg.Execution.MemoryLimitMB,
			FileSizeLimitMB:  cfg.Workspace.FileSizeLimitMB,
			MaxProcesses:     cfg.Execution.MaxProcesses,
			ReplCPUSeconds:   cfg.Execution.ReplCPUSeconds,
		},
		execSlots:  make(chan struct{}, cfg.Execution.MaxConcurrent),
		execCtx:    execCtx,
		execCancel: execCancel,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:        cfg.Address(),
		Handler:     mux,
		ReadTimeout: 0, // WebSocket connections are long-lived
		IdleTimeout: 120 * time.Second,
	}

	return s
}

// Start begins listening. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("starting server")
	return s.httpServer.ListenAndServe()
}

// Shutdown notifies every connected client, stops in-flight executions,
// and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down")
	s.registry.TerminateAll(ReasonServerShutdown)
	s.execCancel()
	return s.httpServer.Shutdown(ctx)
}

// RunSweepers drives the periodic session-idle sweep until ctx is
// cancelled. Channels of swept sessions get a termination notice.
func (s *Server) RunSweepers(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Session.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := s.sessions.SweepIdle(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("session sweep failed")
				continue
			}
			for _, sess := range expired {
				if ch, ok := s.registry.Get(sess.Handle); ok {
					ch.Terminate(ReasonInactivity)
					s.registry.Deregister(ch)
				}
				s.limiter.Forget(sess.Handle)
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.db == nil || s.db.Healthy(r.Context())

	status := http.StatusOK
	state := "ok"
	if !dbOK {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"status":         state,
		"connections":    s.registry.Count(),
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	remoteIP, _, _ := net.SplitHostPort(r.RemoteAddr)
	ch := newChannel(conn, remoteIP)
	defer ch.Close()

	conn.SetPongHandler(func(string) error {
		ch.lastPong.Store(time.Now().UnixNano())
		if ch.token != "" {
			s.sessions.RecordActivity(r.Context(), ch.token)
		}
		return nil
	})

	ch.Send(ServerEvent{Type: EventAuthRequired})

	if !s.authenticate(r.Context(), ch) {
		return
	}

	logger := log.With().
		Str("handle", ch.principal.Handle).
		Str("remote_ip", remoteIP).
		Logger()
	logger.Info().Msg("channel connected")

	if old := s.registry.Register(ch); old != nil {
		old.Terminate(ReasonLoggedInElsewhere)
	}
	s.metrics.ConnectedChannels.Inc()
	s.metrics.ActiveSessions.Set(float64(s.registry.Count()))

	stopKeepalive := make(chan struct{})
	go s.keepalive(ch, stopKeepalive)

	defer func() {
		close(stopKeepalive)
		s.registry.Deregister(ch)
		s.metrics.ConnectedChannels.Dec()
		s.metrics.ActiveSessions.Set(float64(s.registry.Count()))
		for _, ex := range ch.liveExecutions() {
			ex.Stop("channel disconnected")
		}
		logger.Info().Msg("channel closed")
	}()

	for {
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("read loop ended")
			}
			return
		}
		s.dispatch(r.Context(), ch, cmd, logger)
	}
}

// authenticate runs the pre-auth phase of a fresh connection: only auth
// commands are accepted, with a short deadline and a bounded number of
// tries.
func (s *Server) authenticate(ctx context.Context, ch *Channel) bool {
	const maxAttempts = 5
	deadline := time.Now().Add(30 * time.Second)
	ch.conn.SetReadDeadline(deadline)
	defer ch.conn.SetReadDeadline(time.Time{})

	for attempt := 0; attempt < maxAttempts; attempt++ {
		var cmd Command
		if err := ch.conn.ReadJSON(&cmd); err != nil {
			return false
		}
		if cmd.Cmd != CmdAuth {
			ch.Send(errEvent(cmd.ID, KindNotAuthorized, "authenticate first"))
			continue
		}

		principal, err := s.login(ctx, ch, cmd)
		if err != nil {
			ch.Send(ServerEvent{Type: EventAuthError, ID: cmd.ID, Data: map[string]any{
				"message": authErrMessage(err),
			}})
			continue
		}

		ch.principal = principal
		ch.token = principal.Token
		ch.Send(ServerEvent{Type: EventAuthOK, ID: cmd.ID, Data: map[string]any{
			"handle":  principal.Handle,
			"display": principal.DisplayName,
			"role":    string(principal.Role),
			"token":   principal.Token,
		}})
		return true
	}
	return false
}

// login accepts either a session token or handle plus secret.
func (s *Server) login(ctx context.Context, ch *Channel, cmd Command) (*session.Principal, error) {
	if token := getString(cmd.Data, "token"); token != "" {
		return s.sessions.Validate(ctx, token)
	}

	handle := getString(cmd.Data, "handle")
	secret := getString(cmd.Data, "secret")
	principal, displaced, err := s.sessions.Authenticate(ctx, handle, secret)
	if err != nil {
		if s.auditLog != nil {
			s.auditLog.Log(&storage.AuditEvent{
				Action:    storage.ActionLoginFailed,
				Target:    handle,
				IPAddress: ch.remoteIP,
			})
		}
		return nil, err
	}

	// Sessions displaced at the store level may still have live channels.
	if len(displaced) > 0 {
		if old, ok := s.registry.Get(handle); ok {
			old.Terminate(ReasonLoggedInElsewhere)
		}
	}

	if s.auditLog != nil {
		s.auditLog.Log(&storage.AuditEvent{
			ActorID:   principal.UserID,
			Action:    storage.ActionLogin,
			Target:    handle,
			IPAddress: ch.remoteIP,
		})
	}
	return principal, nil
}

func authErrMessage(err error) string {
	switch {
	case errors.Is(err, session.ErrInvalidCredentials):
		return "invalid handle or secret"
	case errors.Is(err, session.ErrSessionExpired):
		return "session expired, log in again"
	case errors.Is(err, session.ErrSessionInvalid):
		return "invalid session token"
	default:
		return "authentication failed"
	}
}

// keepalive pings on the configured cadence and terminates channels whose
// client stopped answering.
func (s *Server) keepalive(ch *Channel, stop <-chan struct{}) {
	ping := time.NewTicker(s.cfg.Keepalive.PingInterval)
	check := time.NewTicker(s.cfg.Keepalive.CheckInterval)
	defer ping.Stop()
	defer check.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ping.C:
			if err := ch.ping(); err != nil {
				ch.Close()
				return
			}
		case <-check.C:
			last := time.Unix(0, ch.lastPong.Load())
			if time.Since(last) > s.cfg.Keepalive.PongTimeout {
				log.Info().Str("handle", ch.principal.Handle).Msg("keepalive timeout")
				ch.Terminate(ReasonInactivity)
				return
			}
		}
	}
}

func logSessionErr(err error) {
	if err != nil {
		log.Warn().Err(err).Msg("session operation failed")
	}
}
