package api

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"classroom-ide/internal/executor"
	"classroom-ide/internal/guard"
	"classroom-ide/internal/session"
	"classroom-ide/internal/storage"
)

func getString(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}

// dispatch routes one authenticated command. Every inbound command counts
// against the message window; run and the file commands additionally
// count against their own, tighter windows.
func (s *Server) dispatch(ctx context.Context, ch *Channel, cmd Command, logger zerolog.Logger) {
	handle := ch.principal.Handle

	if ok, wait := s.limiter.Allow(handle, session.ActionMessage); !ok {
		s.rateLimited(ch, cmd.ID, session.ActionMessage, wait)
		return
	}
	s.sessions.RecordActivity(ctx, ch.token)

	switch cmd.Cmd {
	case CmdPing:
		ch.Send(ServerEvent{Type: EventPong, ID: cmd.ID, Data: cmd.Data})
	case CmdRun:
		s.cmdRun(ctx, ch, cmd, logger)
	case CmdReplStart:
		s.cmdReplStart(ctx, ch, cmd, logger)
	case CmdStop, CmdReplStop:
		s.cmdStop(ctx, ch, cmd)
	case CmdInput:
		s.cmdInput(ch, cmd)
	case CmdFileList, CmdFileRead, CmdFileWrite, CmdFileNew, CmdFileMkdir, CmdFileDel, CmdFileMove, CmdFileMoveAlias:
		s.cmdFile(ctx, ch, cmd)
	case CmdLogout:
		s.cmdLogout(ctx, ch)
	case CmdAuth:
		ch.Send(errEvent(cmd.ID, KindBadCommand, "already authenticated"))
	default:
		ch.Send(errEvent(cmd.ID, KindBadCommand, "unknown command: "+cmd.Cmd))
	}
}

func (s *Server) rateLimited(ch *Channel, id string, action session.Action, wait time.Duration) {
	s.metrics.RateLimited.WithLabelValues(string(action)).Inc()
	ch.Send(ServerEvent{Type: EventCmdError, ID: id, Data: map[string]any{
		"kind":        KindRateLimited,
		"message":     fmt.Sprintf("too many %s requests, slow down", action),
		"retry_after": wait.Round(time.Second).Seconds(),
	}})
}

func (s *Server) cmdRun(ctx context.Context, ch *Channel, cmd Command, logger zerolog.Logger) {
	handle := ch.principal.Handle

	if ok, wait := s.limiter.Allow(handle, session.ActionExecution); !ok {
		s.rateLimited(ch, cmd.ID, session.ActionExecution, wait)
		return
	}

	path := getString(cmd.Data, "path")
	requestID := getString(cmd.Data, "request_id")
	if requestID == "" {
		requestID = cmd.ID
	}
	abs, err := s.guard.Resolve(path, guard.ModeRead, ch.principal)
	if err != nil {
		s.metrics.PathDenials.Inc()
		s.audit(ch, storage.ActionPathDenied, path, nil)
		ch.Send(errEvent(cmd.ID, executor.KindPathDenied, "path access denied"))
		return
	}

	leasePath := filepath.ToSlash(filepath.Clean(path))
	ex := executor.New(executor.Options{
		Handle:     handle,
		RequestID:  requestID,
		ScriptPath: abs,
		LeasePath:  leasePath,
		WorkDir:    filepath.Dir(abs),
		ReadRoot:   s.guard.Root(),
		WriteRoot:  s.writeRoot(ch.principal),
	}, s.limits, s.pythonBin, ch, s.leases, s.metrics, s.tracer)

	if err := ch.addExecution(requestID, ex); err != nil {
		ch.Send(errEvent(cmd.ID, executor.KindAlreadyRunning, "a run with this request id is still active"))
		return
	}

	select {
	case s.execSlots <- struct{}{}:
	default:
		ch.removeExecution(requestID)
		ch.Send(errEvent(cmd.ID, KindRateLimited, "server is at execution capacity, try again shortly"))
		return
	}

	if err := s.leases.Acquire(handle, leasePath, requestID, ex, time.Second); err != nil {
		<-s.execSlots
		ch.removeExecution(requestID)
		ch.Send(errEvent(cmd.ID, executor.KindLeaseHeld, "this script is already running"))
		return
	}

	s.audit(ch, storage.ActionRun, path, nil)
	logger.Info().Str("path", path).Str("request_id", requestID).Msg("run")
	go func() {
		defer func() { <-s.execSlots }()
		ex.Run(s.execCtx)
		ch.removeExecution(requestID)
	}()
}

// cmdReplStart opens a bare interactive interpreter with no script phase
// and no lease: nothing binds it to a workspace file.
func (s *Server) cmdReplStart(ctx context.Context, ch *Channel, cmd Command, logger zerolog.Logger) {
	handle := ch.principal.Handle

	if ok, wait := s.limiter.Allow(handle, session.ActionExecution); !ok {
		s.rateLimited(ch, cmd.ID, session.ActionExecution, wait)
		return
	}

	requestID := getString(cmd.Data, "request_id")
	if requestID == "" {
		requestID = cmd.ID
	}
	workDir := s.writeRoot(ch.principal)
	ex := executor.New(executor.Options{
		Handle:    handle,
		RequestID: requestID,
		WorkDir:   workDir,
		ReadRoot:  s.guard.Root(),
		WriteRoot: workDir,
	}, s.limits, s.pythonBin, ch, s.leases, s.metrics, s.tracer)

	if err := ch.addExecution(requestID, ex); err != nil {
		ch.Send(errEvent(cmd.ID, executor.KindAlreadyRunning, "a session with this request id is still active"))
		return
	}

	select {
	case s.execSlots <- struct{}{}:
	default:
		ch.removeExecution(requestID)
		ch.Send(errEvent(cmd.ID, KindRateLimited, "server is at execution capacity, try again shortly"))
		return
	}

	s.audit(ch, storage.ActionReplStart, "", nil)
	logger.Info().Str("request_id", requestID).Msg("interactive session start")
	go func() {
		defer func() { <-s.execSlots }()
		ex.Run(s.execCtx)
		ch.removeExecution(requestID)
	}()
}

func (s *Server) writeRoot(p *session.Principal) string {
	if p.Role == session.RoleInstructor {
		return s.guard.Root()
	}
	return s.guard.StudentWriteRoot(p.Handle)
}

// targetExecution resolves which execution a stop or input command means:
// the one named by data.request_id, or the channel's only live execution
// when the id is omitted.
func targetExecution(ch *Channel, cmd Command) *executor.Executor {
	if id := getString(cmd.Data, "request_id"); id != "" {
		return ch.execution(id)
	}
	return ch.soleExecution()
}

func (s *Server) cmdStop(ctx context.Context, ch *Channel, cmd Command) {
	ex := targetExecution(ch, cmd)
	if ex == nil || !ex.Alive() {
		ch.Send(errEvent(cmd.ID, executor.KindAlreadyRunning, "nothing is running"))
		return
	}
	s.audit(ch, storage.ActionStop, "", nil)
	// The executor answers with its terminal complete event; no ack here.
	ex.Stop("stopped by user")
}

func (s *Server) cmdInput(ch *Channel, cmd Command) {
	ex := targetExecution(ch, cmd)
	if ex == nil {
		ch.Send(errEvent(cmd.ID, KindBadCommand, "nothing is running"))
		return
	}
	switch err := ex.ProvideInput(getString(cmd.Data, "text")); {
	case errors.Is(err, executor.ErrNotRunning):
		ch.Send(errEvent(cmd.ID, KindBadCommand, "nothing is running"))
	case errors.Is(err, executor.ErrNotWaiting):
		ch.Send(errEvent(cmd.ID, KindBadCommand, "input queue is full"))
	}
}

func (s *Server) cmdFile(ctx context.Context, ch *Channel, cmd Command) {
	handle := ch.principal.Handle
	if ok, wait := s.limiter.Allow(handle, session.ActionFileOp); !ok {
		s.rateLimited(ch, cmd.ID, session.ActionFileOp, wait)
		return
	}

	p := ch.principal
	path := getString(cmd.Data, "path")

	switch cmd.Cmd {
	case CmdFileList:
		tree, err := s.files.ListTree(p)
		if err != nil {
			s.fileError(ch, cmd.ID, path, err)
			return
		}
		ch.Send(ServerEvent{Type: EventOK, ID: cmd.ID, Data: map[string]any{"tree": tree}})

	case CmdFileRead:
		fc, err := s.files.Read(p, path)
		if err != nil {
			s.fileError(ch, cmd.ID, path, err)
			return
		}
		s.audit(ch, storage.ActionFileRead, path, nil)
		ch.Send(ServerEvent{Type: EventOK, ID: cmd.ID, Data: map[string]any{
			"path":     fc.Path,
			"mime":     fc.Mime,
			"encoding": fc.Encoding,
			"content":  fc.Content,
			"size":     fc.Size,
		}})

	case CmdFileWrite:
		if err := s.files.Write(p, path, getString(cmd.Data, "content")); err != nil {
			s.fileError(ch, cmd.ID, path, err)
			return
		}
		s.audit(ch, storage.ActionFileWrite, path, nil)
		ch.Send(ServerEvent{Type: EventOK, ID: cmd.ID})

	case CmdFileNew:
		if err := s.files.CreateFile(p, path); err != nil {
			s.fileError(ch, cmd.ID, path, err)
			return
		}
		s.audit(ch, storage.ActionFileCreate, path, nil)
		ch.Send(ServerEvent{Type: EventOK, ID: cmd.ID})

	case CmdFileMkdir:
		if err := s.files.CreateDirectory(p, path); err != nil {
			s.fileError(ch, cmd.ID, path, err)
			return
		}
		s.audit(ch, storage.ActionFileCreate, path, nil)
		ch.Send(ServerEvent{Type: EventOK, ID: cmd.ID})

	case CmdFileDel:
		if err := s.files.Delete(p, path); err != nil {
			s.fileError(ch, cmd.ID, path, err)
			return
		}
		s.audit(ch, storage.ActionFileDelete, path, nil)
		ch.Send(ServerEvent{Type: EventOK, ID: cmd.ID})

	case CmdFileMove, CmdFileMoveAlias:
		newPath := getString(cmd.Data, "new_path")
		if err := s.files.Rename(p, path, newPath); err != nil {
			s.fileError(ch, cmd.ID, path, err)
			return
		}
		s.audit(ch, storage.ActionFileRename, path, map[string]any{"to": newPath})
		ch.Send(ServerEvent{Type: EventOK, ID: cmd.ID})
	}
}

// fileError maps a workspace failure to a client event. Denials carry no
// path detail beyond what the client sent.
func (s *Server) fileError(ch *Channel, id, path string, err error) {
	if errors.Is(err, guard.ErrAccessDenied) {
		s.audit(ch, storage.ActionPathDenied, path, nil)
		ch.Send(errEvent(id, executor.KindPathDenied, "path access denied"))
		return
	}
	ch.Send(errEvent(id, KindFileError, err.Error()))
}

func (s *Server) cmdLogout(ctx context.Context, ch *Channel) {
	if err := s.sessions.Logout(ctx, ch.token); err != nil {
		logSessionErr(err)
	}
	s.audit(ch, storage.ActionLogout, "", nil)
	ch.Terminate(ReasonLoggedOut)
}

// audit enqueues one audit record; a nil writer drops it.
func (s *Server) audit(ch *Channel, action, target string, details map[string]any) {
	if s.auditLog == nil {
		return
	}
	s.auditLog.Log(&storage.AuditEvent{
		ActorID:   ch.principal.UserID,
		Action:    action,
		Target:    target,
		Details:   details,
		IPAddress: ch.remoteIP,
	})
}
