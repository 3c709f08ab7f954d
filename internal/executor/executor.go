// Package executor supervises per-user Python subprocesses: the script
// phase under a wall clock, the transition into an interactive session,
// input delivery, output limits, and the execution leases that keep one
// script from running twice concurrently.
package executor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"classroom-ide/internal/monitor"
)

// State of one execution. Transitions are linear except AwaitingInput,
// which bounces back to the phase it interrupted.
type State int32

const (
	StatePending State = iota
	StateScript
	StateAwaitingInput
	StateRepl
	StateDone
)

// Options identify one execution. Paths arrive already resolved by the
// caller's path guard; the executor never re-checks policy.
type Options struct {
	Handle    string
	RequestID string

	// ScriptPath is the absolute path of the script to run. Empty means a
	// direct interactive session with no script phase.
	ScriptPath string

	// LeasePath is the workspace-relative path used as the lease key.
	// Empty when no lease is held (direct interactive sessions).
	LeasePath string

	WorkDir   string
	ReadRoot  string
	WriteRoot string
}

// Limits bound one execution. Zero values are not defaulted here; the
// config layer owns defaults.
type Limits struct {
	ScriptWallClock  time.Duration
	ReplIdleTimeout  time.Duration
	InputWaitTimeout time.Duration
	MemoryLimitMB    int64
	FileSizeLimitMB  int64
	MaxProcesses     int64

	// ReplCPUSeconds caps CPU time in the interactive phase only. The
	// script phase is bounded by its wall clock instead.
	ReplCPUSeconds int64
}

type stopCause struct {
	kind    string // error kind for the client, empty for clean stops
	message string
}

// Executor runs one script-then-REPL lifecycle. Create with New, start
// with Run in its own goroutine, interact via ProvideInput and Stop.
type Executor struct {
	opts      Options
	limits    Limits
	pythonBin string

	sink    EventSink
	leases  *LeaseManager
	metrics *monitor.Metrics
	tracer  *monitor.Tracer

	state atomic.Int32
	input chan string

	stopOnce sync.Once
	stopCh   chan struct{}
	causeMu  sync.Mutex
	cause    stopCause

	hbOnce sync.Once
	hbStop chan struct{}

	pioMu sync.Mutex
	pio   *procIO
}

// New creates an executor. The caller must hold the lease for
// (opts.Handle, opts.LeasePath) before calling Run, with this executor as
// the holder.
func New(opts Options, limits Limits, pythonBin string, sink EventSink, leases *LeaseManager, metrics *monitor.Metrics, tracer *monitor.Tracer) *Executor {
	return &Executor{
		opts:      opts,
		limits:    limits,
		pythonBin: pythonBin,
		sink:      sink,
		leases:    leases,
		metrics:   metrics,
		tracer:    tracer,
		input:     make(chan string, 16),
		stopCh:    make(chan struct{}),
		hbStop:    make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (e *Executor) State() State {
	return State(e.state.Load())
}

// Alive reports whether the execution is still running. The lease manager
// probes this to decide whether a holder can be reaped.
func (e *Executor) Alive() bool {
	return e.State() != StateDone
}

// Stop requests termination. Safe to call from any goroutine, any number
// of times, at any point in the lifecycle. A stop with no error kind ends
// the execution with a plain complete event.
func (e *Executor) Stop(reason string) {
	e.requestStop(stopCause{message: reason})
}

func (e *Executor) requestStop(c stopCause) {
	e.stopOnce.Do(func() {
		e.causeMu.Lock()
		e.cause = c
		e.causeMu.Unlock()
		close(e.stopCh)
	})
	e.pioMu.Lock()
	if e.pio != nil {
		e.pio.kill()
	}
	e.pioMu.Unlock()
}

func (e *Executor) stopCause() stopCause {
	e.causeMu.Lock()
	defer e.causeMu.Unlock()
	return e.cause
}

// ProvideInput queues one line for the child's stdin. The line is
// delivered whether or not an input request is pending, matching terminal
// type-ahead semantics.
func (e *Executor) ProvideInput(line string) error {
	if !e.Alive() {
		return &ExecError{RequestID: e.opts.RequestID, Op: "input", Err: ErrNotRunning}
	}
	select {
	case e.input <- line:
		return nil
	default:
		return &ExecError{RequestID: e.opts.RequestID, Op: "input", Err: ErrNotWaiting}
	}
}

// Run executes the full lifecycle and always emits a terminal complete
// event, whatever went wrong before it. It returns when the child is gone
// and the lease is released.
func (e *Executor) Run(ctx context.Context) {
	logger := log.With().
		Str("request_id", e.opts.RequestID).
		Str("handle", e.opts.Handle).
		Str("script", e.opts.ScriptPath).
		Logger()

	ctx, span := e.tracer.StartSpan(ctx, "execute",
		monitor.AttrRequestID.String(e.opts.RequestID),
		monitor.AttrHandle.String(e.opts.Handle),
		monitor.AttrScriptPath.String(e.opts.ScriptPath),
	)
	defer span.End()

	e.metrics.ActiveExecutors.Inc()
	start := time.Now()
	status := "completed"
	exit := 0

	defer func() {
		phase := e.phaseLabel()
		e.state.Store(int32(StateDone))
		e.releaseLease()
		e.metrics.ActiveExecutors.Dec()
		e.metrics.RecordExecution(status, phase, time.Since(start).Seconds())
		span.SetAttributes(monitor.AttrExitCode.Int(exit), monitor.AttrPhase.String(phase))
		logger.Info().Str("status", status).Dur("duration", time.Since(start)).Msg("execution finished")
	}()

	if e.opts.LeasePath != "" {
		go e.heartbeatLoop()
	}

	tmpDir, err := os.MkdirTemp("", "ide-exec-*")
	if err != nil {
		logger.Error().Err(err).Msg("temp dir creation failed")
		e.sink.Emit(evError(e.opts.RequestID, KindSpawnFailed, "could not prepare execution"))
		e.sink.Emit(evComplete(e.opts.RequestID, -1, time.Since(start).Milliseconds()))
		status = "error"
		exit = -1
		return
	}
	defer os.RemoveAll(tmpDir)

	if e.opts.ScriptPath != "" {
		var proceed bool
		exit, proceed, status = e.runScript(ctx, logger, tmpDir)
		if !proceed {
			e.sink.Emit(evComplete(e.opts.RequestID, exit, time.Since(start).Milliseconds()))
			return
		}
		// The script finished; the path is free for the next run, but this
		// session stays bound to it for file invalidation.
		e.demoteLease()
	}

	if e.stopRequested() {
		e.sink.Emit(evComplete(e.opts.RequestID, exit, time.Since(start).Milliseconds()))
		return
	}

	replExit, replStatus := e.runRepl(ctx, logger, tmpDir)
	if replStatus != "" {
		status = replStatus
	}
	if replExit != 0 {
		exit = replExit
	}
	e.sink.Emit(evComplete(e.opts.RequestID, exit, time.Since(start).Milliseconds()))
}

func (e *Executor) stopRequested() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

func (e *Executor) phaseLabel() string {
	switch e.State() {
	case StateRepl:
		return "repl"
	default:
		return "script"
	}
}

func (e *Executor) stopHeartbeat() {
	e.hbOnce.Do(func() { close(e.hbStop) })
}

// demoteLease frees the lease at the script-to-interactive transition but
// keeps this execution registered against its file, so a later write to
// the file still terminates the session.
func (e *Executor) demoteLease() {
	e.stopHeartbeat()
	if e.opts.LeasePath != "" {
		e.leases.Demote(e.opts.Handle, e.opts.LeasePath, e.opts.RequestID, e)
	}
}

func (e *Executor) releaseLease() {
	e.stopHeartbeat()
	if e.opts.LeasePath != "" {
		e.leases.Release(e.opts.Handle, e.opts.LeasePath, e.opts.RequestID)
	}
}

// heartbeatLoop proves liveness to the lease manager until the lease is
// released. The interval is well under the stale threshold.
func (e *Executor) heartbeatLoop() {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			e.leases.Heartbeat(e.opts.Handle, e.opts.LeasePath)
		case <-e.hbStop:
			return
		}
	}
}

func (e *Executor) childEnv(tmpDir string) []string {
	return []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME=" + tmpDir,
		"TMPDIR=" + tmpDir,
		"LANG=C.UTF-8",
		"TERM=dumb",
		"PYTHONUNBUFFERED=1",
		"MPLCONFIGDIR=" + tmpDir,
		"XDG_CACHE_HOME=" + tmpDir,
		"IDE_SANDBOX_READ_ROOT=" + e.opts.ReadRoot,
		"IDE_SANDBOX_WRITE_ROOT=" + e.opts.WriteRoot,
	}
}

// runScript is phase one: the script under the wall clock. It reports the
// exit code, whether the lifecycle proceeds to the interactive phase, and
// the metrics status so far.
func (e *Executor) runScript(ctx context.Context, logger zerolog.Logger, tmpDir string) (int, bool, string) {
	e.state.Store(int32(StateScript))

	bootstrap, err := writeScriptBootstrap(tmpDir, e.opts.ScriptPath)
	if err != nil {
		logger.Error().Err(err).Msg("bootstrap write failed")
		e.sink.Emit(evError(e.opts.RequestID, KindSpawnFailed, "could not prepare execution"))
		return -1, false, "error"
	}

	cmd := exec.Command(e.pythonBin, "-u", bootstrap) // #nosec G204 -- binary from config, args server-built
	cmd.Dir = e.opts.WorkDir
	cmd.Env = e.childEnv(tmpDir)

	pio, err := spawn(cmd, true, false)
	if err != nil {
		logger.Error().Err(err).Msg("script spawn failed")
		kind := KindSpawnFailed
		if errors.Is(err, errNoPTY) {
			kind = KindPTYUnavailable
		}
		e.sink.Emit(evError(e.opts.RequestID, kind, "could not start interpreter"))
		return -1, false, "error"
	}
	e.setPIO(pio)
	defer e.setPIO(nil)

	if err := applyRlimits(pio.cmd.Process.Pid, e.limits.MemoryLimitMB, e.limits.FileSizeLimitMB, e.limits.MaxProcesses, 0); err != nil {
		logger.Warn().Err(err).Msg("applying resource limits failed")
	}

	proc := newStreamProcessor(e.opts.RequestID, monitor.NewOutputMonitor(), false)
	exit, sig, cause := e.pump(ctx, logger, pio, proc, false)
	e.metrics.OutputLinesTotal.Add(float64(proc.mon.TotalLines()))

	if cause != nil {
		if cause.kind != "" {
			e.metrics.RecordTermination(cause.kind)
			e.sink.Emit(evError(e.opts.RequestID, cause.kind, cause.message))
			return exit, false, "terminated"
		}
		logger.Info().Str("reason", cause.message).Msg("script stopped")
		return exit, false, "completed"
	}

	switch {
	case proc.sawError:
		e.sink.Emit(evError(e.opts.RequestID, KindScriptRuntime, "script raised an exception"))
		return exit, false, "error"
	case proc.sawEnd && exit == 0:
		return exit, true, "completed"
	case sig == syscall.SIGXFSZ:
		e.metrics.RecordTermination(KindFileTooLarge)
		e.sink.Emit(evError(e.opts.RequestID, KindFileTooLarge, "script exceeded the file size limit"))
		return exit, false, "terminated"
	case sig == syscall.SIGKILL:
		e.metrics.RecordTermination(KindMemoryLimit)
		e.sink.Emit(evError(e.opts.RequestID, KindMemoryLimit, "script exceeded the memory limit"))
		return exit, false, "terminated"
	default:
		e.sink.Emit(evError(e.opts.RequestID, KindExitNonzero, "script exited abnormally"))
		return exit, false, "error"
	}
}

// runRepl is phase two: a fresh interactive interpreter that replays the
// script's definitions before handing the prompt to the student.
func (e *Executor) runRepl(ctx context.Context, logger zerolog.Logger, tmpDir string) (int, string) {
	e.state.Store(int32(StateRepl))

	startup, err := writeReplStartup(tmpDir, e.opts.ScriptPath)
	if err != nil {
		logger.Error().Err(err).Msg("repl startup write failed")
		e.sink.Emit(evError(e.opts.RequestID, KindSpawnFailed, "could not prepare interactive session"))
		return -1, "error"
	}

	cmd := exec.Command(e.pythonBin, "-u", "-i", "-q") // #nosec G204 -- binary from config
	cmd.Dir = e.opts.WorkDir
	cmd.Env = append(e.childEnv(tmpDir), "PYTHONSTARTUP="+startup)

	pio, err := spawn(cmd, false, true)
	if err != nil {
		logger.Error().Err(err).Msg("repl spawn failed")
		e.sink.Emit(evError(e.opts.RequestID, KindPTYUnavailable, "could not start interactive session"))
		return -1, "error"
	}
	e.setPIO(pio)
	defer e.setPIO(nil)

	if err := applyRlimits(pio.cmd.Process.Pid, e.limits.MemoryLimitMB, e.limits.FileSizeLimitMB, e.limits.MaxProcesses, e.limits.ReplCPUSeconds); err != nil {
		logger.Warn().Err(err).Msg("applying resource limits failed")
	}

	proc := newStreamProcessor(e.opts.RequestID, monitor.NewOutputMonitor(), true)
	exit, _, cause := e.pump(ctx, logger, pio, proc, true)
	e.metrics.OutputLinesTotal.Add(float64(proc.mon.TotalLines()))

	if cause != nil && cause.kind != "" {
		e.metrics.RecordTermination(cause.kind)
		e.sink.Emit(evError(e.opts.RequestID, cause.kind, cause.message))
		return exit, "terminated"
	}
	if cause != nil {
		logger.Info().Str("reason", cause.message).Msg("interactive session stopped")
	}
	return exit, ""
}

func (e *Executor) setPIO(pio *procIO) {
	e.pioMu.Lock()
	e.pio = pio
	e.pioMu.Unlock()
}

type streamChunk struct {
	data   []byte
	stderr bool
	eof    bool
}

type exitStatus struct {
	code int
	sig  syscall.Signal
}

// pump is the shared supervision loop for both phases. It routes child
// output through the stream processor, delivers queued input, detects
// prompts, and enforces the phase's clocks. It returns the exit code, the
// terminating signal if any, and a non-nil cause when the child was killed
// rather than exiting on its own.
func (e *Executor) pump(ctx context.Context, logger zerolog.Logger, pio *procIO, proc *streamProcessor, repl bool) (int, syscall.Signal, *stopCause) {
	chunks := make(chan streamChunk, 8)
	readers := 1
	go readStream(pio.stdout, false, chunks)
	if pio.stderr != nil {
		readers++
		go readStream(pio.stderr, true, chunks)
	}

	waitCh := make(chan exitStatus, 1)
	go func() {
		err := pio.cmd.Wait()
		st := exitStatus{}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			st.code = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				st.sig = ws.Signal()
			}
		} else if err != nil {
			st.code = -1
		}
		waitCh <- st
	}()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var (
		cause        *stopCause
		waiting      bool
		waitStart    time.Time
		inputWaited  time.Duration
		phaseStart   = time.Now()
		lastActivity = time.Now()
	)

	terminate := func(c stopCause) {
		if cause == nil {
			cause = &c
			pio.kill()
		}
	}

	handleEvents := func(events []Event) {
		for _, ev := range events {
			e.sink.Emit(ev)
			if ev.Type == EventInputRequest {
				waiting = true
				waitStart = time.Now()
				e.state.Store(int32(StateAwaitingInput))
				e.metrics.InputRequests.Inc()
				proc.clearTail()
			}
		}
	}

	resumePhase := func() {
		if waiting {
			inputWaited += time.Since(waitStart)
			waiting = false
			if repl {
				e.state.Store(int32(StateRepl))
			} else {
				e.state.Store(int32(StateScript))
			}
		}
	}

	for {
		select {
		case ch := <-chunks:
			if ch.eof {
				readers--
				continue
			}
			lastActivity = time.Now()
			if ch.stderr {
				text := normalize(ch.data)
				e.sink.Emit(evStderr(e.opts.RequestID, text))
				if v := proc.record(text); v.Terminate {
					terminate(stopCause{kind: v.Kind, message: v.Reason})
				}
				continue
			}
			events, verdict := proc.feed(ch.data)
			handleEvents(events)
			if verdict.Terminate {
				terminate(stopCause{kind: verdict.Kind, message: verdict.Reason})
			}

		case line := <-e.input:
			if _, err := pio.stdin.Write([]byte(line + "\n")); err != nil {
				logger.Warn().Err(err).Msg("input write failed")
			}
			resumePhase()
			lastActivity = time.Now()

		case <-e.stopCh:
			terminate(e.stopCause())

		case <-ctx.Done():
			terminate(stopCause{message: "server shutting down"})

		case <-ticker.C:
			if !waiting && cause == nil {
				if repl {
					if prompt, ok := monitor.IsReplPrompt(proc.tail()); ok && !proc.replReady {
						proc.replReady = true
						e.sink.Emit(evReplReady(e.opts.RequestID, prompt))
						proc.clearTail()
					}
				}
				if prompt, ok := monitor.DetectPrompt(proc.tail(), proc.sinceOutput()); ok {
					handleEvents([]Event{evInputRequest(e.opts.RequestID, prompt)})
				}
			}
			if waiting && time.Since(waitStart) > e.limits.InputWaitTimeout {
				terminate(stopCause{kind: KindTimeLimit, message: "timed out waiting for input"})
			}
			if !repl && !waiting && cause == nil {
				if time.Since(phaseStart)-inputWaited > e.limits.ScriptWallClock {
					terminate(stopCause{kind: KindTimeLimit, message: "script exceeded the time limit"})
				}
			}
			if repl && cause == nil && time.Since(lastActivity) > e.limits.ReplIdleTimeout {
				terminate(stopCause{message: "interactive session idle timeout"})
			}

		case st := <-waitCh:
			// Drain buffered output before reporting the exit.
			drain := time.After(250 * time.Millisecond)
			for readers > 0 {
				select {
				case ch := <-chunks:
					if ch.eof {
						readers--
						continue
					}
					if ch.stderr {
						e.sink.Emit(evStderr(e.opts.RequestID, normalize(ch.data)))
						continue
					}
					events, _ := proc.feed(ch.data)
					for _, ev := range events {
						if ev.Type != EventInputRequest {
							e.sink.Emit(ev)
						}
					}
				case <-drain:
					// Let straggling readers run to EOF without blocking.
					go drainRemaining(chunks, readers)
					readers = 0
				}
			}
			pio.closeStreams()
			return st.code, st.sig, cause
		}
	}
}

func drainRemaining(chunks <-chan streamChunk, n int) {
	for n > 0 {
		if ch := <-chunks; ch.eof {
			n--
		}
	}
}

// readStream pumps one child stream into the supervision loop. A short
// read deadline keeps the goroutine responsive to process death; any
// non-timeout error is end of stream (a PTY master reports EIO when the
// child side closes).
func readStream(f *os.File, stderr bool, out chan<- streamChunk) {
	buf := make([]byte, 8192)
	for {
		_ = f.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, err := f.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			out <- streamChunk{data: data, stderr: stderr}
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			out <- streamChunk{stderr: stderr, eof: true}
			return
		}
	}
}
