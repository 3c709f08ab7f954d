package api

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"classroom-ide/internal/executor"
	"classroom-ide/internal/session"
)

// Channel is one authenticated WebSocket connection. Writes are serialized
// through a mutex because executor goroutines, the keepalive loop, and the
// dispatch loop all emit into it. After Close every write is a silent
// no-op, so an executor can always run to completion.
type Channel struct {
	conn      *websocket.Conn
	principal *session.Principal
	token     string
	remoteIP  string

	writeMu sync.Mutex
	closed  atomic.Bool

	lastPong atomic.Int64

	execMu sync.Mutex
	execs  map[string]*executor.Executor
}

func newChannel(conn *websocket.Conn, remoteIP string) *Channel {
	c := &Channel{conn: conn, remoteIP: remoteIP, execs: map[string]*executor.Executor{}}
	c.lastPong.Store(time.Now().UnixNano())
	return c
}

// Send writes one event to the client. Write failures close the channel;
// the read loop notices on its next read.
func (c *Channel) Send(ev ServerEvent) {
	if c.closed.Load() {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteJSON(ev); err != nil {
		log.Debug().Err(err).Msg("channel write failed")
		c.closed.Store(true)
	}
}

// Emit lets a Channel serve as the executor's event sink.
func (c *Channel) Emit(ev executor.Event) {
	c.Send(ServerEvent{Type: ev.Type, ID: ev.ID, Data: ev.Data})
}

// Close tears the connection down. Idempotent.
func (c *Channel) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.conn.Close()
}

// Terminate notifies the client why the session ended, then closes.
func (c *Channel) Terminate(reason string) {
	if !c.closed.Load() {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		c.conn.WriteJSON(ServerEvent{Type: EventSessionTerminated, Data: map[string]any{"reason": reason}})
		c.writeMu.Unlock()
	}
	c.Close()

	for _, ex := range c.liveExecutions() {
		ex.Stop("session terminated: " + reason)
	}
}

// addExecution registers ex under its request id. Interleaved runs on one
// channel are fine; reusing the id of a still-live execution is not.
func (c *Channel) addExecution(id string, ex *executor.Executor) error {
	c.execMu.Lock()
	defer c.execMu.Unlock()
	if old, ok := c.execs[id]; ok && old.Alive() {
		return executor.ErrAlreadyRuns
	}
	c.execs[id] = ex
	return nil
}

func (c *Channel) removeExecution(id string) {
	c.execMu.Lock()
	delete(c.execs, id)
	c.execMu.Unlock()
}

// execution returns the executor registered under id, if any.
func (c *Channel) execution(id string) *executor.Executor {
	c.execMu.Lock()
	defer c.execMu.Unlock()
	return c.execs[id]
}

// liveExecutions snapshots the executions still running.
func (c *Channel) liveExecutions() []*executor.Executor {
	c.execMu.Lock()
	defer c.execMu.Unlock()
	var live []*executor.Executor
	for _, ex := range c.execs {
		if ex.Alive() {
			live = append(live, ex)
		}
	}
	return live
}

// soleExecution returns the one live execution when there is exactly one.
// Commands that omit a request id are unambiguous only in that case.
func (c *Channel) soleExecution() *executor.Executor {
	live := c.liveExecutions()
	if len(live) == 1 {
		return live[0]
	}
	return nil
}

// ping sends a keepalive ping frame.
func (c *Channel) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

// Registry maps each handle to its single live channel. Authenticating a
// second connection for the same handle displaces the first.
type Registry struct {
	mu       sync.Mutex
	channels map[string]*Channel
}

func NewRegistry() *Registry {
	return &Registry{channels: map[string]*Channel{}}
}

// Register installs ch for its handle and returns the channel it
// displaced, if any. The caller terminates the displaced channel outside
// the lock.
func (r *Registry) Register(ch *Channel) *Channel {
	handle := ch.principal.Handle
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.channels[handle]
	r.channels[handle] = ch
	if old == ch {
		return nil
	}
	return old
}

// Deregister removes ch if it is still the registered channel for its
// handle. A displaced channel must not knock out its replacement.
func (r *Registry) Deregister(ch *Channel) {
	if ch.principal == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channels[ch.principal.Handle] == ch {
		delete(r.channels, ch.principal.Handle)
	}
}

// Get returns the live channel for a handle.
func (r *Registry) Get(handle string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[handle]
	return ch, ok
}

// Count returns the number of connected channels.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// TerminateAll notifies every channel and closes it, for shutdown.
func (r *Registry) TerminateAll(reason string) {
	r.mu.Lock()
	all := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		all = append(all, ch)
	}
	r.channels = map[string]*Channel{}
	r.mu.Unlock()

	for _, ch := range all {
		ch.Terminate(reason)
	}
}
