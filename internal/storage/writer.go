package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// AuditWriter buffers audit events and writes them asynchronously so the
// hot paths (message dispatch, executor events) never block on the DB.
type AuditWriter struct {
	db   *DB
	ch   chan *AuditEvent
	wg   sync.WaitGroup
	done chan struct{}
}

// NewAuditWriter creates a buffered writer. A nil db yields a writer whose
// Log is a no-op, which keeps call sites unconditional.
func NewAuditWriter(db *DB, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		db:   db,
		ch:   make(chan *AuditEvent, bufferSize),
		done: make(chan struct{}),
	}
}

// Start launches the background write loop.
func (w *AuditWriter) Start() {
	if w.db == nil {
		return
	}
	w.wg.Add(1)
	go w.processLoop()
}

// Log enqueues an event. Drops with a warning when the buffer is full
// rather than stalling the caller.
func (w *AuditWriter) Log(ev *AuditEvent) {
	if w.db == nil {
		return
	}
	select {
	case w.ch <- ev:
	default:
		log.Warn().Str("action", ev.Action).Msg("audit buffer full, dropping event")
	}
}

// Flush drains pending events, waiting at most timeout.
func (w *AuditWriter) Flush(timeout time.Duration) {
	if w.db == nil {
		return
	}
	close(w.done)

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case ev := <-w.ch:
			w.writeWithRetry(ev)
		case <-w.done:
			for {
				select {
				case ev := <-w.ch:
					w.writeWithRetry(ev)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) writeWithRetry(ev *AuditEvent) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.db.InsertAuditEvent(ctx, ev)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Str("action", ev.Action).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("action", ev.Action).
				Msg("audit write failed permanently after retries")
		}
	}
}
