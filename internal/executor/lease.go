package executor

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"classroom-ide/internal/monitor"
)

// AliveProber is the weak handle the lease manager keeps on an executor.
// It deliberately does not expose the executor itself; the manager only
// needs liveness and a way to put a dead holder down.
type AliveProber interface {
	Alive() bool
	Stop(reason string)
}

type lease struct {
	key           string
	requestID     string
	acquiredAt    time.Time
	lastHeartbeat time.Time
	holder        AliveProber
}

// LeaseManager provides per-(handle, normalized script path) mutual
// exclusion with heartbeat-based liveness. A fixed TTL would misfire on
// executions legitimately idle at an input prompt, so holders prove
// liveness by heartbeating instead.
type LeaseManager struct {
	mu     sync.Mutex
	leases map[string]*lease

	// watchers holds demoted holders by key and request id. An execution
	// that released its lease at the script-to-interactive transition is
	// still bound to its file here, so file invalidation reaches it.
	watchers map[string]map[string]AliveProber

	staleAfter time.Duration
	sweepEvery time.Duration
	metrics    *monitor.Metrics

	now func() time.Time
}

// NewLeaseManager creates a manager. Call Run to start the reaper.
func NewLeaseManager(staleAfter, sweepEvery time.Duration, metrics *monitor.Metrics) *LeaseManager {
	return &LeaseManager{
		leases:     map[string]*lease{},
		watchers:   map[string]map[string]AliveProber{},
		staleAfter: staleAfter,
		sweepEvery: sweepEvery,
		metrics:    metrics,
		now:        time.Now,
	}
}

func leaseKey(handle, path string) string {
	return handle + ":" + filepath.Clean(path)
}

// Acquire takes the lease for (handle, path) on behalf of requestID,
// waiting up to timeout for a live holder to finish. A dead holder is
// replaced immediately. Returns ErrLeaseHeld when the timeout elapses
// with the lease still held.
func (lm *LeaseManager) Acquire(handle, path, requestID string, holder AliveProber, timeout time.Duration) error {
	deadline := lm.now().Add(timeout)
	key := leaseKey(handle, path)

	for {
		lm.mu.Lock()
		existing, held := lm.leases[key]
		if held && existing.holder != nil && !existing.holder.Alive() {
			log.Warn().
				Str("key", key).
				Str("dead_request", existing.requestID).
				Msg("replacing dead lease holder")
			delete(lm.leases, key)
			held = false
		}
		if !held {
			now := lm.now()
			lm.leases[key] = &lease{
				key:           key,
				requestID:     requestID,
				acquiredAt:    now,
				lastHeartbeat: now,
				holder:        holder,
			}
			lm.mu.Unlock()
			return nil
		}
		lm.mu.Unlock()

		if lm.now().After(deadline) {
			return ErrLeaseHeld
		}
		time.Sleep(25 * time.Millisecond)
	}
}

// Demote moves requestID from lease holder to watcher: the lease is freed
// so the same file can be run again, but the execution stays registered
// for file invalidation until it finishes. No-op on the lease if another
// request already took it over; the watcher is registered regardless.
func (lm *LeaseManager) Demote(handle, path, requestID string, holder AliveProber) {
	key := leaseKey(handle, path)

	lm.mu.Lock()
	defer lm.mu.Unlock()
	if l, ok := lm.leases[key]; ok && l.requestID == requestID {
		delete(lm.leases, key)
	}
	w, ok := lm.watchers[key]
	if !ok {
		w = map[string]AliveProber{}
		lm.watchers[key] = w
	}
	w[requestID] = holder
}

// Release frees the lease if requestID still holds it, and drops any
// watcher registration for requestID. Idempotent: stale releases from an
// already-replaced holder are ignored.
func (lm *LeaseManager) Release(handle, path, requestID string) {
	key := leaseKey(handle, path)

	lm.mu.Lock()
	defer lm.mu.Unlock()
	if l, ok := lm.leases[key]; ok && l.requestID == requestID {
		delete(lm.leases, key)
	}
	lm.dropWatcher(key, requestID)
}

// dropWatcher removes one watcher entry. Caller holds lm.mu.
func (lm *LeaseManager) dropWatcher(key, requestID string) {
	if w, ok := lm.watchers[key]; ok {
		delete(w, requestID)
		if len(w) == 0 {
			delete(lm.watchers, key)
		}
	}
}

// Heartbeat refreshes the lease's liveness.
func (lm *LeaseManager) Heartbeat(handle, path string) {
	key := leaseKey(handle, path)

	lm.mu.Lock()
	defer lm.mu.Unlock()
	if l, ok := lm.leases[key]; ok {
		l.lastHeartbeat = lm.now()
	}
}

// Holder returns the request id currently holding the lease.
func (lm *LeaseManager) Holder(handle, path string) (string, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	l, ok := lm.leases[leaseKey(handle, path)]
	if !ok {
		return "", false
	}
	return l.requestID, true
}

// StopHolder terminates any in-flight execution bound to (handle, path):
// the current lease holder and every demoted interactive session watching
// the file. The workspace service calls this when the file is rewritten
// so nothing keeps running stale source.
func (lm *LeaseManager) StopHolder(handle, path, reason string) {
	key := leaseKey(handle, path)

	lm.mu.Lock()
	var stopping []AliveProber
	if l, ok := lm.leases[key]; ok {
		delete(lm.leases, key)
		if l.holder != nil {
			stopping = append(stopping, l.holder)
		}
	}
	for _, w := range lm.watchers[key] {
		if w != nil {
			stopping = append(stopping, w)
		}
	}
	delete(lm.watchers, key)
	lm.mu.Unlock()

	for _, h := range stopping {
		log.Info().Str("key", key).Str("reason", reason).Msg("stopping lease holder")
		h.Stop(reason)
	}
}

// Run drives the liveness sweeper until ctx is cancelled.
func (lm *LeaseManager) Run(ctx context.Context) {
	ticker := time.NewTicker(lm.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lm.sweep()
		}
	}
}

// sweep reaps leases whose holder is dead or whose heartbeat went stale.
// A holder waiting on user input keeps heartbeating, which is what tells
// a legitimate wait apart from a hung executor.
func (lm *LeaseManager) sweep() {
	now := lm.now()

	lm.mu.Lock()
	var reaped []*lease
	for key, l := range lm.leases {
		dead := l.holder == nil || !l.holder.Alive()
		stale := now.Sub(l.lastHeartbeat) > lm.staleAfter
		if dead || stale {
			delete(lm.leases, key)
			reaped = append(reaped, l)
		}
	}
	for key, w := range lm.watchers {
		for id, h := range w {
			if h == nil || !h.Alive() {
				delete(w, id)
			}
		}
		if len(w) == 0 {
			delete(lm.watchers, key)
		}
	}
	lm.mu.Unlock()

	for _, l := range reaped {
		log.Warn().
			Str("key", l.key).
			Str("request_id", l.requestID).
			Time("last_heartbeat", l.lastHeartbeat).
			Msg("reaped stale execution lease")
		if lm.metrics != nil {
			lm.metrics.LeaseReaps.Inc()
		}
		if l.holder != nil {
			l.holder.Stop("lease reaped")
		}
	}
}
