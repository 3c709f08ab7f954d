package executor

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeProber struct {
	alive      atomic.Bool
	stopReason atomic.Value
}

func newFakeProber(alive bool) *fakeProber {
	p := &fakeProber{}
	p.alive.Store(alive)
	return p
}

func (p *fakeProber) Alive() bool { return p.alive.Load() }

func (p *fakeProber) Stop(reason string) {
	p.alive.Store(false)
	p.stopReason.Store(reason)
}

func (p *fakeProber) stoppedWith() string {
	v, _ := p.stopReason.Load().(string)
	return v
}

func TestLeaseAcquireRelease(t *testing.T) {
	lm := NewLeaseManager(30*time.Second, 5*time.Second, nil)
	holder := newFakeProber(true)

	if err := lm.Acquire("ada", "Local/ada/main.py", "req-1", holder, 50*time.Millisecond); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if id, ok := lm.Holder("ada", "Local/ada/main.py"); !ok || id != "req-1" {
		t.Fatalf("Holder = %q, %v, want req-1, true", id, ok)
	}

	// Same path, different user: independent lease.
	if err := lm.Acquire("bob", "Local/bob/main.py", "req-2", newFakeProber(true), 50*time.Millisecond); err != nil {
		t.Fatalf("different user should acquire independently: %v", err)
	}

	lm.Release("ada", "Local/ada/main.py", "req-1")
	if _, ok := lm.Holder("ada", "Local/ada/main.py"); ok {
		t.Fatal("lease should be gone after release")
	}
}

func TestLeaseAcquireBlockedByLiveHolder(t *testing.T) {
	lm := NewLeaseManager(30*time.Second, 5*time.Second, nil)
	lm.Acquire("ada", "main.py", "req-1", newFakeProber(true), 50*time.Millisecond)

	if err := lm.Acquire("ada", "main.py", "req-2", newFakeProber(true), 60*time.Millisecond); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("err = %v, want ErrLeaseHeld while the holder is alive", err)
	}
	if id, _ := lm.Holder("ada", "main.py"); id != "req-1" {
		t.Fatalf("holder changed to %q", id)
	}
}

func TestLeasePathNormalization(t *testing.T) {
	lm := NewLeaseManager(30*time.Second, 5*time.Second, nil)
	lm.Acquire("ada", "Local/ada/./main.py", "req-1", newFakeProber(true), 50*time.Millisecond)

	if err := lm.Acquire("ada", "Local/ada/main.py", "req-2", newFakeProber(true), 30*time.Millisecond); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("equivalent paths should map to one lease, got %v", err)
	}
}

func TestLeaseDeadHolderReplaced(t *testing.T) {
	lm := NewLeaseManager(30*time.Second, 5*time.Second, nil)
	dead := newFakeProber(false)
	lm.Acquire("ada", "main.py", "req-1", dead, 50*time.Millisecond)

	if err := lm.Acquire("ada", "main.py", "req-2", newFakeProber(true), 50*time.Millisecond); err != nil {
		t.Fatalf("dead holder should be replaced without waiting for the sweeper: %v", err)
	}
	if id, _ := lm.Holder("ada", "main.py"); id != "req-2" {
		t.Fatalf("holder = %q, want req-2", id)
	}
}

func TestLeaseStaleReleaseIgnored(t *testing.T) {
	lm := NewLeaseManager(30*time.Second, 5*time.Second, nil)
	lm.Acquire("ada", "main.py", "req-1", newFakeProber(false), 50*time.Millisecond)
	lm.Acquire("ada", "main.py", "req-2", newFakeProber(true), 50*time.Millisecond)

	// The replaced holder releases late; the new lease must survive.
	lm.Release("ada", "main.py", "req-1")
	if id, ok := lm.Holder("ada", "main.py"); !ok || id != "req-2" {
		t.Fatalf("Holder = %q, %v, want req-2, true", id, ok)
	}
}

func TestLeaseSweepReapsStale(t *testing.T) {
	lm := NewLeaseManager(30*time.Second, 5*time.Second, nil)
	holder := newFakeProber(true)
	lm.Acquire("ada", "main.py", "req-1", holder, 50*time.Millisecond)

	base := time.Now()
	lm.now = func() time.Time { return base.Add(31 * time.Second) }
	lm.sweep()

	if _, ok := lm.Holder("ada", "main.py"); ok {
		t.Fatal("stale lease should have been reaped")
	}
	if holder.stoppedWith() != "lease reaped" {
		t.Fatalf("holder stopped with %q", holder.stoppedWith())
	}
}

func TestLeaseSweepKeepsHeartbeating(t *testing.T) {
	lm := NewLeaseManager(30*time.Second, 5*time.Second, nil)
	holder := newFakeProber(true)
	lm.Acquire("ada", "main.py", "req-1", holder, 50*time.Millisecond)

	base := time.Now()
	lm.now = func() time.Time { return base.Add(29 * time.Second) }
	lm.Heartbeat("ada", "main.py")
	lm.now = func() time.Time { return base.Add(45 * time.Second) }
	lm.sweep()

	if _, ok := lm.Holder("ada", "main.py"); !ok {
		t.Fatal("heartbeating lease should survive the sweep")
	}
}

func TestStopHolder(t *testing.T) {
	lm := NewLeaseManager(30*time.Second, 5*time.Second, nil)
	holder := newFakeProber(true)
	lm.Acquire("ada", "main.py", "req-1", holder, 50*time.Millisecond)

	lm.StopHolder("ada", "main.py", "file rewritten")
	if holder.stoppedWith() != "file rewritten" {
		t.Fatalf("holder stopped with %q", holder.stoppedWith())
	}
	if _, ok := lm.Holder("ada", "main.py"); ok {
		t.Fatal("lease should be dropped with its holder")
	}

	// No holder: must not panic.
	lm.StopHolder("ada", "other.py", "file rewritten")
}

func TestDemoteFreesLeaseKeepsWatcher(t *testing.T) {
	lm := NewLeaseManager(30*time.Second, 5*time.Second, nil)
	session := newFakeProber(true)
	lm.Acquire("ada", "main.py", "req-1", session, 50*time.Millisecond)

	lm.Demote("ada", "main.py", "req-1", session)
	if _, ok := lm.Holder("ada", "main.py"); ok {
		t.Fatal("lease should be free after demote")
	}
	if err := lm.Acquire("ada", "main.py", "req-2", newFakeProber(true), 50*time.Millisecond); err != nil {
		t.Fatalf("reacquire after demote: %v", err)
	}

	// Invalidation reaches both the new holder and the demoted session.
	lm.StopHolder("ada", "main.py", "file rewritten")
	if session.stoppedWith() != "file rewritten" {
		t.Fatalf("demoted session stopped with %q", session.stoppedWith())
	}
}

func TestReleaseClearsWatcher(t *testing.T) {
	lm := NewLeaseManager(30*time.Second, 5*time.Second, nil)
	session := newFakeProber(true)
	lm.Acquire("ada", "main.py", "req-1", session, 50*time.Millisecond)
	lm.Demote("ada", "main.py", "req-1", session)
	lm.Release("ada", "main.py", "req-1")

	// The session ended; a later write must not stop it again.
	lm.StopHolder("ada", "main.py", "file rewritten")
	if session.stoppedWith() != "" {
		t.Fatalf("finished session stopped with %q", session.stoppedWith())
	}
}

func TestSweepPrunesDeadWatchers(t *testing.T) {
	lm := NewLeaseManager(30*time.Second, 5*time.Second, nil)
	session := newFakeProber(true)
	lm.Demote("ada", "main.py", "req-1", session)

	session.alive.Store(false)
	lm.sweep()

	lm.StopHolder("ada", "main.py", "file rewritten")
	if session.stoppedWith() != "" {
		t.Fatalf("dead watcher stopped with %q", session.stoppedWith())
	}
}
