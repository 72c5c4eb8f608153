package lock

import (
	"context"
	"testing"
	"time"

	"github.com/madfam-io/sim4d-sub005/internal/clock"
)

func newTestManager() (*MemoryManager, *clock.Manual) {
	mc := clock.NewManual(time.UnixMilli(1_000_000))
	return NewMemoryManager(WithTTL(30*time.Second), WithClock(mc)), mc
}

func TestAcquireAndMutualExclusion(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	res, err := m.Acquire(ctx, "n1", "alice")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if !res.Success || res.Lock == nil || res.Lock.UserID != "alice" {
		t.Fatalf("Acquire() = %+v, want success for alice", res)
	}

	res, err = m.Acquire(ctx, "n1", "bob")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if res.Success {
		t.Fatal("second user must be denied while the lock is valid")
	}
	if res.Reason != ReasonLockedByOther {
		t.Fatalf("Reason = %q, want %q", res.Reason, ReasonLockedByOther)
	}
	if res.RetryAfter <= 0 || res.RetryAfter > 30*time.Second {
		t.Fatalf("RetryAfter = %v, want remaining TTL", res.RetryAfter)
	}
}

func TestAcquireByOwnerRenews(t *testing.T) {
	m, mc := newTestManager()
	ctx := context.Background()

	first, _ := m.Acquire(ctx, "n1", "alice")
	mc.Advance(10 * time.Second)
	second, err := m.Acquire(ctx, "n1", "alice")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if !second.Success {
		t.Fatal("owner re-acquire must succeed")
	}
	if !second.Lock.ExpiresAt.After(first.Lock.ExpiresAt) {
		t.Fatal("re-acquire must extend the expiry")
	}
	if second.Lock.RenewCount != 1 {
		t.Fatalf("RenewCount = %d, want 1", second.Lock.RenewCount)
	}
}

func TestExpiredLockIsStolen(t *testing.T) {
	m, mc := newTestManager()
	ctx := context.Background()

	if res, _ := m.Acquire(ctx, "n1", "alice"); !res.Success {
		t.Fatal("initial acquire should succeed")
	}
	mc.Advance(31 * time.Second)

	res, err := m.Acquire(ctx, "n1", "bob")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if !res.Success {
		t.Fatal("expired lock must be silently replaced")
	}
	if res.Lock.StolenFrom != "alice" {
		t.Fatalf("StolenFrom = %q, want alice", res.Lock.StolenFrom)
	}
}

func TestForceSteal(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	m.Acquire(ctx, "n1", "alice")
	res, err := m.Steal(ctx, "n1", "bob", true)
	if err != nil {
		t.Fatalf("Steal() error = %v", err)
	}
	if !res.Success || res.Lock.StolenFrom != "alice" {
		t.Fatalf("forced steal = %+v, want success stolen from alice", res)
	}
}

func TestReleaseRequiresOwnership(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	m.Acquire(ctx, "n1", "alice")
	if err := m.Release(ctx, "n1", "bob"); err != ErrNotOwner {
		t.Fatalf("Release() by non-owner error = %v, want ErrNotOwner", err)
	}
	if err := m.Release(ctx, "n1", "alice"); err != nil {
		t.Fatalf("Release() by owner error = %v", err)
	}
	if l, _ := m.Get(ctx, "n1"); l != nil {
		t.Fatalf("lock should be gone, got %+v", l)
	}
}

func TestRenew(t *testing.T) {
	m, mc := newTestManager()
	ctx := context.Background()

	m.Acquire(ctx, "n1", "alice")
	res, err := m.Renew(ctx, "n1", "bob")
	if err != nil {
		t.Fatalf("Renew() error = %v", err)
	}
	if res.Success || res.Reason != ReasonNotOwner {
		t.Fatalf("Renew() by non-owner = %+v", res)
	}

	res, err = m.Renew(ctx, "n1", "alice")
	if err != nil {
		t.Fatalf("Renew() error = %v", err)
	}
	if !res.Success || res.Lock.RenewCount != 1 {
		t.Fatalf("Renew() by owner = %+v", res)
	}

	mc.Advance(time.Minute)
	res, _ = m.Renew(ctx, "n1", "alice")
	if res.Success || res.Reason != ReasonNotLocked {
		t.Fatalf("Renew() of expired lock = %+v, want not_locked", res)
	}
}

func TestSweepPurgesExpired(t *testing.T) {
	m, mc := newTestManager()
	ctx := context.Background()

	m.Acquire(ctx, "n1", "alice")
	m.Acquire(ctx, "n2", "bob")
	mc.Advance(31 * time.Second)
	m.Acquire(ctx, "n3", "carol")

	if purged := m.Sweep(); purged != 2 {
		t.Fatalf("Sweep() = %d, want 2", purged)
	}
	if l, _ := m.Get(ctx, "n3"); l == nil {
		t.Fatal("fresh lock must survive the sweep")
	}
}

func TestSweeperRunsOnTicker(t *testing.T) {
	m, mc := newTestManager()
	ctx := context.Background()
	defer m.Stop()

	m.StartSweeper(10 * time.Second)
	m.Acquire(ctx, "n1", "alice")

	mc.Advance(40 * time.Second)
	// Give the sweeper goroutine a moment to drain the tick.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		n := len(m.locks)
		m.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("sweeper did not purge the expired lock")
}

func TestLocksByUserAndReleaseAll(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	m.Acquire(ctx, "n1", "alice")
	m.Acquire(ctx, "n2", "alice")
	m.Acquire(ctx, "n3", "bob")

	locks, err := m.LocksByUser(ctx, "alice")
	if err != nil {
		t.Fatalf("LocksByUser() error = %v", err)
	}
	if len(locks) != 2 {
		t.Fatalf("LocksByUser(alice) = %d locks, want 2", len(locks))
	}

	if err := m.ReleaseAll(ctx, "alice"); err != nil {
		t.Fatalf("ReleaseAll() error = %v", err)
	}
	if l, _ := m.Get(ctx, "n1"); l != nil {
		t.Fatal("alice's locks should be released")
	}
	if l, _ := m.Get(ctx, "n3"); l == nil {
		t.Fatal("bob's lock must survive")
	}
}
