package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/madfam-io/sim4d-sub005/internal/clock"
	"github.com/madfam-io/sim4d-sub005/internal/util"
)

var ErrNotOwner = errors.New("lock not owned")

// MemoryManager keeps the lock table in process memory. Expired locks are
// logically absent immediately; the sweep loop only bounds memory.
type MemoryManager struct {
	mu     sync.Mutex
	locks  map[string]*NodeLock
	ttl    time.Duration
	clock  clock.Clock
	stopCh chan struct{}
	once   sync.Once
}

type MemoryOption func(*MemoryManager)

func WithTTL(ttl time.Duration) MemoryOption {
	return func(m *MemoryManager) { m.ttl = ttl }
}

func WithClock(c clock.Clock) MemoryOption {
	return func(m *MemoryManager) { m.clock = c }
}

func NewMemoryManager(opts ...MemoryOption) *MemoryManager {
	m := &MemoryManager{
		locks:  make(map[string]*NodeLock),
		ttl:    DefaultTTL,
		clock:  clock.Real(),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartSweeper launches the periodic purge of expired locks. Stop ends it.
func (m *MemoryManager) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := m.clock.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C():
				m.Sweep()
			}
		}
	}()
}

func (m *MemoryManager) Stop() {
	m.once.Do(func() { close(m.stopCh) })
}

// Sweep removes expired locks and returns how many were purged.
func (m *MemoryManager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	purged := 0
	for nodeID, l := range m.locks {
		if !l.ExpiresAt.After(now) {
			delete(m.locks, nodeID)
			purged++
		}
	}
	return purged
}

// Acquire grants the lock when the node is unlocked or already owned by the
// same user (renewal). A lock held by another user denies with the
// remaining time unless it has expired, in which case it is stolen.
func (m *MemoryManager) Acquire(_ context.Context, nodeID, userID string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	existing, ok := m.locks[nodeID]
	if ok && existing.ExpiresAt.After(now) {
		if existing.UserID == userID {
			existing.ExpiresAt = now.Add(m.ttl)
			existing.RenewCount++
			return Result{Success: true, Lock: copyLock(existing)}, nil
		}
		return Result{
			Success:    false,
			Lock:       copyLock(existing),
			Reason:     ReasonLockedByOther,
			RetryAfter: existing.ExpiresAt.Sub(now),
		}, nil
	}

	l := &NodeLock{
		NodeID:     nodeID,
		UserID:     userID,
		LockID:     util.NewID("lock"),
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.ttl),
	}
	if ok && existing.UserID != userID {
		l.StolenFrom = existing.UserID
	}
	m.locks[nodeID] = l
	return Result{Success: true, Lock: copyLock(l)}, nil
}

func (m *MemoryManager) Release(_ context.Context, nodeID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.locks[nodeID]
	if !ok {
		return nil
	}
	if existing.UserID != userID {
		return ErrNotOwner
	}
	delete(m.locks, nodeID)
	return nil
}

func (m *MemoryManager) Renew(_ context.Context, nodeID, userID string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	existing, ok := m.locks[nodeID]
	if !ok || !existing.ExpiresAt.After(now) {
		return Result{Success: false, Reason: ReasonNotLocked}, nil
	}
	if existing.UserID != userID {
		return Result{
			Success:    false,
			Lock:       copyLock(existing),
			Reason:     ReasonNotOwner,
			RetryAfter: existing.ExpiresAt.Sub(now),
		}, nil
	}
	existing.ExpiresAt = now.Add(m.ttl)
	existing.RenewCount++
	return Result{Success: true, Lock: copyLock(existing)}, nil
}

// Steal reassigns the lock regardless of expiry when force is set;
// otherwise it behaves like Acquire against an expired lock.
func (m *MemoryManager) Steal(ctx context.Context, nodeID, userID string, force bool) (Result, error) {
	if !force {
		return m.Acquire(ctx, nodeID, userID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	l := &NodeLock{
		NodeID:     nodeID,
		UserID:     userID,
		LockID:     util.NewID("lock"),
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.ttl),
	}
	if existing, ok := m.locks[nodeID]; ok && existing.UserID != userID {
		l.StolenFrom = existing.UserID
	}
	m.locks[nodeID] = l
	return Result{Success: true, Lock: copyLock(l)}, nil
}

func (m *MemoryManager) Get(_ context.Context, nodeID string) (*NodeLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.locks[nodeID]
	if !ok || !existing.ExpiresAt.After(m.clock.Now()) {
		return nil, nil
	}
	return copyLock(existing), nil
}

func (m *MemoryManager) LocksByUser(_ context.Context, userID string) ([]NodeLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	var out []NodeLock
	for _, l := range m.locks {
		if l.UserID == userID && l.ExpiresAt.After(now) {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (m *MemoryManager) ReleaseAll(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for nodeID, l := range m.locks {
		if l.UserID == userID {
			delete(m.locks, nodeID)
		}
	}
	return nil
}

func copyLock(l *NodeLock) *NodeLock {
	c := *l
	return &c
}
