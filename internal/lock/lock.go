// Package lock provides advisory per-node mutual exclusion. A denial is
// feedback, not enforcement: the resolver and the merge replica accept
// conflicting edits regardless; locks only reduce how often they have to.
package lock

import (
	"context"
	"time"
)

const (
	DefaultTTL           = 30 * time.Second
	DefaultSweepInterval = 10 * time.Second
)

// NodeLock records lock ownership. An expired lock is logically absent and
// may be silently replaced.
type NodeLock struct {
	NodeID     string    `json:"nodeId"`
	UserID     string    `json:"userId"`
	LockID     string    `json:"lockId"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	RenewCount int       `json:"renewCount"`
	StolenFrom string    `json:"stolenFrom,omitempty"`
}

// Reasons carried by denial results.
const (
	ReasonLockedByOther = "locked_by_other"
	ReasonNotOwner      = "not_owner"
	ReasonNotLocked     = "not_locked"
)

// Result is the advisory answer to a lock request. RetryAfter is populated
// on denial with the remaining time on the competing lock.
type Result struct {
	Success    bool          `json:"success"`
	Lock       *NodeLock     `json:"lock,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
}

// Manager is the advisory lock table. Implementations must keep the
// invariant that at most one non-expired lock exists per node id.
type Manager interface {
	Acquire(ctx context.Context, nodeID, userID string) (Result, error)
	Release(ctx context.Context, nodeID, userID string) error
	Renew(ctx context.Context, nodeID, userID string) (Result, error)
	Steal(ctx context.Context, nodeID, userID string, force bool) (Result, error)
	Get(ctx context.Context, nodeID string) (*NodeLock, error)
	LocksByUser(ctx context.Context, userID string) ([]NodeLock, error)
	ReleaseAll(ctx context.Context, userID string) error
}
