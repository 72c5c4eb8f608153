// Package optimistic applies local operations before server or peer
// confirmation and keeps an exact rollback path. The overlay graph is always
// base + pending operations replayed in timestamp order; it is rebuilt from
// scratch whenever a confirm, reject or remote fold changes the picture, so
// the projection can never drift from its definition.
package optimistic

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/madfam-io/sim4d-sub005/internal/clock"
	"github.com/madfam-io/sim4d-sub005/internal/graph"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusRejected   Status = "rejected"
	StatusConflicted Status = "conflicted"
)

// RollbackReason tells the rollback callback why a pending operation was
// discarded.
type RollbackReason string

const (
	ReasonRejected   RollbackReason = "rejected"
	ReasonConflicted RollbackReason = "conflicted"
)

type PendingOperation struct {
	Operation    graph.Operation
	AppliedAt    time.Time
	Status       Status
	ConflictWith string
}

// RollbackFunc is invoked whenever a pending operation is discarded, so a
// rollback is always user-visible and never a silent loss.
type RollbackFunc func(op PendingOperation, reason RollbackReason)

type Manager struct {
	mu         sync.Mutex
	base       *graph.Graph
	overlay    *graph.Graph
	pending    []PendingOperation
	clock      clock.Clock
	onRollback RollbackFunc
}

type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func WithRollback(fn RollbackFunc) Option {
	return func(m *Manager) { m.onRollback = fn }
}

// New builds a manager over a base graph. The manager owns only derived
// state: the base is cloned, never shared with the caller afterwards.
func New(base *graph.Graph, opts ...Option) *Manager {
	if base == nil {
		base = graph.NewGraph()
	}
	m := &Manager{
		base:  base.Clone(),
		clock: clock.Real(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.overlay = m.base.Clone()
	return m
}

// ApplyOptimistic records op as pending and returns the refreshed overlay.
func (m *Manager) ApplyOptimistic(op graph.Operation) *graph.Graph {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, PendingOperation{
		Operation: op,
		AppliedAt: m.clock.Now(),
		Status:    StatusPending,
	})
	m.rebuildLocked()
	return m.overlay.Clone()
}

// ConfirmOperation removes the matching pending operation and folds the
// authoritative form into the base. The server may have rewritten the
// payload while resolving concurrent edits, so the base takes applied, not
// the locally recorded operation.
func (m *Manager) ConfirmOperation(applied graph.Operation) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexLocked(applied.ID)
	if i < 0 {
		return false
	}
	if err := graph.Apply(m.base, applied); err != nil {
		log.Printf("optimistic: confirm %s apply failed: %v", applied.ID, err)
	}
	m.pending = append(m.pending[:i:i], m.pending[i+1:]...)
	m.rebuildLocked()
	return true
}

// RejectOperation discards the identified pending operation and rebuilds
// the overlay from base + remaining pending.
func (m *Manager) RejectOperation(id string) bool {
	m.mu.Lock()
	i := m.indexLocked(id)
	if i < 0 {
		m.mu.Unlock()
		return false
	}
	entry := m.pending[i]
	entry.Status = StatusRejected
	m.pending = append(m.pending[:i:i], m.pending[i+1:]...)
	m.rebuildLocked()
	cb := m.onRollback
	m.mu.Unlock()

	if cb != nil {
		cb(entry, ReasonRejected)
	}
	return true
}

// ApplyRemoteOperation folds a remote operation into the base, demotes and
// discards any pending operation that touches the same entity, and rebuilds
// the overlay. The demoted set is returned.
func (m *Manager) ApplyRemoteOperation(op graph.Operation) []PendingOperation {
	m.mu.Lock()
	if err := graph.Apply(m.base, op); err != nil {
		log.Printf("optimistic: remote %s apply failed: %v", op.ID, err)
	}

	var demoted []PendingOperation
	kept := m.pending[:0]
	for _, entry := range m.pending {
		if entry.Operation.UserID != op.UserID && touchesSameEntity(entry.Operation, op) {
			entry.Status = StatusConflicted
			entry.ConflictWith = op.ID
			demoted = append(demoted, entry)
			continue
		}
		kept = append(kept, entry)
	}
	m.pending = kept
	m.rebuildLocked()
	cb := m.onRollback
	m.mu.Unlock()

	if cb != nil {
		for _, entry := range demoted {
			cb(entry, ReasonConflicted)
		}
	}
	return demoted
}

// Overlay returns the current derived projection.
func (m *Manager) Overlay() *graph.Graph {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overlay.Clone()
}

// Base returns the confirmed graph without the pending overlay.
func (m *Manager) Base() *graph.Graph {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.base.Clone()
}

// ResetBase replaces the base graph (document:sync) and rebuilds.
func (m *Manager) ResetBase(g *graph.Graph) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.base = g.Clone()
	m.rebuildLocked()
}

func (m *Manager) Pending() []PendingOperation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PendingOperation(nil), m.pending...)
}

func (m *Manager) indexLocked(id string) int {
	for i, entry := range m.pending {
		if entry.Operation.ID == id {
			return i
		}
	}
	return -1
}

// rebuildLocked recomputes overlay = base + pending in ascending timestamp
// order (ties by operation id).
func (m *Manager) rebuildLocked() {
	replay := append([]PendingOperation(nil), m.pending...)
	sort.SliceStable(replay, func(i, j int) bool {
		a, b := replay[i].Operation, replay[j].Operation
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		return a.ID < b.ID
	})
	overlay := m.base.Clone()
	for _, entry := range replay {
		if err := graph.Apply(overlay, entry.Operation); err != nil {
			log.Printf("optimistic: replay %s failed: %v", entry.Operation.ID, err)
		}
	}
	m.overlay = overlay
}

// touchesSameEntity reports whether two operations mutate the same node,
// edge, or the document metadata.
func touchesSameEntity(a, b graph.Operation) bool {
	an, ae, am := entityOf(a.Payload)
	bn, be, bm := entityOf(b.Payload)
	if am && bm {
		return true
	}
	if an != "" && an == bn {
		return true
	}
	if ae != "" && ae == be {
		return true
	}
	// A node delete also collides with edges anchored on that node.
	if del, ok := b.Payload.(graph.DeleteNode); ok {
		if add, ok := a.Payload.(graph.AddEdge); ok && (add.Edge.Source == del.NodeID || add.Edge.Target == del.NodeID) {
			return true
		}
	}
	return false
}

func entityOf(p graph.Payload) (nodeID, edgeID string, metadata bool) {
	switch v := p.(type) {
	case graph.AddNode:
		return v.Node.ID, "", false
	case graph.DeleteNode:
		return v.NodeID, "", false
	case graph.UpdateNode:
		return v.NodeID, "", false
	case graph.AddEdge:
		return "", v.Edge.ID, false
	case graph.DeleteEdge:
		return "", v.EdgeID, false
	case graph.UpdateMetadata:
		return "", "", true
	}
	return "", "", false
}
