package replica

import (
	"github.com/madfam-io/sim4d-sub005/internal/graph"
	"github.com/madfam-io/sim4d-sub005/internal/util"
)

const defaultHistoryLimit = 100

// history is the bounded undo/redo log. It covers the local actor's own
// changes only; remote operations never enter it.
type history struct {
	limit int
	undo  []historyEntry
	redo  []historyEntry
}

type historyEntry struct {
	op      graph.Operation
	inverse []graph.Payload
}

func newHistory(limit int) *history {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &history{limit: limit}
}

func (h *history) record(op graph.Operation, inverse []graph.Payload) {
	h.undo = append(h.undo, historyEntry{op: op, inverse: inverse})
	if len(h.undo) > h.limit {
		h.undo = h.undo[len(h.undo)-h.limit:]
	}
	h.redo = nil
}

func (h *history) reset() {
	h.undo = nil
	h.redo = nil
}

// inverseOf captures the payloads that revert op against the current
// projection. Called before the operation is applied.
func (r *Replica) inverseOf(op graph.Operation) ([]graph.Payload, bool) {
	current := r.toGraphLocked()
	switch p := op.Payload.(type) {
	case graph.AddNode:
		if prev, ok := current.Nodes[p.Node.ID]; ok {
			return []graph.Payload{graph.AddNode{Node: prev}}, true
		}
		return []graph.Payload{graph.DeleteNode{NodeID: p.Node.ID}}, true
	case graph.DeleteNode:
		prev, ok := current.Nodes[p.NodeID]
		if !ok {
			return nil, false
		}
		inv := []graph.Payload{graph.AddNode{Node: prev}}
		for _, e := range current.IncidentEdges(p.NodeID) {
			inv = append(inv, graph.AddEdge{Edge: e})
		}
		return inv, true
	case graph.UpdateNode:
		prev, ok := current.Nodes[p.NodeID]
		if !ok {
			return nil, false
		}
		restore := make(map[string]any, len(p.Updates))
		for k := range p.Updates {
			// A field the update introduced restores as nil, which
			// retracts it on apply.
			restore[k] = prev.Data[k]
		}
		return []graph.Payload{graph.UpdateNode{NodeID: p.NodeID, Updates: restore}}, true
	case graph.AddEdge:
		if prev, ok := current.EdgeByID(p.Edge.ID); ok {
			return []graph.Payload{graph.AddEdge{Edge: prev}}, true
		}
		return []graph.Payload{graph.DeleteEdge{EdgeID: p.Edge.ID}}, true
	case graph.DeleteEdge:
		prev, ok := current.EdgeByID(p.EdgeID)
		if !ok {
			return nil, false
		}
		return []graph.Payload{graph.AddEdge{Edge: prev}}, true
	case graph.UpdateMetadata:
		restore := make(map[string]any, len(p.Updates))
		for k := range p.Updates {
			restore[k] = current.Metadata[k]
		}
		return []graph.Payload{graph.UpdateMetadata{Updates: restore}}, true
	}
	return nil, false
}

// Undo reverts the local actor's most recent change, applying the inverse
// as fresh local operations. The emitted operations are returned so callers
// can broadcast them like any other local mutation.
func (r *Replica) Undo() ([]graph.Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.hist.undo) == 0 {
		return nil, false
	}
	entry := r.hist.undo[len(r.hist.undo)-1]
	r.hist.undo = r.hist.undo[:len(r.hist.undo)-1]

	redoInverse, _ := r.inverseOf(entry.op)
	ops := r.emitLocked(entry.op.DocumentID, entry.inverse)
	r.hist.redo = append(r.hist.redo, historyEntry{op: entry.op, inverse: redoInverse})
	return ops, true
}

// Redo re-applies the most recently undone change.
func (r *Replica) Redo() ([]graph.Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.hist.redo) == 0 {
		return nil, false
	}
	entry := r.hist.redo[len(r.hist.redo)-1]
	r.hist.redo = r.hist.redo[:len(r.hist.redo)-1]

	op := entry.op
	op.ID = util.NewID("op")
	op.Timestamp = r.nowMillis()
	r.applyLocked(op)
	r.hist.undo = append(r.hist.undo, historyEntry{op: op, inverse: entry.inverse})
	return []graph.Operation{op}, true
}

func (r *Replica) emitLocked(documentID string, payloads []graph.Payload) []graph.Operation {
	ops := make([]graph.Operation, 0, len(payloads))
	for _, p := range payloads {
		t, ok := graph.TypeOf(p)
		if !ok {
			continue
		}
		op := graph.Operation{
			ID:         util.NewID("op"),
			Type:       t,
			UserID:     r.actor,
			DocumentID: documentID,
			Timestamp:  r.nowMillis(),
			Payload:    p,
		}
		r.applyLocked(op)
		ops = append(ops, op)
	}
	return ops
}
