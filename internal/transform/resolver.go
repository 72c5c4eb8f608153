// Package transform implements the server-side operational-transform
// resolver: a freshly submitted operation is rewritten against the history
// of operations already applied to the document so it can be applied and
// broadcast safely, and conflicts are reported separately for observability.
package transform

import (
	"log"

	"github.com/madfam-io/sim4d-sub005/internal/graph"
)

// Conflict describes two valid operations from different users touching the
// same entity. It is not an error: resolution is deterministic and the
// losing side is only notified.
type ConflictKind string

const (
	ConflictUpdateUpdate ConflictKind = "update_update"
	ConflictDeleteUpdate ConflictKind = "delete_update"
	ConflictAddAdd       ConflictKind = "add_add"
)

type Conflict struct {
	Kind        ConflictKind `json:"kind"`
	NodeID      string       `json:"nodeId"`
	OperationID string       `json:"operationId"`
	WithID      string       `json:"withId"`
	WinnerID    string       `json:"winnerId"`
	LoserUserID string       `json:"loserUserId"`
}

type Resolver struct{}

func NewResolver() *Resolver {
	return &Resolver{}
}

// Transform rewrites op against every prior operation in history from a
// different user on the same document, applying the pairwise rules keyed by
// (type(op), type(prior)). A failure inside a rule never rejects the
// operation: the untransformed operation is returned instead, trading strict
// correctness for availability.
func (r *Resolver) Transform(op graph.Operation, history []graph.Operation) (out graph.Operation) {
	out = op
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("transform: recovered from rule panic on op %s: %v", op.ID, rec)
			out = op
		}
	}()

	for _, prior := range history {
		if prior.UserID == op.UserID || prior.DocumentID != op.DocumentID {
			continue
		}
		out = transformPair(out, prior)
	}
	return out
}

func transformPair(op, prior graph.Operation) graph.Operation {
	switch p := op.Payload.(type) {
	case graph.AddNode:
		if pp, ok := prior.Payload.(graph.AddNode); ok && p.Node.ID == pp.Node.ID && p.Node.ID != "" {
			return rekeyedAddNode(op, p, prior)
		}
	case graph.UpdateNode:
		switch pp := prior.Payload.(type) {
		case graph.UpdateNode:
			if p.NodeID == pp.NodeID {
				return mergedUpdate(op, p, prior, pp)
			}
		case graph.DeleteNode:
			if p.NodeID == pp.NodeID {
				// Delete wins; the update stays in history as a no-op.
				op.Payload = graph.UpdateNode{NodeID: p.NodeID, Updates: map[string]any{}}
				return op
			}
		}
	case graph.DeleteNode:
		// Delete wins over concurrent updates in either order: unchanged.
	case graph.AddEdge:
		switch pp := prior.Payload.(type) {
		case graph.DeleteNode:
			if p.Edge.Source == pp.NodeID || p.Edge.Target == pp.NodeID {
				// Endpoint is gone: invalidate, downstream treats an empty
				// id as a no-op.
				p.Edge.ID = ""
				op.Payload = p
				return op
			}
		case graph.AddEdge:
			if p.Edge.ID != "" && p.Edge.ID == pp.Edge.ID {
				return rekeyedAddEdge(op, p, prior)
			}
		}
	}
	return op
}

// rekeyedAddNode resolves a same-id ADD_NODE collision: the newer timestamp
// keeps the id, the older is re-keyed with a derived id.
func rekeyedAddNode(op graph.Operation, p graph.AddNode, prior graph.Operation) graph.Operation {
	if newerWins(op, prior) {
		return op
	}
	p.Node.ID = p.Node.ID + "_" + op.UserID
	op.Payload = p
	return op
}

func rekeyedAddEdge(op graph.Operation, p graph.AddEdge, prior graph.Operation) graph.Operation {
	if newerWins(op, prior) {
		return op
	}
	p.Edge.ID = p.Edge.ID + "_" + op.UserID
	op.Payload = p
	return op
}

// mergedUpdate resolves concurrent UPDATE_NODE operations on the same node:
// the newer timestamp's fields win, the older contributes only the fields
// the newer one does not touch.
func mergedUpdate(op graph.Operation, p graph.UpdateNode, prior graph.Operation, pp graph.UpdateNode) graph.Operation {
	merged := make(map[string]any, len(p.Updates)+len(pp.Updates))
	if newerWins(op, prior) {
		for k, v := range pp.Updates {
			merged[k] = v
		}
		for k, v := range p.Updates {
			merged[k] = v
		}
	} else {
		for k, v := range p.Updates {
			if _, taken := pp.Updates[k]; !taken {
				merged[k] = v
			}
		}
	}
	op.Payload = graph.UpdateNode{NodeID: p.NodeID, Updates: merged}
	return op
}

// newerWins reports whether op beats prior under the deterministic
// (timestamp, user id) order. Timestamps are client wall clocks, so the user
// id tie-break only removes nondeterminism, it does not correct skew.
func newerWins(op, prior graph.Operation) bool {
	if op.Timestamp != prior.Timestamp {
		return op.Timestamp > prior.Timestamp
	}
	return op.UserID > prior.UserID
}

// DetectConflicts reports every conflicting (op, prior) pair: UPDATE/UPDATE,
// DELETE/UPDATE in either order, and ADD/ADD on the same node id across
// users. The winner is always the operation with the larger timestamp.
func (r *Resolver) DetectConflicts(op graph.Operation, history []graph.Operation) []Conflict {
	var conflicts []Conflict
	for _, prior := range history {
		if prior.UserID == op.UserID || prior.DocumentID != op.DocumentID {
			continue
		}
		kind, nodeID, ok := conflictBetween(op, prior)
		if !ok {
			continue
		}
		winner, loserUser := op.ID, prior.UserID
		if !newerWins(op, prior) {
			winner, loserUser = prior.ID, op.UserID
		}
		conflicts = append(conflicts, Conflict{
			Kind:        kind,
			NodeID:      nodeID,
			OperationID: op.ID,
			WithID:      prior.ID,
			WinnerID:    winner,
			LoserUserID: loserUser,
		})
	}
	return conflicts
}

func conflictBetween(a, b graph.Operation) (ConflictKind, string, bool) {
	nodeOf := func(p graph.Payload) (string, category) {
		switch v := p.(type) {
		case graph.AddNode:
			return v.Node.ID, catAdd
		case graph.UpdateNode:
			return v.NodeID, catUpdate
		case graph.DeleteNode:
			return v.NodeID, catDelete
		}
		return "", catNone
	}
	aID, aCat := nodeOf(a.Payload)
	bID, bCat := nodeOf(b.Payload)
	if aID == "" || aID != bID {
		return "", "", false
	}
	switch {
	case aCat == catUpdate && bCat == catUpdate:
		return ConflictUpdateUpdate, aID, true
	case (aCat == catDelete && bCat == catUpdate) || (aCat == catUpdate && bCat == catDelete):
		return ConflictDeleteUpdate, aID, true
	case aCat == catAdd && bCat == catAdd:
		return ConflictAddAdd, aID, true
	}
	return "", "", false
}

type category int

const (
	catNone category = iota
	catAdd
	catUpdate
	catDelete
)
