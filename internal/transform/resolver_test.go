package transform

import (
	"testing"

	"github.com/madfam-io/sim4d-sub005/internal/graph"
)

func mkOp(id, user string, ts int64, p graph.Payload) graph.Operation {
	t, _ := graph.TypeOf(p)
	return graph.Operation{ID: id, Type: t, UserID: user, DocumentID: "doc-1", Timestamp: ts, Payload: p}
}

func TestTransformDisjointOperationsUntouched(t *testing.T) {
	r := NewResolver()
	op := mkOp("a", "user-a", 100, graph.UpdateNode{NodeID: "n1", Updates: map[string]any{"width": 20}})
	history := []graph.Operation{
		mkOp("b", "user-b", 90, graph.UpdateNode{NodeID: "n2", Updates: map[string]any{"width": 5}}),
		mkOp("c", "user-b", 95, graph.DeleteNode{NodeID: "n3"}),
	}
	got := r.Transform(op, history)
	if got.Payload.(graph.UpdateNode).Updates["width"] != 20 {
		t.Fatalf("disjoint operations must not alter each other: %+v", got)
	}
}

func TestTransformSameUserSkipped(t *testing.T) {
	r := NewResolver()
	op := mkOp("a", "user-a", 100, graph.UpdateNode{NodeID: "n1", Updates: map[string]any{"width": 20}})
	history := []graph.Operation{
		mkOp("b", "user-a", 200, graph.DeleteNode{NodeID: "n1"}),
	}
	got := r.Transform(op, history)
	if len(got.Payload.(graph.UpdateNode).Updates) != 1 {
		t.Fatalf("operations from the same user must not transform: %+v", got)
	}
}

func TestTransformAddNodeCollision(t *testing.T) {
	r := NewResolver()
	newer := mkOp("a", "user-a", 200, graph.AddNode{Node: graph.Node{ID: "n1"}})
	older := mkOp("b", "user-b", 100, graph.AddNode{Node: graph.Node{ID: "n1"}})

	got := r.Transform(newer, []graph.Operation{older})
	if got.Payload.(graph.AddNode).Node.ID != "n1" {
		t.Fatalf("newer add must win unchanged, got %+v", got)
	}

	got = r.Transform(older, []graph.Operation{newer})
	if want := "n1_user-b"; got.Payload.(graph.AddNode).Node.ID != want {
		t.Fatalf("older add must be re-keyed to %q, got %+v", want, got)
	}
}

func TestTransformUpdateUpdateMergesUniqueFields(t *testing.T) {
	r := NewResolver()
	widthOp := mkOp("a", "user-a", 100, graph.UpdateNode{NodeID: "n1", Updates: map[string]any{"width": 20, "color": "red"}})
	heightOp := mkOp("b", "user-b", 101, graph.UpdateNode{NodeID: "n1", Updates: map[string]any{"height": 30, "color": "blue"}})

	// Newer incoming: keeps its own fields, folds in the older's unique ones.
	got := r.Transform(heightOp, []graph.Operation{widthOp})
	u := got.Payload.(graph.UpdateNode).Updates
	if u["height"] != 30 || u["width"] != 20 || u["color"] != "blue" {
		t.Fatalf("newer update merge wrong: %+v", u)
	}

	// Older incoming: overlapping fields stripped, unique fields survive.
	got = r.Transform(widthOp, []graph.Operation{heightOp})
	u = got.Payload.(graph.UpdateNode).Updates
	if u["width"] != 20 {
		t.Fatalf("unique field of older update must survive: %+v", u)
	}
	if _, ok := u["color"]; ok {
		t.Fatalf("overlapping field of older update must be dropped: %+v", u)
	}
}

func TestTransformTieBreakDeterminism(t *testing.T) {
	r := NewResolver()
	a := mkOp("a", "user-a", 100, graph.UpdateNode{NodeID: "n1", Updates: map[string]any{"color": "red"}})
	b := mkOp("b", "user-b", 100, graph.UpdateNode{NodeID: "n1", Updates: map[string]any{"color": "blue"}})

	// user-b > user-a lexicographically, so b wins on equal timestamps.
	got := r.Transform(a, []graph.Operation{b})
	if _, ok := got.Payload.(graph.UpdateNode).Updates["color"]; ok {
		t.Fatalf("loser of the tie-break must drop overlapping fields: %+v", got)
	}
	got = r.Transform(b, []graph.Operation{a})
	if got.Payload.(graph.UpdateNode).Updates["color"] != "blue" {
		t.Fatalf("winner of the tie-break must keep its fields: %+v", got)
	}
}

func TestTransformUpdateLosesToDelete(t *testing.T) {
	r := NewResolver()
	update := mkOp("a", "user-a", 200, graph.UpdateNode{NodeID: "n1", Updates: map[string]any{"width": 20}})
	del := mkOp("b", "user-b", 100, graph.DeleteNode{NodeID: "n1"})

	got := r.Transform(update, []graph.Operation{del})
	u := got.Payload.(graph.UpdateNode).Updates
	if len(u) != 0 {
		t.Fatalf("update against prior delete must become a no-op, got %+v", u)
	}

	// The reverse order: the delete is unchanged.
	got = r.Transform(del, []graph.Operation{update})
	if got.Payload.(graph.DeleteNode).NodeID != "n1" {
		t.Fatalf("delete must win unchanged, got %+v", got)
	}
}

func TestTransformAddEdgeAgainstDeletedNode(t *testing.T) {
	r := NewResolver()
	add := mkOp("a", "user-a", 200, graph.AddEdge{Edge: graph.Edge{ID: "e1", Source: "n1", Target: "n2"}})
	del := mkOp("b", "user-b", 100, graph.DeleteNode{NodeID: "n2"})

	got := r.Transform(add, []graph.Operation{del})
	if got.Payload.(graph.AddEdge).Edge.ID != "" {
		t.Fatalf("edge referencing a deleted node must be invalidated, got %+v", got)
	}
}

func TestTransformAddEdgeCollision(t *testing.T) {
	r := NewResolver()
	older := mkOp("a", "user-a", 100, graph.AddEdge{Edge: graph.Edge{ID: "e1", Source: "n1", Target: "n2"}})
	newer := mkOp("b", "user-b", 200, graph.AddEdge{Edge: graph.Edge{ID: "e1", Source: "n3", Target: "n4"}})

	got := r.Transform(older, []graph.Operation{newer})
	if want := "e1_user-a"; got.Payload.(graph.AddEdge).Edge.ID != want {
		t.Fatalf("older colliding edge must be re-keyed to %q, got %+v", want, got)
	}
}

func TestDetectConflicts(t *testing.T) {
	r := NewResolver()
	op := mkOp("a", "user-a", 100, graph.UpdateNode{NodeID: "n1", Updates: map[string]any{"width": 20}})
	history := []graph.Operation{
		mkOp("b", "user-b", 101, graph.UpdateNode{NodeID: "n1", Updates: map[string]any{"height": 30}}),
		mkOp("c", "user-b", 50, graph.UpdateNode{NodeID: "n2", Updates: map[string]any{"x": 1}}),
		mkOp("d", "user-a", 200, graph.DeleteNode{NodeID: "n1"}),
	}
	conflicts := r.DetectConflicts(op, history)
	if len(conflicts) != 1 {
		t.Fatalf("expected exactly one conflict, got %+v", conflicts)
	}
	c := conflicts[0]
	if c.Kind != ConflictUpdateUpdate || c.NodeID != "n1" {
		t.Fatalf("unexpected conflict: %+v", c)
	}
	if c.WinnerID != "b" || c.LoserUserID != "user-a" {
		t.Fatalf("larger timestamp must win: %+v", c)
	}
}

func TestDetectConflictsDeleteUpdateAndAddAdd(t *testing.T) {
	r := NewResolver()
	del := mkOp("a", "user-a", 200, graph.DeleteNode{NodeID: "n1"})
	upd := []graph.Operation{mkOp("b", "user-b", 100, graph.UpdateNode{NodeID: "n1", Updates: map[string]any{"w": 1}})}
	if got := r.DetectConflicts(del, upd); len(got) != 1 || got[0].Kind != ConflictDeleteUpdate {
		t.Fatalf("expected delete/update conflict, got %+v", got)
	}

	add := mkOp("c", "user-a", 100, graph.AddNode{Node: graph.Node{ID: "n9"}})
	prior := []graph.Operation{mkOp("d", "user-b", 200, graph.AddNode{Node: graph.Node{ID: "n9"}})}
	got := r.DetectConflicts(add, prior)
	if len(got) != 1 || got[0].Kind != ConflictAddAdd || got[0].WinnerID != "d" {
		t.Fatalf("expected add/add conflict won by d, got %+v", got)
	}
}
