package graph

import "fmt"

// Apply mutates g with op and bumps the version counter. It is the single
// interpretation of the operation vocabulary shared by the server store, the
// merge replica and the optimistic overlay.
//
// Apply is deliberately tolerant: updating or deleting an entity that no
// longer exists, and adding an edge whose endpoints are gone or whose id has
// been invalidated by the resolver, are silent no-ops. Overlay rebuilds
// replay pending operations over a base that remote operations may already
// have changed, so strict application would fail exactly when it matters
// most. The version still advances so histories stay aligned across peers.
func Apply(g *Graph, op Operation) error {
	if op.Payload == nil {
		return fmt.Errorf("operation %s: nil payload", op.ID)
	}
	if pt, ok := TypeOf(op.Payload); !ok || (op.Type != "" && pt != op.Type) {
		return fmt.Errorf("operation %s: type %q does not match payload", op.ID, op.Type)
	}

	switch p := op.Payload.(type) {
	case AddNode:
		applyAddNode(g, p)
	case DeleteNode:
		applyDeleteNode(g, p)
	case UpdateNode:
		applyUpdateNode(g, p)
	case AddEdge:
		applyAddEdge(g, p)
	case DeleteEdge:
		applyDeleteEdge(g, p)
	case UpdateMetadata:
		applyUpdateMetadata(g, p)
	default:
		return fmt.Errorf("operation %s: unknown payload %T", op.ID, op.Payload)
	}

	g.Version++
	return nil
}

func applyAddNode(g *Graph, p AddNode) {
	if p.Node.ID == "" {
		return
	}
	g.Nodes[p.Node.ID] = Node{ID: p.Node.ID, Data: cloneMap(p.Node.Data)}
}

// applyDeleteNode removes the node and every incident edge, so no edge can
// ever dangle against a deleted endpoint.
func applyDeleteNode(g *Graph, p DeleteNode) {
	if p.NodeID == "" {
		return
	}
	delete(g.Nodes, p.NodeID)
	kept := g.Edges[:0]
	for _, e := range g.Edges {
		if e.Source != p.NodeID && e.Target != p.NodeID {
			kept = append(kept, e)
		}
	}
	g.Edges = kept
}

// applyUpdateNode shallow-merges updates into the node data: last write wins
// per field, untouched fields survive. A nil value removes the field, in the
// manner of a JSON merge patch; undo relies on this to retract fields an
// earlier update introduced.
func applyUpdateNode(g *Graph, p UpdateNode) {
	node, ok := g.Nodes[p.NodeID]
	if !ok {
		return
	}
	if node.Data == nil {
		node.Data = make(map[string]any, len(p.Updates))
	}
	for k, v := range p.Updates {
		if v == nil {
			delete(node.Data, k)
			continue
		}
		node.Data[k] = v
	}
	g.Nodes[p.NodeID] = node
}

func applyAddEdge(g *Graph, p AddEdge) {
	e := p.Edge
	if e.ID == "" {
		return
	}
	if _, ok := g.Nodes[e.Source]; !ok {
		return
	}
	if _, ok := g.Nodes[e.Target]; !ok {
		return
	}
	for i, existing := range g.Edges {
		if existing.ID == e.ID {
			g.Edges[i] = Edge{ID: e.ID, Source: e.Source, Target: e.Target, Data: cloneMap(e.Data)}
			return
		}
	}
	g.Edges = append(g.Edges, Edge{ID: e.ID, Source: e.Source, Target: e.Target, Data: cloneMap(e.Data)})
}

func applyDeleteEdge(g *Graph, p DeleteEdge) {
	if p.EdgeID == "" {
		return
	}
	kept := g.Edges[:0]
	for _, e := range g.Edges {
		if e.ID != p.EdgeID {
			kept = append(kept, e)
		}
	}
	g.Edges = kept
}

func applyUpdateMetadata(g *Graph, p UpdateMetadata) {
	if g.Metadata == nil {
		g.Metadata = make(map[string]any, len(p.Updates))
	}
	for k, v := range p.Updates {
		if v == nil {
			delete(g.Metadata, k)
			continue
		}
		g.Metadata[k] = v
	}
}
