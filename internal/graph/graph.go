// Package graph defines the shared node/edge document model and the single
// operation vocabulary used by the transform resolver, the merge replica and
// the optimistic overlay. All three interpret operations through the same
// Apply function so their views of a document can never diverge in meaning.
package graph

type Node struct {
	ID   string         `json:"id"`
	Data map[string]any `json:"data,omitempty"`
}

type Edge struct {
	ID     string         `json:"id"`
	Source string         `json:"source"`
	Target string         `json:"target"`
	Data   map[string]any `json:"data,omitempty"`
}

// Graph is a mutable node/edge document. Version is monotonically
// non-decreasing and increments once per applied operation.
type Graph struct {
	Nodes    map[string]Node `json:"nodes"`
	Edges    []Edge          `json:"edges"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	Version  int64           `json:"version"`
}

func NewGraph() *Graph {
	return &Graph{
		Nodes:    make(map[string]Node),
		Edges:    []Edge{},
		Metadata: make(map[string]any),
	}
}

// Clone returns a deep copy. Apply mutates in place, so any caller that
// needs an untouched base works on a clone.
func (g *Graph) Clone() *Graph {
	out := &Graph{
		Nodes:    make(map[string]Node, len(g.Nodes)),
		Edges:    make([]Edge, 0, len(g.Edges)),
		Metadata: cloneMap(g.Metadata),
		Version:  g.Version,
	}
	for id, n := range g.Nodes {
		out.Nodes[id] = Node{ID: n.ID, Data: cloneMap(n.Data)}
	}
	for _, e := range g.Edges {
		out.Edges = append(out.Edges, Edge{ID: e.ID, Source: e.Source, Target: e.Target, Data: cloneMap(e.Data)})
	}
	return out
}

// EdgeByID returns the edge with the given id, if present.
func (g *Graph) EdgeByID(id string) (Edge, bool) {
	for _, e := range g.Edges {
		if e.ID == id {
			return e, true
		}
	}
	return Edge{}, false
}

// IncidentEdges returns the edges whose source or target is nodeID.
func (g *Graph) IncidentEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.Source == nodeID || e.Target == nodeID {
			out = append(out, e)
		}
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
