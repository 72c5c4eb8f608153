// Package replica maintains a merge-based (conflict-free) copy of a graph
// document. Local mutations go through the shared operation vocabulary;
// replicas exchange opaque snapshots and converge to identical node/edge
// content regardless of delivery order. Underlying primitives are
// last-writer-wins registers with tombstones, keyed by (timestamp, actor)
// so merges are commutative, associative and idempotent.
package replica

import (
	"fmt"
	"sync"
	"time"

	"github.com/madfam-io/sim4d-sub005/internal/clock"
	"github.com/madfam-io/sim4d-sub005/internal/graph"
)

// stamp orders writes. Ties on the wall-clock millisecond are broken by
// actor id, deterministically on every replica; ties within one actor are
// broken by that actor's own write sequence, so back-to-back writes in the
// same millisecond keep their order.
type stamp struct {
	Ts    int64  `json:"ts"`
	Seq   uint64 `json:"seq"`
	Actor string `json:"actor"`
}

func (s stamp) newer(o stamp) bool {
	if s.Ts != o.Ts {
		return s.Ts > o.Ts
	}
	if s.Actor != o.Actor {
		return s.Actor > o.Actor
	}
	return s.Seq > o.Seq
}

type register struct {
	Value any   `json:"value"`
	Stamp stamp `json:"stamp"`
}

func (r *register) set(v any, at stamp) {
	if at.newer(r.Stamp) || (r.Stamp == stamp{}) {
		r.Value = v
		r.Stamp = at
	}
}

func (r *register) merge(o register) {
	if o.Stamp.newer(r.Stamp) {
		*r = o
	}
}

type nodeState struct {
	Alive  register            `json:"alive"`
	Fields map[string]register `json:"fields"`
}

type edgeState struct {
	Source string              `json:"source"`
	Target string              `json:"target"`
	Alive  register            `json:"alive"`
	Fields map[string]register `json:"fields"`
}

type state struct {
	Nodes map[string]*nodeState `json:"nodes"`
	Edges map[string]*edgeState `json:"edges"`
	Meta  map[string]register   `json:"meta"`
}

func newState() state {
	return state{
		Nodes: make(map[string]*nodeState),
		Edges: make(map[string]*edgeState),
		Meta:  make(map[string]register),
	}
}

type Replica struct {
	mu      sync.Mutex
	actor   string
	clock   clock.Clock
	st      state
	seq     uint64
	applied int64
	hist    *history
}

type Option func(*Replica)

// WithClock injects the clock used to stamp undo/redo operations.
func WithClock(c clock.Clock) Option {
	return func(r *Replica) { r.clock = c }
}

// WithHistoryLimit bounds the local undo history (default 100).
func WithHistoryLimit(n int) Option {
	return func(r *Replica) { r.hist = newHistory(n) }
}

func New(actor string, opts ...Option) *Replica {
	r := &Replica{
		actor: actor,
		clock: clock.Real(),
		st:    newState(),
		hist:  newHistory(defaultHistoryLimit),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ApplyOperation mutates the replica with op. Operations originated by the
// local actor are recorded in the undo history; remote operations are not.
func (r *Replica) ApplyOperation(op graph.Operation) error {
	if op.Payload == nil {
		return fmt.Errorf("operation %s: nil payload", op.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if op.UserID == r.actor {
		if inv, ok := r.inverseOf(op); ok {
			r.hist.record(op, inv)
		}
	}
	r.applyLocked(op)
	return nil
}

func (r *Replica) applyLocked(op graph.Operation) {
	// One sequence per applied operation. Per-actor delivery is FIFO, so
	// every replica assigns an actor's same-millisecond writes sequence
	// numbers in the same relative order.
	r.seq++
	at := stamp{Ts: op.Timestamp, Seq: r.seq, Actor: op.UserID}
	switch p := op.Payload.(type) {
	case graph.AddNode:
		if p.Node.ID == "" {
			break
		}
		ns := r.nodeStateLocked(p.Node.ID)
		ns.Alive.set(true, at)
		for k, v := range p.Node.Data {
			f := ns.Fields[k]
			f.set(v, at)
			ns.Fields[k] = f
		}
	case graph.DeleteNode:
		if p.NodeID == "" {
			break
		}
		ns := r.nodeStateLocked(p.NodeID)
		ns.Alive.set(false, at)
		// Cascade: tombstone incident edges at the same stamp so a peer
		// merging this state sees the cascade, not a dangling edge.
		for _, es := range r.st.Edges {
			if es.Source == p.NodeID || es.Target == p.NodeID {
				es.Alive.set(false, at)
			}
		}
	case graph.UpdateNode:
		if p.NodeID == "" {
			break
		}
		ns := r.nodeStateLocked(p.NodeID)
		for k, v := range p.Updates {
			f := ns.Fields[k]
			f.set(v, at)
			ns.Fields[k] = f
		}
	case graph.AddEdge:
		if p.Edge.ID == "" {
			break
		}
		es, ok := r.st.Edges[p.Edge.ID]
		if !ok {
			es = &edgeState{Source: p.Edge.Source, Target: p.Edge.Target, Fields: make(map[string]register)}
			r.st.Edges[p.Edge.ID] = es
		}
		es.Alive.set(true, at)
		for k, v := range p.Edge.Data {
			f := es.Fields[k]
			f.set(v, at)
			es.Fields[k] = f
		}
	case graph.DeleteEdge:
		if p.EdgeID == "" {
			break
		}
		if es, ok := r.st.Edges[p.EdgeID]; ok {
			es.Alive.set(false, at)
		}
	case graph.UpdateMetadata:
		for k, v := range p.Updates {
			f := r.st.Meta[k]
			f.set(v, at)
			r.st.Meta[k] = f
		}
	}
	r.applied++
}

func (r *Replica) nodeStateLocked(id string) *nodeState {
	ns, ok := r.st.Nodes[id]
	if !ok {
		ns = &nodeState{Fields: make(map[string]register)}
		r.st.Nodes[id] = ns
	}
	return ns
}

// ToGraph projects the replica into the plain graph representation. Only
// live nodes appear; edges appear only when live themselves and anchored on
// two live nodes.
func (r *Replica) ToGraph() *graph.Graph {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.toGraphLocked()
}

func (r *Replica) toGraphLocked() *graph.Graph {
	g := graph.NewGraph()
	g.Version = r.applied
	g.Metadata = fieldValues(r.st.Meta)
	for id, ns := range r.st.Nodes {
		if !aliveValue(ns.Alive) {
			continue
		}
		g.Nodes[id] = graph.Node{ID: id, Data: fieldValues(ns.Fields)}
	}
	for id, es := range r.st.Edges {
		if !aliveValue(es.Alive) {
			continue
		}
		if src, ok := g.Nodes[es.Source]; !ok || src.ID == "" {
			continue
		}
		if dst, ok := g.Nodes[es.Target]; !ok || dst.ID == "" {
			continue
		}
		g.Edges = append(g.Edges, graph.Edge{ID: id, Source: es.Source, Target: es.Target, Data: fieldValues(es.Fields)})
	}
	return g
}

// FromGraph seeds the replica from a plain graph. Seed registers carry the
// zero stamp so any real operation overrides them.
func (r *Replica) FromGraph(g *graph.Graph) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.st = newState()
	seed := stamp{}
	for id, n := range g.Nodes {
		ns := &nodeState{Fields: make(map[string]register, len(n.Data))}
		ns.Alive = register{Value: true, Stamp: seed}
		for k, v := range n.Data {
			ns.Fields[k] = register{Value: v, Stamp: seed}
		}
		r.st.Nodes[id] = ns
	}
	for _, e := range g.Edges {
		es := &edgeState{Source: e.Source, Target: e.Target, Fields: make(map[string]register, len(e.Data))}
		es.Alive = register{Value: true, Stamp: seed}
		for k, v := range e.Data {
			es.Fields[k] = register{Value: v, Stamp: seed}
		}
		r.st.Edges[e.ID] = es
	}
	for k, v := range g.Metadata {
		r.st.Meta[k] = register{Value: v, Stamp: seed}
	}
	r.applied = g.Version
	r.hist.reset()
}

// merge folds another replica's state in, register by register.
func (r *Replica) mergeState(other state) {
	for id, ons := range other.Nodes {
		ns, ok := r.st.Nodes[id]
		if !ok {
			ns = &nodeState{Fields: make(map[string]register, len(ons.Fields))}
			r.st.Nodes[id] = ns
		}
		ns.Alive.merge(ons.Alive)
		r.absorbSeq(ons.Alive.Stamp)
		for k, f := range ons.Fields {
			cur := ns.Fields[k]
			cur.merge(f)
			ns.Fields[k] = cur
			r.absorbSeq(f.Stamp)
		}
	}
	for id, oes := range other.Edges {
		es, ok := r.st.Edges[id]
		if !ok {
			es = &edgeState{Source: oes.Source, Target: oes.Target, Fields: make(map[string]register, len(oes.Fields))}
			r.st.Edges[id] = es
		}
		es.Alive.merge(oes.Alive)
		r.absorbSeq(oes.Alive.Stamp)
		for k, f := range oes.Fields {
			cur := es.Fields[k]
			cur.merge(f)
			es.Fields[k] = cur
			r.absorbSeq(f.Stamp)
		}
	}
	for k, f := range other.Meta {
		cur := r.st.Meta[k]
		cur.merge(f)
		r.st.Meta[k] = cur
		r.absorbSeq(f.Stamp)
	}
}

// absorbSeq keeps the local write sequence ahead of any sequence this actor
// already published, so writes issued after a snapshot restore still win
// over the restored ones.
func (r *Replica) absorbSeq(s stamp) {
	if s.Actor == r.actor && s.Seq > r.seq {
		r.seq = s.Seq
	}
}

func aliveValue(r register) bool {
	v, ok := r.Value.(bool)
	return ok && v
}

// fieldValues projects live field registers. A nil value is a retracted
// field and stays out of the projection.
func fieldValues(fields map[string]register) map[string]any {
	out := make(map[string]any, len(fields))
	for k, f := range fields {
		if f.Value == nil {
			continue
		}
		out[k] = f.Value
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (r *Replica) nowMillis() int64 {
	return r.clock.Now().UnixNano() / int64(time.Millisecond)
}
