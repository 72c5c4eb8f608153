// Package docstore holds the authoritative per-document state for
// transform-mode synchronization: the graph, the applied operation history
// and the sequence counter. Every mutation of one document runs under that
// document's mutex; documents are independent and mutate in parallel.
package docstore

import (
	"fmt"
	"log"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/madfam-io/sim4d-sub005/internal/graph"
)

const DefaultMaxDocuments = 256

// Archiver receives a document's final graph when it is evicted from the
// store. The external document store behind it is out of scope here; the
// default archiver does nothing.
type Archiver interface {
	Archive(docID string, g *graph.Graph)
}

type nopArchiver struct{}

func (nopArchiver) Archive(string, *graph.Graph) {}

// Document is one synchronized graph plus its operation history.
type Document struct {
	ID string

	mu      sync.Mutex
	graph   *graph.Graph
	history []entry
	seq     int64
}

type entry struct {
	seq int64
	op  graph.Operation
}

// ApplyAndLog transforms nothing itself: it applies an already-resolved
// operation to the graph and appends it to history, atomically with respect
// to this document. It returns the new sequence number.
func (d *Document) ApplyAndLog(op graph.Operation) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := graph.Apply(d.graph, op); err != nil {
		return 0, fmt.Errorf("apply %s to %s: %w", op.ID, d.ID, err)
	}
	d.seq++
	d.history = append(d.history, entry{seq: d.seq, op: op})
	return d.seq, nil
}

// TransformAndApply resolves an operation against the history the submitter
// has not yet seen and applies the result, all inside one critical section.
// Two concurrent submissions therefore each transform against whichever of
// them committed first, regardless of goroutine interleaving. The resolve
// callback receives the unseen history, oldest first, and returns the
// operation to apply; a nil callback applies the operation as-is.
func (d *Document) TransformAndApply(op graph.Operation, seen int64, resolve func(graph.Operation, []graph.Operation) graph.Operation) (graph.Operation, int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var unseen []graph.Operation
	for _, e := range d.history {
		if e.seq > seen {
			unseen = append(unseen, e.op)
		}
	}
	applied := op
	if resolve != nil {
		applied = resolve(op, unseen)
	}
	if err := graph.Apply(d.graph, applied); err != nil {
		return applied, 0, fmt.Errorf("apply %s to %s: %w", op.ID, d.ID, err)
	}
	d.seq++
	d.history = append(d.history, entry{seq: d.seq, op: applied})
	return applied, d.seq, nil
}

// HistorySince returns the operations applied after the given sequence
// number, oldest first.
func (d *Document) HistorySince(seq int64) []graph.Operation {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []graph.Operation
	for _, e := range d.history {
		if e.seq > seq {
			out = append(out, e.op)
		}
	}
	return out
}

// Seq returns the latest applied sequence number.
func (d *Document) Seq() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seq
}

// Snapshot returns a clone of the current graph.
func (d *Document) Snapshot() *graph.Graph {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.graph.Clone()
}

// HasOperation reports whether an operation id already exists in history.
// Operation ids are unique for the lifetime of the document.
func (d *Document) HasOperation(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.history {
		if e.op.ID == id {
			return true
		}
	}
	return false
}

// Store maps document ids to live documents, bounded by an LRU: when an
// idle document is evicted its graph is handed to the archiver.
type Store struct {
	mu       sync.Mutex
	docs     *lru.Cache[string, *Document]
	archiver Archiver
}

type Option func(*storeConfig)

type storeConfig struct {
	maxDocuments int
	archiver     Archiver
}

func WithMaxDocuments(n int) Option {
	return func(c *storeConfig) { c.maxDocuments = n }
}

func WithArchiver(a Archiver) Option {
	return func(c *storeConfig) { c.archiver = a }
}

func NewStore(opts ...Option) *Store {
	cfg := storeConfig{maxDocuments: DefaultMaxDocuments, archiver: nopArchiver{}}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Store{archiver: cfg.archiver}
	cache, err := lru.NewWithEvict(cfg.maxDocuments, func(docID string, doc *Document) {
		s.archiver.Archive(docID, doc.Snapshot())
		log.Printf("docstore: evicted idle document %s", docID)
	})
	if err != nil {
		// Only reachable with a non-positive size, which the default guards.
		panic(err)
	}
	s.docs = cache
	return s
}

// Get returns the live document, creating an empty one on first access.
func (s *Store) Get(docID string) *Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok := s.docs.Get(docID); ok {
		return doc
	}
	doc := &Document{ID: docID, graph: graph.NewGraph()}
	s.docs.Add(docID, doc)
	return doc
}

// Len reports how many documents are live.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs.Len()
}
