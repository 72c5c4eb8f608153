// Package hub is the publish/subscribe channel between the collaboration
// service and connected clients. Event names and payload shapes are the
// documented message contract; the transport that frames them onto a socket
// lives outside this module.
package hub

import (
	"sync"
)

// Event names of the message contract.
const (
	EventDocumentSync       = "document:sync"
	EventOperationBroadcast = "operation:broadcast"
	EventConflictDetected   = "conflict:detected"
	EventPresenceUpdate     = "presence:update"
	EventError              = "error"
)

type Event struct {
	Name       string `json:"name"`
	DocumentID string `json:"documentId"`
	Payload    any    `json:"payload"`
}

// ErrorEvent is the payload of the generic error channel.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const defaultBuffer = 64

// Subscription is one connection's event feed. Events are dropped (and
// counted) rather than blocking the publisher when the buffer is full; a
// client that falls that far behind re-syncs via document:request-sync.
type Subscription struct {
	ConnID string
	ch     chan Event

	mu      sync.Mutex
	closed  bool
	dropped int
}

func (s *Subscription) C() <-chan Event { return s.ch }

func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// deliver and shut share s.mu so a publish that raced an unsubscribe sees
// the closed flag instead of sending on a closed channel.
func (s *Subscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped++
	}
}

func (s *Subscription) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

type Hub struct {
	mu     sync.Mutex
	byDoc  map[string]map[string]*Subscription
	byConn map[string]*Subscription
	buffer int
}

func New() *Hub {
	return &Hub{
		byDoc:  make(map[string]map[string]*Subscription),
		byConn: make(map[string]*Subscription),
		buffer: defaultBuffer,
	}
}

// Subscribe registers a connection on a document. A connection subscribes
// to exactly one document; resubscribing moves it.
func (h *Hub) Subscribe(docID, connID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.byConn[connID]; ok {
		h.removeLocked(old)
	}
	sub := &Subscription{ConnID: connID, ch: make(chan Event, h.buffer)}
	subs, ok := h.byDoc[docID]
	if !ok {
		subs = make(map[string]*Subscription)
		h.byDoc[docID] = subs
	}
	subs[connID] = sub
	h.byConn[connID] = sub
	return sub
}

func (h *Hub) Unsubscribe(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.byConn[connID]; ok {
		h.removeLocked(sub)
	}
}

func (h *Hub) removeLocked(sub *Subscription) {
	delete(h.byConn, sub.ConnID)
	for docID, subs := range h.byDoc {
		if _, ok := subs[sub.ConnID]; ok {
			delete(subs, sub.ConnID)
			if len(subs) == 0 {
				delete(h.byDoc, docID)
			}
		}
	}
	sub.shut()
}

// Publish delivers an event to every subscriber of the document, including
// the originator.
func (h *Hub) Publish(docID string, ev Event) {
	h.mu.Lock()
	targets := make([]*Subscription, 0, len(h.byDoc[docID]))
	for _, sub := range h.byDoc[docID] {
		targets = append(targets, sub)
	}
	h.mu.Unlock()
	for _, sub := range targets {
		sub.deliver(ev)
	}
}

// PublishTo delivers an event to a single connection.
func (h *Hub) PublishTo(connID string, ev Event) {
	h.mu.Lock()
	sub, ok := h.byConn[connID]
	h.mu.Unlock()
	if ok {
		sub.deliver(ev)
	}
}

// Subscribers reports how many connections follow a document.
func (h *Hub) Subscribers(docID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byDoc[docID])
}
