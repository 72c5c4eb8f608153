// Package presence tracks ephemeral per-user state (cursor, selection,
// viewport, editing target) per document. Entries are advisory and
// self-healing: anything not refreshed within the TTL vanishes.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/madfam-io/sim4d-sub005/internal/clock"
)

const (
	DefaultTTL           = 60 * time.Second
	DefaultSweepInterval = 15 * time.Second
)

// Update is the tagged union of presence payloads.
type Update interface {
	isUpdate()
}

type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Selection struct {
	NodeIDs []string `json:"nodeIds"`
}

type Viewport struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

// Editing marks the node a user is actively editing; an empty NodeID means
// they stopped.
type Editing struct {
	NodeID string `json:"nodeId"`
}

func (Cursor) isUpdate()    {}
func (Selection) isUpdate() {}
func (Viewport) isUpdate()  {}
func (Editing) isUpdate()   {}

type Presence struct {
	UserID    string     `json:"userId"`
	UserName  string     `json:"userName"`
	Cursor    *Cursor    `json:"cursor,omitempty"`
	Selection *Selection `json:"selection,omitempty"`
	Viewport  *Viewport  `json:"viewport,omitempty"`
	Editing   *Editing   `json:"editing,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

type Tracker struct {
	mu     sync.Mutex
	docs   map[string]map[string]*Presence
	ttl    time.Duration
	clock  clock.Clock
	stopCh chan struct{}
	once   sync.Once
}

type Option func(*Tracker)

func WithTTL(ttl time.Duration) Option {
	return func(t *Tracker) { t.ttl = ttl }
}

func WithClock(c clock.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		docs:   make(map[string]map[string]*Presence),
		ttl:    DefaultTTL,
		clock:  clock.Real(),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Touch registers a user on a document without any payload yet.
func (t *Tracker) Touch(docID, userID, userName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entryLocked(docID, userID, userName)
}

// Update applies one presence payload for a user. The entry's TTL resets.
func (t *Tracker) Update(docID, userID, userName string, u Update) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.entryLocked(docID, userID, userName)
	switch v := u.(type) {
	case Cursor:
		p.Cursor = &v
	case Selection:
		p.Selection = &v
	case Viewport:
		p.Viewport = &v
	case Editing:
		if v.NodeID == "" {
			p.Editing = nil
		} else {
			p.Editing = &v
		}
	}
}

func (t *Tracker) entryLocked(docID, userID, userName string) *Presence {
	users, ok := t.docs[docID]
	if !ok {
		users = make(map[string]*Presence)
		t.docs[docID] = users
	}
	p, ok := users[userID]
	if !ok {
		p = &Presence{UserID: userID, UserName: userName}
		users[userID] = p
	}
	if userName != "" {
		p.UserName = userName
	}
	p.UpdatedAt = t.clock.Now()
	return p
}

// List returns the live presence entries for a document, sorted by user id.
func (t *Tracker) List(docID string) []Presence {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clock.Now().Add(-t.ttl)
	var out []Presence
	for _, p := range t.docs[docID] {
		if p.UpdatedAt.Before(cutoff) {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (t *Tracker) Remove(docID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if users, ok := t.docs[docID]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(t.docs, docID)
		}
	}
}

// Sweep drops entries older than the TTL and returns how many were removed.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clock.Now().Add(-t.ttl)
	removed := 0
	for docID, users := range t.docs {
		for userID, p := range users {
			if p.UpdatedAt.Before(cutoff) {
				delete(users, userID)
				removed++
			}
		}
		if len(users) == 0 {
			delete(t.docs, docID)
		}
	}
	return removed
}

// StartSweeper launches the periodic sweep; Stop ends it.
func (t *Tracker) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := t.clock.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-t.stopCh:
				return
			case <-ticker.C():
				t.Sweep()
			}
		}
	}()
}

func (t *Tracker) Stop() {
	t.once.Do(func() { close(t.stopCh) })
}
