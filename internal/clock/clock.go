// Package clock abstracts wall-clock time and periodic tickers so components
// that sweep, expire, or retry on a timer can be driven deterministically in
// tests with a manual clock.
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	NewTicker(d time.Duration) Ticker
}

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real returns a Clock backed by the system clock.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time                  { return time.Now() }
func (realClock) Since(t time.Time) time.Duration { return time.Since(t) }

func (realClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (t *realTicker) C() <-chan time.Time { return t.t.C }
func (t *realTicker) Stop()               { t.t.Stop() }

// Manual is a Clock whose time only moves when Advance is called. Tickers
// created from it fire synchronously during Advance.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*manualTicker
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

func (m *Manual) NewTicker(d time.Duration) Ticker {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTicker{
		clock:    m,
		interval: d,
		next:     m.now.Add(d),
		ch:       make(chan time.Time, 1),
	}
	m.tickers = append(m.tickers, t)
	return t
}

// Advance moves the clock forward, delivering a tick for every ticker
// interval that elapses, in chronological order.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	for {
		var due *manualTicker
		for _, t := range m.tickers {
			if t.stopped || t.next.After(target) {
				continue
			}
			if due == nil || t.next.Before(due.next) {
				due = t
			}
		}
		if due == nil {
			break
		}
		m.now = due.next
		due.next = due.next.Add(due.interval)
		// Non-blocking send mirrors time.Ticker coalescing.
		select {
		case due.ch <- m.now:
		default:
		}
	}
	m.now = target
	m.mu.Unlock()
}

type manualTicker struct {
	clock    *Manual
	interval time.Duration
	next     time.Time
	ch       chan time.Time
	stopped  bool
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }

func (t *manualTicker) Stop() {
	t.clock.mu.Lock()
	t.stopped = true
	t.clock.mu.Unlock()
}
