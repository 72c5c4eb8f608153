// Package queue buffers operations produced while disconnected. The buffer
// is bounded (drop-oldest) and age-limited, and persists through a pluggable
// storage backend so it survives process restarts.
package queue

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/madfam-io/sim4d-sub005/internal/clock"
	"github.com/madfam-io/sim4d-sub005/internal/graph"
)

const (
	DefaultMaxSize = 100
	DefaultMaxAge  = 24 * time.Hour
)

// QueuedOperation wraps an operation with its replay bookkeeping.
type QueuedOperation struct {
	Operation   graph.Operation `json:"operation"`
	QueuedAt    time.Time       `json:"queuedAt"`
	RetryCount  int             `json:"retryCount"`
	LastRetryAt *time.Time      `json:"lastRetryAt,omitempty"`
}

// Storage persists the queue under a caller-supplied key. Implementations
// must tolerate Load on a key that was never saved (empty result, no error).
type Storage interface {
	Save(ctx context.Context, key string, ops []QueuedOperation) error
	Load(ctx context.Context, key string) ([]QueuedOperation, error)
}

type Options struct {
	MaxSize int
	MaxAge  time.Duration
	Clock   clock.Clock
	Storage Storage
	Key     string
}

type Stats struct {
	Size           int
	Dropped        int
	Expired        int
	Failed         int
	OldestQueuedAt time.Time
}

type Queue struct {
	mu      sync.Mutex
	ops     []QueuedOperation
	failed  []QueuedOperation
	maxSize int
	maxAge  time.Duration
	clock   clock.Clock
	storage Storage
	key     string
	dropped int
	expired int
}

func New(opts Options) *Queue {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Queue{
		maxSize: opts.MaxSize,
		maxAge:  opts.MaxAge,
		clock:   opts.Clock,
		storage: opts.Storage,
		key:     opts.Key,
	}
}

// Enqueue appends op. At capacity the oldest entry is dropped silently and
// Enqueue returns false; callers needing stronger guarantees watch Stats.
func (q *Queue) Enqueue(op graph.Operation) bool {
	q.mu.Lock()
	fit := true
	if len(q.ops) >= q.maxSize {
		q.ops = q.ops[1:]
		q.dropped++
		fit = false
	}
	q.ops = append(q.ops, QueuedOperation{Operation: op, QueuedAt: q.clock.Now()})
	q.mu.Unlock()
	q.persist()
	return fit
}

// Dequeue removes and returns the oldest entry.
func (q *Queue) Dequeue() (QueuedOperation, bool) {
	q.mu.Lock()
	if len(q.ops) == 0 {
		q.mu.Unlock()
		return QueuedOperation{}, false
	}
	op := q.ops[0]
	q.ops = q.ops[1:]
	q.mu.Unlock()
	q.persist()
	return op, true
}

// Peek returns the oldest entry without removing it.
func (q *Queue) Peek() (QueuedOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ops) == 0 {
		return QueuedOperation{}, false
	}
	return q.ops[0], true
}

func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// RemoveExpired purges entries older than the configured max age and
// returns how many were removed.
func (q *Queue) RemoveExpired() int {
	q.mu.Lock()
	cutoff := q.clock.Now().Add(-q.maxAge)
	kept := q.ops[:0]
	removed := 0
	for _, op := range q.ops {
		if op.QueuedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, op)
	}
	q.ops = kept
	q.expired += removed
	q.mu.Unlock()
	if removed > 0 {
		q.persist()
	}
	return removed
}

// IncrementRetry bumps the retry counter for the queued operation with the
// given id, re-enqueueing it at the back.
func (q *Queue) IncrementRetry(opID string) {
	q.mu.Lock()
	now := q.clock.Now()
	for i := range q.ops {
		if q.ops[i].Operation.ID == opID {
			q.ops[i].RetryCount++
			q.ops[i].LastRetryAt = &now
			entry := q.ops[i]
			q.ops = append(append(q.ops[:i:i], q.ops[i+1:]...), entry)
			break
		}
	}
	q.mu.Unlock()
	q.persist()
}

// Fail moves the operation with the given id into the failed set.
func (q *Queue) Fail(opID string) (QueuedOperation, bool) {
	q.mu.Lock()
	for i := range q.ops {
		if q.ops[i].Operation.ID == opID {
			entry := q.ops[i]
			q.ops = append(q.ops[:i:i], q.ops[i+1:]...)
			q.failed = append(q.failed, entry)
			q.mu.Unlock()
			q.persist()
			return entry, true
		}
	}
	q.mu.Unlock()
	return QueuedOperation{}, false
}

// FailedOperations returns queued operations whose retry count has reached
// minRetries, plus everything already moved to the failed set.
func (q *Queue) FailedOperations(minRetries int) []QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := append([]QueuedOperation(nil), q.failed...)
	for _, op := range q.ops {
		if op.RetryCount >= minRetries {
			out = append(out, op)
		}
	}
	return out
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		Size:    len(q.ops),
		Dropped: q.dropped,
		Expired: q.expired,
		Failed:  len(q.failed),
	}
	if len(q.ops) > 0 {
		s.OldestQueuedAt = q.ops[0].QueuedAt
	}
	return s
}

// Restore reloads the queue from storage, replacing in-memory contents.
func (q *Queue) Restore(ctx context.Context) error {
	if q.storage == nil {
		return nil
	}
	ops, err := q.storage.Load(ctx, q.key)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.ops = ops
	q.mu.Unlock()
	return nil
}

// Flush forces a synchronous save.
func (q *Queue) Flush(ctx context.Context) error {
	if q.storage == nil {
		return nil
	}
	q.mu.Lock()
	ops := append([]QueuedOperation(nil), q.ops...)
	q.mu.Unlock()
	return q.storage.Save(ctx, q.key, ops)
}

func (q *Queue) persist() {
	if q.storage == nil {
		return
	}
	if err := q.Flush(context.Background()); err != nil {
		log.Printf("queue: persist failed: %v", err)
	}
}

// MemoryStorage is the in-memory Storage used when durability is handled
// elsewhere (and in tests).
type MemoryStorage struct {
	mu   sync.Mutex
	data map[string][]QueuedOperation
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string][]QueuedOperation)}
}

func (m *MemoryStorage) Save(_ context.Context, key string, ops []QueuedOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]QueuedOperation(nil), ops...)
	return nil
}

func (m *MemoryStorage) Load(_ context.Context, key string) ([]QueuedOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]QueuedOperation(nil), m.data[key]...), nil
}
