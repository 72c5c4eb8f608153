package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/madfam-io/sim4d-sub005/internal/clock"
	"github.com/madfam-io/sim4d-sub005/internal/graph"
)

func mkOp(id string, ts int64) graph.Operation {
	return graph.Operation{
		ID:         id,
		Type:       graph.TypeAddNode,
		UserID:     "user-1",
		DocumentID: "doc-1",
		Timestamp:  ts,
		Payload:    graph.AddNode{Node: graph.Node{ID: "n-" + id}},
	}
}

func TestQueueFIFO(t *testing.T) {
	q := New(Options{MaxSize: 10})
	for i := 0; i < 3; i++ {
		if ok := q.Enqueue(mkOp(fmt.Sprintf("op-%d", i), int64(i))); !ok {
			t.Fatalf("Enqueue(op-%d) dropped unexpectedly", i)
		}
	}
	if peeked, ok := q.Peek(); !ok || peeked.Operation.ID != "op-0" {
		t.Fatalf("Peek() = %+v, want op-0", peeked)
	}
	for i := 0; i < 3; i++ {
		got, ok := q.Dequeue()
		if !ok || got.Operation.ID != fmt.Sprintf("op-%d", i) {
			t.Fatalf("Dequeue() = %+v, want op-%d", got, i)
		}
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatal("Dequeue() on empty queue should report false")
	}
}

func TestQueueDropsOldestAtCapacity(t *testing.T) {
	q := New(Options{MaxSize: 10})
	for i := 0; i < 15; i++ {
		q.Enqueue(mkOp(fmt.Sprintf("op-%d", i), int64(i)))
	}
	if q.Size() != 10 {
		t.Fatalf("Size() = %d, want 10", q.Size())
	}
	// The 10 most recent survive.
	first, _ := q.Peek()
	if first.Operation.ID != "op-5" {
		t.Fatalf("oldest survivor = %s, want op-5", first.Operation.ID)
	}
	if stats := q.Stats(); stats.Dropped != 5 {
		t.Fatalf("Stats().Dropped = %d, want 5", stats.Dropped)
	}
}

func TestQueueEnqueueReturnsFalseWhenFull(t *testing.T) {
	q := New(Options{MaxSize: 1})
	if !q.Enqueue(mkOp("op-0", 0)) {
		t.Fatal("first Enqueue should fit")
	}
	if q.Enqueue(mkOp("op-1", 1)) {
		t.Fatal("Enqueue at capacity must return false")
	}
}

func TestQueueRemoveExpired(t *testing.T) {
	mc := clock.NewManual(time.UnixMilli(0))
	q := New(Options{MaxSize: 10, MaxAge: time.Hour, Clock: mc})

	q.Enqueue(mkOp("stale-1", 0))
	q.Enqueue(mkOp("stale-2", 1))
	mc.Advance(2 * time.Hour)
	q.Enqueue(mkOp("fresh", 2))

	removed := q.RemoveExpired()
	if removed != 2 {
		t.Fatalf("RemoveExpired() = %d, want 2", removed)
	}
	if q.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", q.Size())
	}
	got, _ := q.Peek()
	if got.Operation.ID != "fresh" {
		t.Fatalf("fresh entry must survive, got %s", got.Operation.ID)
	}
}

func TestQueueRetryAndFailedSet(t *testing.T) {
	q := New(Options{MaxSize: 10})
	q.Enqueue(mkOp("op-a", 0))
	q.Enqueue(mkOp("op-b", 1))

	for i := 0; i < 3; i++ {
		q.IncrementRetry("op-a")
	}
	failed := q.FailedOperations(3)
	if len(failed) != 1 || failed[0].Operation.ID != "op-a" {
		t.Fatalf("FailedOperations(3) = %+v, want op-a", failed)
	}
	if failed[0].RetryCount != 3 || failed[0].LastRetryAt == nil {
		t.Fatalf("retry bookkeeping wrong: %+v", failed[0])
	}

	// Retried operations move to the back of the line.
	head, _ := q.Peek()
	if head.Operation.ID != "op-b" {
		t.Fatalf("head = %s, want op-b after retries", head.Operation.ID)
	}

	if _, ok := q.Fail("op-a"); !ok {
		t.Fatal("Fail(op-a) should succeed")
	}
	if q.Size() != 1 {
		t.Fatalf("Size() = %d after Fail, want 1", q.Size())
	}
	if stats := q.Stats(); stats.Failed != 1 {
		t.Fatalf("Stats().Failed = %d, want 1", stats.Failed)
	}
}

func TestQueuePersistsThroughStorage(t *testing.T) {
	storage := NewMemoryStorage()
	q := New(Options{MaxSize: 10, Storage: storage, Key: "doc-1:user-1"})
	q.Enqueue(mkOp("op-a", 0))
	q.Enqueue(mkOp("op-b", 1))

	restored := New(Options{MaxSize: 10, Storage: storage, Key: "doc-1:user-1"})
	if err := restored.Restore(context.Background()); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if restored.Size() != 2 {
		t.Fatalf("restored Size() = %d, want 2", restored.Size())
	}
	got, _ := restored.Dequeue()
	if got.Operation.ID != "op-a" {
		t.Fatalf("restored head = %s, want op-a", got.Operation.ID)
	}
}

func TestSQLStorageRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	storage, err := OpenSQLStorage(path)
	if err != nil {
		t.Fatalf("OpenSQLStorage() error = %v", err)
	}
	defer storage.Close()

	ctx := context.Background()
	ops := []QueuedOperation{
		{Operation: mkOp("op-a", 100), QueuedAt: time.UnixMilli(100).UTC()},
		{Operation: mkOp("op-b", 200), QueuedAt: time.UnixMilli(200).UTC(), RetryCount: 2},
	}
	if err := storage.Save(ctx, "doc-1:user-1", ops); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := storage.Load(ctx, "doc-1:user-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("Load() returned %d entries, want 2", len(loaded))
	}
	if loaded[0].Operation.ID != "op-a" || loaded[1].RetryCount != 2 {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}

	// Overwrite and reload.
	if err := storage.Save(ctx, "doc-1:user-1", ops[:1]); err != nil {
		t.Fatalf("Save() overwrite error = %v", err)
	}
	loaded, err = storage.Load(ctx, "doc-1:user-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("overwrite kept %d entries, want 1", len(loaded))
	}
}

func TestSQLStorageMissingKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	storage, err := OpenSQLStorage(path)
	if err != nil {
		t.Fatalf("OpenSQLStorage() error = %v", err)
	}
	defer storage.Close()

	loaded, err := storage.Load(context.Background(), "never-saved")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("Load() on missing key = %+v, want empty", loaded)
	}
}

func TestQueueRestoreSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	storage, err := OpenSQLStorage(path)
	if err != nil {
		t.Fatalf("OpenSQLStorage() error = %v", err)
	}

	q := New(Options{MaxSize: 10, Storage: storage, Key: "doc-9:user-9"})
	q.Enqueue(mkOp("op-a", 0))
	storage.Close()

	// Simulated restart: new storage handle, new queue.
	storage2, err := OpenSQLStorage(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer storage2.Close()
	q2 := New(Options{MaxSize: 10, Storage: storage2, Key: "doc-9:user-9"})
	if err := q2.Restore(context.Background()); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if q2.Size() != 1 {
		t.Fatalf("restored Size() = %d, want 1", q2.Size())
	}
}
