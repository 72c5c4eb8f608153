package client

import (
	"context"
	"testing"
	"time"

	"github.com/madfam-io/sim4d-sub005/internal/clock"
	"github.com/madfam-io/sim4d-sub005/internal/collab"
	"github.com/madfam-io/sim4d-sub005/internal/docstore"
	"github.com/madfam-io/sim4d-sub005/internal/graph"
	"github.com/madfam-io/sim4d-sub005/internal/hub"
	"github.com/madfam-io/sim4d-sub005/internal/lock"
	"github.com/madfam-io/sim4d-sub005/internal/presence"
)

func newLocalPair(t *testing.T) (*Session, *Session, *collab.Service) {
	t.Helper()
	svc := collab.NewService(
		collab.Config{TokenSecret: []byte("test-secret")},
		docstore.NewStore(),
		lock.NewMemoryManager(),
		presence.NewTracker(),
		hub.New(),
		clock.Real(),
	)

	alice := collab.User{ID: "alice", Name: "Alice"}
	bob := collab.User{ID: "bob", Name: "Bob"}

	ta := NewLocalTransport(svc, "doc-1", alice)
	sa := NewSession(ta, Options{User: alice, DocumentID: "doc-1"})
	tb := NewLocalTransport(svc, "doc-1", bob)
	sb := NewSession(tb, Options{User: bob, DocumentID: "doc-1"})

	ctx := context.Background()
	for _, pair := range []struct {
		tr *LocalTransport
		s  *Session
	}{{ta, sa}, {tb, sb}} {
		if err := pair.s.Connect(ctx); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
		if err := pair.tr.Start(pair.s); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	}
	return sa, sb, svc
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTwoSessionsConverge(t *testing.T) {
	sa, sb, _ := newLocalPair(t)

	sa.Edit(graph.AddNode{Node: graph.Node{ID: "n1", Data: map[string]any{"kind": "box"}}})
	waitFor(t, func() bool {
		_, ok := sb.Overlay().Nodes["n1"]
		return ok
	}, "bob never saw alice's node")

	sb.Edit(graph.UpdateNode{NodeID: "n1", Updates: map[string]any{"color": "blue"}})
	waitFor(t, func() bool {
		return sa.Overlay().Nodes["n1"].Data["color"] == "blue"
	}, "alice never saw bob's update")

	// alice's own edit was confirmed along the way.
	waitFor(t, func() bool { return len(sa.Pending()) == 0 }, "alice's edit never confirmed")
}

func TestLockDenialAcrossSessions(t *testing.T) {
	sa, sb, _ := newLocalPair(t)
	ctx := context.Background()

	res, err := sa.EditNode(ctx, "n1")
	if err != nil || !res.Success {
		t.Fatalf("EditNode(alice) = %+v, %v", res, err)
	}
	res, err = sb.EditNode(ctx, "n1")
	if err != nil {
		t.Fatalf("EditNode(bob) error = %v", err)
	}
	if res.Success {
		t.Fatal("bob acquired a lock alice holds")
	}
	if res.Reason != lock.ReasonLockedByOther || res.RetryAfter <= 0 {
		t.Fatalf("denial = %+v, want locked_by_other with retry hint", res)
	}

	if err := sa.ReleaseNode(ctx, "n1"); err != nil {
		t.Fatalf("ReleaseNode() error = %v", err)
	}
	res, err = sb.EditNode(ctx, "n1")
	if err != nil || !res.Success {
		t.Fatalf("EditNode(bob) after release = %+v, %v", res, err)
	}
}
