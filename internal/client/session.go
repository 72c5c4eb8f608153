// Package client is the editor-side session: it orchestrates the optimistic
// overlay, the durable offline queue and the server transport so local edits
// render immediately, survive disconnects, and reconcile when confirmations,
// rejections and remote operations arrive.
package client

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/madfam-io/sim4d-sub005/internal/auth"
	"github.com/madfam-io/sim4d-sub005/internal/clock"
	"github.com/madfam-io/sim4d-sub005/internal/collab"
	"github.com/madfam-io/sim4d-sub005/internal/graph"
	"github.com/madfam-io/sim4d-sub005/internal/hub"
	"github.com/madfam-io/sim4d-sub005/internal/lock"
	"github.com/madfam-io/sim4d-sub005/internal/optimistic"
	"github.com/madfam-io/sim4d-sub005/internal/presence"
	"github.com/madfam-io/sim4d-sub005/internal/queue"
	"github.com/madfam-io/sim4d-sub005/internal/transform"
	"github.com/madfam-io/sim4d-sub005/internal/util"
)

const (
	DefaultMaxRetries     = 3
	DefaultReplayInterval = time.Second
)

// Transport carries session traffic to the server. Incoming events are
// pushed by the transport into Session.HandleEvent.
type Transport interface {
	Join(ctx context.Context, token string) (collab.SyncPayload, error)
	Submit(ctx context.Context, op graph.Operation) error
	RequestSync(ctx context.Context) (collab.SyncPayload, error)
	AcquireLock(ctx context.Context, nodeID string) (lock.Result, error)
	ReleaseLock(ctx context.Context, nodeID string) error
	UpdatePresence(ctx context.Context, u presence.Update) error
}

type Options struct {
	User           collab.User
	DocumentID     string
	MaxRetries     int
	ReplayInterval time.Duration
	Clock          clock.Clock

	// Queue must be configured with the same document key; nil gets an
	// in-memory queue.
	Queue *queue.Queue

	// TokenSource supplies bearer tokens for Join. When nil, Join is
	// called with an empty token (embedded/test transports).
	TokenSource *auth.TokenSource

	// OnRollback is surfaced whenever an optimistic edit is undone, so
	// the editor can tell the user. Never silent.
	OnRollback optimistic.RollbackFunc
}

type Session struct {
	transport Transport
	opts      Options
	clock     clock.Clock
	queue     *queue.Queue
	state     *optimistic.Manager

	mu         sync.Mutex
	online     bool
	stopReplay chan struct{}
}

func NewSession(t Transport, opts Options) *Session {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.ReplayInterval <= 0 {
		opts.ReplayInterval = DefaultReplayInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Queue == nil {
		opts.Queue = queue.New(queue.Options{Clock: opts.Clock, Key: opts.DocumentID})
	}
	s := &Session{
		transport: t,
		opts:      opts,
		clock:     opts.Clock,
		queue:     opts.Queue,
	}
	s.state = optimistic.New(graph.NewGraph(),
		optimistic.WithClock(opts.Clock),
		optimistic.WithRollback(func(op optimistic.PendingOperation, reason optimistic.RollbackReason) {
			log.Printf("client: rolled back %s (%s)", op.Operation.ID, reason)
			if opts.OnRollback != nil {
				opts.OnRollback(op, reason)
			}
		}))
	return s
}

// Connect joins the document, seeds the base state from the server snapshot
// and marks the session online.
func (s *Session) Connect(ctx context.Context) error {
	var token string
	if s.opts.TokenSource != nil {
		t, err := s.opts.TokenSource.Token(ctx)
		if err != nil {
			return err
		}
		token = t
	}
	payload, err := s.transport.Join(ctx, token)
	if err != nil {
		return err
	}
	s.state.ResetBase(payload.Graph)
	s.SetOnline(true)
	return nil
}

// Edit applies a local mutation optimistically and returns the overlay the
// editor should render. Online, the operation is submitted immediately;
// offline it is queued for replay.
func (s *Session) Edit(p graph.Payload) *graph.Graph {
	typ, ok := graph.TypeOf(p)
	if !ok {
		return s.state.Overlay()
	}
	op := graph.Operation{
		ID:         util.NewID("op"),
		Type:       typ,
		UserID:     s.opts.User.ID,
		DocumentID: s.opts.DocumentID,
		Timestamp:  s.clock.Now().UnixMilli(),
		Payload:    p,
	}
	overlay := s.state.ApplyOptimistic(op)

	if s.Online() {
		if err := s.transport.Submit(context.Background(), op); err != nil {
			log.Printf("client: submit %s failed, queueing: %v", op.ID, err)
			s.enqueue(op)
		}
	} else {
		s.enqueue(op)
	}
	return overlay
}

func (s *Session) enqueue(op graph.Operation) {
	if !s.queue.Enqueue(op) {
		log.Printf("client: offline queue full, oldest operation dropped")
	}
}

// EditNode asks for the advisory lock on a node before editing it. A denial
// is returned for the editor to surface; it does not block the edit path.
func (s *Session) EditNode(ctx context.Context, nodeID string) (lock.Result, error) {
	return s.transport.AcquireLock(ctx, nodeID)
}

func (s *Session) ReleaseNode(ctx context.Context, nodeID string) error {
	return s.transport.ReleaseLock(ctx, nodeID)
}

func (s *Session) UpdatePresence(ctx context.Context, u presence.Update) error {
	return s.transport.UpdatePresence(ctx, u)
}

func (s *Session) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// SetOnline flips connectivity. Going online starts the background replay
// loop that drains the offline queue; going offline stops it.
func (s *Session) SetOnline(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	if online {
		stop := make(chan struct{})
		s.stopReplay = stop
		s.mu.Unlock()
		go s.replayLoop(stop)
		return
	}
	if s.stopReplay != nil {
		close(s.stopReplay)
		s.stopReplay = nil
	}
	s.mu.Unlock()
}

func (s *Session) replayLoop(stop chan struct{}) {
	ticker := s.clock.NewTicker(s.opts.ReplayInterval)
	defer ticker.Stop()
	s.ReplayOnce(context.Background())
	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			s.ReplayOnce(context.Background())
		}
	}
}

// ReplayOnce drains the offline queue in FIFO order until it is empty or a
// submission fails. An operation that exhausts its retries moves to the
// failed set and its optimistic edit is rolled back.
func (s *Session) ReplayOnce(ctx context.Context) {
	s.queue.RemoveExpired()
	for {
		qop, ok := s.queue.Peek()
		if !ok {
			return
		}
		if err := s.transport.Submit(ctx, qop.Operation); err != nil {
			if qop.RetryCount+1 >= s.opts.MaxRetries {
				s.queue.Fail(qop.Operation.ID)
				s.state.RejectOperation(qop.Operation.ID)
				log.Printf("client: %s failed after %d retries: %v", qop.Operation.ID, s.opts.MaxRetries, err)
				continue
			}
			s.queue.IncrementRetry(qop.Operation.ID)
			return
		}
		s.queue.Dequeue()
	}
}

// HandleEvent folds one server event into local state. The transport calls
// it from its receive loop.
func (s *Session) HandleEvent(ev hub.Event) {
	switch ev.Name {
	case hub.EventOperationBroadcast:
		bp, ok := ev.Payload.(collab.BroadcastPayload)
		if !ok {
			return
		}
		if bp.Operation.UserID == s.opts.User.ID {
			// The broadcast carries the operation as the server resolved
			// it, which may differ from the form submitted here.
			s.state.ConfirmOperation(bp.Operation)
			return
		}
		s.state.ApplyRemoteOperation(bp.Operation)
	case hub.EventConflictDetected:
		cf, ok := ev.Payload.(transform.Conflict)
		if !ok || cf.LoserUserID != s.opts.User.ID {
			return
		}
		// Whichever side of the conflict is still pending locally lost.
		if !s.state.RejectOperation(cf.OperationID) {
			s.state.RejectOperation(cf.WithID)
		}
	case hub.EventDocumentSync:
		if payload, ok := ev.Payload.(collab.SyncPayload); ok {
			s.state.ResetBase(payload.Graph)
		}
	case hub.EventError:
		if ee, ok := ev.Payload.(hub.ErrorEvent); ok {
			log.Printf("client: server error %s: %s", ee.Code, ee.Message)
		}
	}
}

// Resync pulls a fresh authoritative snapshot and rebuilds the overlay on it.
func (s *Session) Resync(ctx context.Context) error {
	payload, err := s.transport.RequestSync(ctx)
	if err != nil {
		return err
	}
	s.state.ResetBase(payload.Graph)
	return nil
}

// Overlay is the graph the editor renders: base plus pending edits.
func (s *Session) Overlay() *graph.Graph {
	return s.state.Overlay()
}

func (s *Session) Pending() []optimistic.PendingOperation {
	return s.state.Pending()
}

func (s *Session) QueueStats() queue.Stats {
	return s.queue.Stats()
}
