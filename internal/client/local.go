package client

import (
	"context"

	"github.com/madfam-io/sim4d-sub005/internal/collab"
	"github.com/madfam-io/sim4d-sub005/internal/graph"
	"github.com/madfam-io/sim4d-sub005/internal/lock"
	"github.com/madfam-io/sim4d-sub005/internal/presence"
	"github.com/madfam-io/sim4d-sub005/internal/util"
)

// LocalTransport connects a session to a collab.Service in the same process.
// It is the transport used by embedded deployments and integration tests;
// a network transport implements the same interface over a socket.
type LocalTransport struct {
	svc    *collab.Service
	connID string
	docID  string
	user   collab.User
}

func NewLocalTransport(svc *collab.Service, docID string, user collab.User) *LocalTransport {
	return &LocalTransport{
		svc:    svc,
		connID: util.NewID("conn"),
		docID:  docID,
		user:   user,
	}
}

// Join authenticates when a token is presented, admits the connection and
// starts pumping server events into the session's handler.
func (t *LocalTransport) Join(ctx context.Context, token string) (collab.SyncPayload, error) {
	if token != "" {
		if _, err := t.svc.Authenticate(token); err != nil {
			return collab.SyncPayload{}, err
		}
	}
	return t.svc.Join(ctx, t.connID, t.docID, t.user)
}

// Start begins forwarding events to the session. It returns immediately;
// forwarding stops when the connection leaves and its feed closes.
func (t *LocalTransport) Start(s *Session) error {
	events, err := t.svc.Events(t.connID)
	if err != nil {
		return err
	}
	go func() {
		for ev := range events {
			s.HandleEvent(ev)
		}
	}()
	return nil
}

func (t *LocalTransport) Submit(ctx context.Context, op graph.Operation) error {
	return t.svc.Submit(ctx, t.connID, op)
}

func (t *LocalTransport) RequestSync(ctx context.Context) (collab.SyncPayload, error) {
	return t.svc.RequestSync(ctx, t.connID)
}

func (t *LocalTransport) AcquireLock(ctx context.Context, nodeID string) (lock.Result, error) {
	return t.svc.AcquireLock(ctx, t.connID, nodeID)
}

func (t *LocalTransport) ReleaseLock(ctx context.Context, nodeID string) error {
	return t.svc.ReleaseLock(ctx, t.connID, nodeID)
}

func (t *LocalTransport) UpdatePresence(ctx context.Context, u presence.Update) error {
	return t.svc.UpdatePresence(ctx, t.connID, u)
}

// Leave tears the connection down server side, closing the event feed.
func (t *LocalTransport) Leave(ctx context.Context) {
	t.svc.Leave(ctx, t.connID)
}
