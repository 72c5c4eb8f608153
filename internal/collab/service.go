// Package collab is the server-side collaboration service: it authenticates
// connections, admits them to documents, funnels submitted operations through
// the transform resolver into the authoritative document, and fans results
// out over the hub.
package collab

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/madfam-io/sim4d-sub005/internal/auth"
	"github.com/madfam-io/sim4d-sub005/internal/clock"
	"github.com/madfam-io/sim4d-sub005/internal/docstore"
	"github.com/madfam-io/sim4d-sub005/internal/graph"
	"github.com/madfam-io/sim4d-sub005/internal/hub"
	"github.com/madfam-io/sim4d-sub005/internal/lock"
	"github.com/madfam-io/sim4d-sub005/internal/presence"
	"github.com/madfam-io/sim4d-sub005/internal/transform"
)

const (
	maxUserIDLen   = 255
	maxUserNameLen = 99
	maxOpTypeLen   = 49

	// DefaultSubmitRate bounds how many operations one connection may
	// submit per second; DefaultSubmitBurst absorbs short editing bursts.
	DefaultSubmitRate  = rate.Limit(20)
	DefaultSubmitBurst = 40
)

var docIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,255}$`)

type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SyncPayload is the document:sync event body: the full authoritative state
// a client rebuilds from.
type SyncPayload struct {
	DocumentID string              `json:"documentId"`
	Seq        int64               `json:"seq"`
	Graph      *graph.Graph        `json:"graph"`
	Presence   []presence.Presence `json:"presence"`
}

// BroadcastPayload is the operation:broadcast event body. Seq lets clients
// acknowledge delivery so later submissions transform against a narrower
// history window.
type BroadcastPayload struct {
	Seq       int64           `json:"seq"`
	Operation graph.Operation `json:"operation"`
}

type Config struct {
	TokenSecret []byte
	TokenMaxAge time.Duration
	SubmitRate  rate.Limit
	SubmitBurst int
}

type conn struct {
	id      string
	docID   string
	user    User
	sub     *hub.Subscription
	limiter *rate.Limiter

	mu      sync.Mutex
	seenSeq int64
}

func (c *conn) seen() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seenSeq
}

func (c *conn) markSeen(seq int64) {
	c.mu.Lock()
	if seq > c.seenSeq {
		c.seenSeq = seq
	}
	c.mu.Unlock()
}

type Service struct {
	cfg       Config
	store     *docstore.Store
	locks     lock.Manager
	presence  *presence.Tracker
	hub       *hub.Hub
	clock     clock.Clock
	resolver  *transform.Resolver
	validator *auth.Validator

	mu    sync.Mutex
	conns map[string]*conn
}

func NewService(cfg Config, store *docstore.Store, locks lock.Manager, tracker *presence.Tracker, h *hub.Hub, clk clock.Clock) *Service {
	if cfg.SubmitRate <= 0 {
		cfg.SubmitRate = DefaultSubmitRate
	}
	if cfg.SubmitBurst <= 0 {
		cfg.SubmitBurst = DefaultSubmitBurst
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{
		cfg:       cfg,
		store:     store,
		locks:     locks,
		presence:  tracker,
		hub:       h,
		clock:     clk,
		resolver:  transform.NewResolver(),
		validator: auth.NewValidator(cfg.TokenSecret, cfg.TokenMaxAge, clk),
		conns:     make(map[string]*conn),
	}
}

// Authenticate validates the bearer token presented during the handshake.
// It must succeed before Join is allowed.
func (s *Service) Authenticate(token string) (auth.Token, error) {
	tok, err := s.validator.Validate(token)
	if err != nil {
		return auth.Token{}, protocolError(CodeUnauthorized, "authentication failed", nil)
	}
	return tok, nil
}

// Join admits a connection to a document and returns the initial sync state.
func (s *Service) Join(ctx context.Context, connID, docID string, user User) (SyncPayload, error) {
	if !docIDPattern.MatchString(docID) {
		return SyncPayload{}, validationError("invalid document id", map[string]any{"documentId": docID})
	}
	if user.ID == "" || len(user.ID) > maxUserIDLen {
		return SyncPayload{}, validationError("invalid user id", nil)
	}
	if user.Name == "" || len(user.Name) > maxUserNameLen {
		return SyncPayload{}, validationError("invalid user name", nil)
	}

	doc := s.store.Get(docID)
	sub := s.hub.Subscribe(docID, connID)

	c := &conn{
		id:      connID,
		docID:   docID,
		user:    user,
		sub:     sub,
		limiter: rate.NewLimiter(s.cfg.SubmitRate, s.cfg.SubmitBurst),
		seenSeq: doc.Seq(),
	}
	s.mu.Lock()
	s.conns[connID] = c
	s.mu.Unlock()

	s.presence.Touch(docID, user.ID, user.Name)
	s.broadcastPresence(docID)
	log.Printf("collab: %s (%s) joined %s", user.ID, connID, docID)

	return s.syncPayload(doc), nil
}

// Submit validates, rate-limits, transforms and applies one operation, then
// broadcasts it to every subscriber of the document including the sender.
func (s *Service) Submit(ctx context.Context, connID string, op graph.Operation) error {
	c, err := s.conn(connID)
	if err != nil {
		return err
	}
	if verr := validateOperation(c, &op); verr != nil {
		s.publishError(c, verr)
		return verr
	}
	if !c.limiter.Allow() {
		rerr := protocolError(CodeRateLimited, "operation rate limit exceeded", nil)
		s.publishError(c, rerr)
		return rerr
	}

	doc := s.store.Get(c.docID)
	var conflicts []transform.Conflict
	applied, seq, err := doc.TransformAndApply(op, c.seen(), func(cur graph.Operation, unseen []graph.Operation) graph.Operation {
		conflicts = s.resolver.DetectConflicts(cur, unseen)
		return s.resolver.Transform(cur, unseen)
	})
	if err != nil {
		ierr := protocolError(CodeInternal, "operation could not be applied", nil)
		s.publishError(c, ierr)
		return fmt.Errorf("submit %s: %w", op.ID, err)
	}
	c.markSeen(seq)

	s.hub.Publish(c.docID, hub.Event{
		Name:       hub.EventOperationBroadcast,
		DocumentID: c.docID,
		Payload:    BroadcastPayload{Seq: seq, Operation: applied},
	})
	for _, cf := range conflicts {
		s.notifyConflict(c.docID, cf)
	}
	return nil
}

// Ack records that a connection has processed broadcasts up to seq. The
// transport calls it when the client confirms delivery; submissions then
// transform against a narrower unseen window.
func (s *Service) Ack(connID string, seq int64) {
	if c, err := s.conn(connID); err == nil {
		c.markSeen(seq)
	}
}

// Events exposes a connection's event feed so in-process transports can
// pump it without owning the hub.
func (s *Service) Events(connID string) (<-chan hub.Event, error) {
	c, err := s.conn(connID)
	if err != nil {
		return nil, err
	}
	return c.sub.C(), nil
}

// UpdatePresence applies one presence payload and broadcasts the full list.
func (s *Service) UpdatePresence(ctx context.Context, connID string, u presence.Update) error {
	c, err := s.conn(connID)
	if err != nil {
		return err
	}
	s.presence.Update(c.docID, c.user.ID, c.user.Name, u)
	s.broadcastPresence(c.docID)
	return nil
}

// RequestSync returns fresh full state and advances the connection's seen
// sequence to it.
func (s *Service) RequestSync(ctx context.Context, connID string) (SyncPayload, error) {
	c, err := s.conn(connID)
	if err != nil {
		return SyncPayload{}, err
	}
	doc := s.store.Get(c.docID)
	payload := s.syncPayload(doc)
	c.markSeen(payload.Seq)
	return payload, nil
}

// Leave removes a connection: unsubscribes it, clears its presence and
// releases all its advisory locks.
func (s *Service) Leave(ctx context.Context, connID string) {
	s.mu.Lock()
	c, ok := s.conns[connID]
	if ok {
		delete(s.conns, connID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.hub.Unsubscribe(connID)
	s.presence.Remove(c.docID, c.user.ID)
	if err := s.locks.ReleaseAll(ctx, c.user.ID); err != nil {
		log.Printf("collab: release locks for %s: %v", c.user.ID, err)
	}
	s.broadcastPresence(c.docID)
	log.Printf("collab: %s (%s) left %s", c.user.ID, connID, c.docID)
}

func (s *Service) AcquireLock(ctx context.Context, connID, nodeID string) (lock.Result, error) {
	c, err := s.conn(connID)
	if err != nil {
		return lock.Result{}, err
	}
	return s.locks.Acquire(ctx, nodeID, c.user.ID)
}

func (s *Service) ReleaseLock(ctx context.Context, connID, nodeID string) error {
	c, err := s.conn(connID)
	if err != nil {
		return err
	}
	return s.locks.Release(ctx, nodeID, c.user.ID)
}

func (s *Service) RenewLock(ctx context.Context, connID, nodeID string) (lock.Result, error) {
	c, err := s.conn(connID)
	if err != nil {
		return lock.Result{}, err
	}
	return s.locks.Renew(ctx, nodeID, c.user.ID)
}

func (s *Service) conn(connID string) (*conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[connID]
	if !ok {
		return nil, protocolError(CodeNotJoined, "connection has not joined a document", nil)
	}
	return c, nil
}

func (s *Service) syncPayload(doc *docstore.Document) SyncPayload {
	return SyncPayload{
		DocumentID: doc.ID,
		Seq:        doc.Seq(),
		Graph:      doc.Snapshot(),
		Presence:   s.presence.List(doc.ID),
	}
}

func (s *Service) broadcastPresence(docID string) {
	s.hub.Publish(docID, hub.Event{
		Name:       hub.EventPresenceUpdate,
		DocumentID: docID,
		Payload:    s.presence.List(docID),
	})
}

func (s *Service) publishError(c *conn, perr *Error) {
	s.hub.PublishTo(c.id, hub.Event{
		Name:       hub.EventError,
		DocumentID: c.docID,
		Payload:    hub.ErrorEvent{Code: perr.Code, Message: perr.Message},
	})
}

/// notifyConflict sends conflict:detected to every connection of the losing
// user on the document. The winner is not interrupted.
func (s *Service) notifyConflict(docID string, cf transform.Conflict) {
	s.mu.Lock()
	var losers []*conn
	for _, c := range s.conns {
		if c.docID == docID && c.user.ID == cf.LoserUserID {
			losers = append(losers, c)
		}
	}
	s.mu.Unlock()
	for _, c := range losers {
		s.hub.PublishTo(c.id, hub.Event{
			Name:       hub.EventConflictDetected,
			DocumentID: docID,
			Payload:    cf,
		})
	}
}

func validateOperation(c *conn, op *graph.Operation) *Error {
	if op.ID == "" {
		return validationError("operation id is required", nil)
	}
	if op.Type == "" || len(op.Type) > maxOpTypeLen {
		return validationError("invalid operation type", map[string]any{"type": string(op.Type)})
	}
	want, ok := graph.TypeOf(op.Payload)
	if !ok || want != op.Type {
		return validationError("payload does not match operation type", map[string]any{"type": string(op.Type)})
	}
	if op.Timestamp <= 0 {
		return validationError("operation timestamp must be positive", nil)
	}
	if op.DocumentID == "" {
		op.DocumentID = c.docID
	} else if op.DocumentID != c.docID {
		return validationError("operation targets a different document", map[string]any{"documentId": op.DocumentID})
	}
	if op.UserID == "" {
		op.UserID = c.user.ID
	} else if op.UserID != c.user.ID {
		return validationError("operation user does not match connection", nil)
	}
	return nil
}
