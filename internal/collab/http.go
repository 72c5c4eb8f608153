package collab

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/madfam-io/sim4d-sub005/internal/auth"
	"github.com/madfam-io/sim4d-sub005/internal/graph"
	"github.com/madfam-io/sim4d-sub005/internal/hub"
	"github.com/madfam-io/sim4d-sub005/internal/presence"
	"github.com/madfam-io/sim4d-sub005/internal/util"
)

// HTTPServer is a thin JSON bridge onto the service for clients without a
// streaming transport: commands are POSTs and events are long-polled. A
// socket transport would call the same service methods.
type HTTPServer struct {
	service *Service
}

func NewHTTPServer(service *Service) *HTTPServer {
	return &HTTPServer{service: service}
}

func (s *HTTPServer) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method == http.MethodGet && r.URL.Path == "/v1/events" {
		s.handleEvents(w, r)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
		return
	}

	switch r.URL.Path {
	case "/v1/token":
		s.handleToken(w, r)
	case "/v1/join":
		s.handleJoin(w, r)
	case "/v1/submit":
		s.handleSubmit(w, r)
	case "/v1/ack":
		s.handleAck(w, r)
	case "/v1/sync":
		s.handleSync(w, r)
	case "/v1/presence":
		s.handlePresence(w, r)
	case "/v1/leave":
		s.handleLeave(w, r)
	case "/v1/locks/acquire", "/v1/locks/release", "/v1/locks/renew":
		s.handleLocks(w, r)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown route", nil)
	}
}

// handleToken issues a session token. Deployments that delegate identity to
// an upstream gateway put this route behind it.
func (s *HTTPServer) handleToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeBody(r, &body); err != nil || body.SessionID == "" {
		writeError(w, http.StatusBadRequest, CodeValidation, "sessionId is required", nil)
		return
	}
	token := auth.IssueToken(s.service.cfg.TokenSecret, body.SessionID, s.service.clock.Now())
	writeJSON(w, http.StatusOK, map[string]any{"token": token})
}

func (s *HTTPServer) handleJoin(w http.ResponseWriter, r *http.Request) {
	bearer := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(bearer) <= len(prefix) || bearer[:len(prefix)] != prefix {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "missing bearer token", nil)
		return
	}
	if _, err := s.service.Authenticate(bearer[len(prefix):]); err != nil {
		writeServiceError(w, err)
		return
	}

	var body struct {
		DocumentID string `json:"documentId"`
		User       User   `json:"user"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "malformed body", nil)
		return
	}
	connID := util.NewID("conn")
	payload, err := s.service.Join(r.Context(), connID, body.DocumentID, body.User)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connId": connID, "sync": payload})
}

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConnID    string          `json:"connId"`
		Operation graph.Operation `json:"operation"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "malformed body", nil)
		return
	}
	if err := s.service.Submit(r.Context(), body.ConnID, body.Operation); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleAck(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConnID string `json:"connId"`
		Seq    int64  `json:"seq"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "malformed body", nil)
		return
	}
	s.service.Ack(body.ConnID, body.Seq)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConnID string `json:"connId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "malformed body", nil)
		return
	}
	payload, err := s.service.RequestSync(r.Context(), body.ConnID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handlePresence(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConnID    string              `json:"connId"`
		Cursor    *presence.Cursor    `json:"cursor"`
		Selection *presence.Selection `json:"selection"`
		Viewport  *presence.Viewport  `json:"viewport"`
		Editing   *presence.Editing   `json:"editing"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "malformed body", nil)
		return
	}
	var update presence.Update
	switch {
	case body.Cursor != nil:
		update = *body.Cursor
	case body.Selection != nil:
		update = *body.Selection
	case body.Viewport != nil:
		update = *body.Viewport
	case body.Editing != nil:
		update = *body.Editing
	default:
		writeError(w, http.StatusBadRequest, CodeValidation, "presence payload is required", nil)
		return
	}
	if err := s.service.UpdatePresence(r.Context(), body.ConnID, update); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleLeave(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConnID string `json:"connId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "malformed body", nil)
		return
	}
	s.service.Leave(r.Context(), body.ConnID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleLocks(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConnID string `json:"connId"`
		NodeID string `json:"nodeId"`
	}
	if err := decodeBody(r, &body); err != nil || body.NodeID == "" {
		writeError(w, http.StatusBadRequest, CodeValidation, "nodeId is required", nil)
		return
	}
	switch r.URL.Path {
	case "/v1/locks/acquire":
		res, err := s.service.AcquireLock(r.Context(), body.ConnID, body.NodeID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	case "/v1/locks/release":
		if err := s.service.ReleaseLock(r.Context(), body.ConnID, body.NodeID); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case "/v1/locks/renew":
		res, err := s.service.RenewLock(r.Context(), body.ConnID, body.NodeID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// handleEvents long-polls a connection's event feed: it returns whatever is
// buffered, or waits up to waitMs (default 25s) for the first event.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	connID := r.URL.Query().Get("connId")
	feed, err := s.service.Events(connID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	wait := 25 * time.Second
	if ms := r.URL.Query().Get("waitMs"); ms != "" {
		if d, perr := time.ParseDuration(ms + "ms"); perr == nil && d > 0 && d < wait {
			wait = d
		}
	}

	events := drainFeed(feed)
	if len(events) == 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case ev, ok := <-feed:
			if ok {
				events = append(events, ev)
				events = append(events, drainFeed(feed)...)
			}
		case <-timer.C:
		case <-r.Context().Done():
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func drainFeed(feed <-chan hub.Event) []hub.Event {
	var out []hub.Event
	for {
		select {
		case ev, ok := <-feed:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	var perr *Error
	if !errors.As(err, &perr) {
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error", nil)
		return
	}
	status := http.StatusInternalServerError
	switch perr.Code {
	case CodeValidation:
		status = http.StatusBadRequest
	case CodeUnauthorized:
		status = http.StatusUnauthorized
	case CodeRateLimited:
		status = http.StatusTooManyRequests
	case CodeNotJoined:
		status = http.StatusNotFound
	}
	writeError(w, status, perr.Code, perr.Message, perr.Details)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(target)
}
