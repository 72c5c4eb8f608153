package collab

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/madfam-io/sim4d-sub005/internal/clock"
	"github.com/madfam-io/sim4d-sub005/internal/docstore"
	"github.com/madfam-io/sim4d-sub005/internal/hub"
	"github.com/madfam-io/sim4d-sub005/internal/lock"
	"github.com/madfam-io/sim4d-sub005/internal/presence"
)

func newTestHTTPServer(t *testing.T) *httptest.Server {
	t.Helper()
	clk := clock.NewManual(time.UnixMilli(1700000000000))
	svc := NewService(
		Config{TokenSecret: testSecret, TokenMaxAge: time.Hour},
		docstore.NewStore(),
		lock.NewMemoryManager(lock.WithClock(clk)),
		presence.NewTracker(presence.WithClock(clk)),
		hub.New(),
		clk,
	)
	srv := httptest.NewServer(NewHTTPServer(svc).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, client *http.Client, url string, body any, headers map[string]string) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, out
}

func TestHTTPJoinSubmitSyncFlow(t *testing.T) {
	srv := newTestHTTPServer(t)
	client := srv.Client()

	resp, body := postJSON(t, client, srv.URL+"/v1/token", map[string]any{"sessionId": "sess-1"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token status = %d", resp.StatusCode)
	}
	var token string
	if err := json.Unmarshal(body["token"], &token); err != nil {
		t.Fatalf("decode token: %v", err)
	}

	resp, body = postJSON(t, client, srv.URL+"/v1/join", map[string]any{
		"documentId": "doc-1",
		"user":       map[string]any{"id": "alice", "name": "Alice"},
	}, map[string]string{"Authorization": "Bearer " + token})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join status = %d", resp.StatusCode)
	}
	var connID string
	if err := json.Unmarshal(body["connId"], &connID); err != nil || connID == "" {
		t.Fatalf("join returned no connId: %v", err)
	}

	resp, _ = postJSON(t, client, srv.URL+"/v1/submit", map[string]any{
		"connId": connID,
		"operation": map[string]any{
			"id":        "op-1",
			"type":      "ADD_NODE",
			"timestamp": 1000,
			"payload":   map[string]any{"node": map[string]any{"id": "n1"}},
		},
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}

	resp, body = postJSON(t, client, srv.URL+"/v1/sync", map[string]any{"connId": connID}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync status = %d", resp.StatusCode)
	}
	var payload SyncPayload
	full, _ := json.Marshal(body)
	if err := json.Unmarshal(full, &payload); err != nil {
		t.Fatalf("decode sync payload: %v", err)
	}
	if payload.Seq != 1 || len(payload.Graph.Nodes) != 1 {
		t.Fatalf("sync = seq %d, %d nodes, want seq 1 with 1 node", payload.Seq, len(payload.Graph.Nodes))
	}

	// The connection's own broadcast is waiting on the events feed.
	evResp, err := client.Get(fmt.Sprintf("%s/v1/events?connId=%s&waitMs=100", srv.URL, connID))
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer evResp.Body.Close()
	var events struct {
		Events []hub.Event `json:"events"`
	}
	if err := json.NewDecoder(evResp.Body).Decode(&events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	var sawBroadcast bool
	for _, ev := range events.Events {
		if ev.Name == hub.EventOperationBroadcast {
			sawBroadcast = true
		}
	}
	if !sawBroadcast {
		t.Fatalf("no operation broadcast on events feed: %+v", events.Events)
	}
}

func TestHTTPRejectsBadToken(t *testing.T) {
	srv := newTestHTTPServer(t)

	resp, _ := postJSON(t, srv.Client(), srv.URL+"/v1/join", map[string]any{
		"documentId": "doc-1",
		"user":       map[string]any{"id": "alice", "name": "Alice"},
	}, map[string]string{"Authorization": "Bearer sess-1:123:bogus"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("join with bad token status = %d, want 401", resp.StatusCode)
	}

	resp, _ = postJSON(t, srv.Client(), srv.URL+"/v1/join", map[string]any{
		"documentId": "doc-1",
		"user":       map[string]any{"id": "alice", "name": "Alice"},
	}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("join without token status = %d, want 401", resp.StatusCode)
	}
}

func TestHTTPValidationStatus(t *testing.T) {
	srv := newTestHTTPServer(t)

	resp, _ := postJSON(t, srv.Client(), srv.URL+"/v1/submit", map[string]any{
		"connId": "conn-missing",
		"operation": map[string]any{
			"id": "op-1", "type": "ADD_NODE", "timestamp": 1000,
			"payload": map[string]any{"node": map[string]any{"id": "n1"}},
		},
	}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("submit before join status = %d, want 404", resp.StatusCode)
	}

	resp, _ = postJSON(t, srv.Client(), srv.URL+"/v1/token", map[string]any{}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("token without sessionId status = %d, want 400", resp.StatusCode)
	}
}
