package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/madfam-io/sim4d-sub005/internal/clock"
)

// DefaultRefreshBefore is how long before expiry a cached token is refreshed.
const DefaultRefreshBefore = 5 * time.Minute

// TokenSource fetches session tokens from a refresh endpoint and caches them
// until they approach expiry. Clients hold one source per session so every
// outgoing connection carries a live token.
type TokenSource struct {
	Endpoint      string
	HTTPClient    *http.Client
	MaxAge        time.Duration
	RefreshBefore time.Duration
	Clock         clock.Clock

	// OnRefresh, when set, is invoked with each newly fetched token.
	OnRefresh func(token string)

	mu      sync.Mutex
	current string
	expires time.Time
}

type refreshResponse struct {
	Token string `json:"token"`
}

func (s *TokenSource) client() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return http.DefaultClient
}

func (s *TokenSource) clock() clock.Clock {
	if s.Clock != nil {
		return s.Clock
	}
	return clock.Real()
}

func (s *TokenSource) maxAge() time.Duration {
	if s.MaxAge > 0 {
		return s.MaxAge
	}
	return DefaultMaxAge
}

func (s *TokenSource) refreshBefore() time.Duration {
	if s.RefreshBefore > 0 {
		return s.RefreshBefore
	}
	return DefaultRefreshBefore
}

// Token returns the cached token, refreshing it first when it is missing or
// within RefreshBefore of expiry.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock().Now()
	if s.current != "" && now.Before(s.expires.Add(-s.refreshBefore())) {
		return s.current, nil
	}
	if err := s.refreshLocked(ctx, now); err != nil {
		return "", err
	}
	return s.current, nil
}

func (s *TokenSource) refreshLocked(ctx context.Context, now time.Time) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}
	resp, err := s.client().Do(req)
	if err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("refresh token: unexpected status %d", resp.StatusCode)
	}
	var body refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("refresh token: decode response: %w", err)
	}
	if body.Token == "" {
		return fmt.Errorf("refresh token: empty token in response")
	}
	s.current = body.Token
	s.expires = now.Add(s.maxAge())
	if s.OnRefresh != nil {
		s.OnRefresh(body.Token)
	}
	return nil
}

// Run refreshes the token on a fixed interval until the context ends. It is
// meant to run in its own goroutine for long-lived sessions.
func (s *TokenSource) Run(ctx context.Context, interval time.Duration) {
	ticker := s.clock().NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.mu.Lock()
			err := s.refreshLocked(ctx, s.clock().Now())
			s.mu.Unlock()
			if err != nil && ctx.Err() == nil {
				// Keep the previous token; the next tick retries.
				continue
			}
		}
	}
}
