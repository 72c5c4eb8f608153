// Package auth validates and refreshes the session tokens that gate every
// collaboration connection. A token is "sessionId:timestamp:signature"
// where signature is the hex HMAC-SHA256 of "sessionId:timestamp".
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/madfam-io/sim4d-sub005/internal/clock"
)

const DefaultMaxAge = time.Hour

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

type Token struct {
	SessionID string
	IssuedAt  time.Time
}

func IssueToken(secret []byte, sessionID string, issuedAt time.Time) string {
	ts := strconv.FormatInt(issuedAt.UnixMilli(), 10)
	return sessionID + ":" + ts + ":" + sign(secret, sessionID+":"+ts)
}

// ParseToken verifies the signature and age of a token. now is injected so
// expiry can be tested without sleeping.
func ParseToken(secret []byte, token string, maxAge time.Duration, now time.Time) (Token, error) {
	parts := strings.Split(token, ":")
	if len(parts) != 3 {
		return Token{}, ErrInvalidToken
	}
	sessionID, ts, signature := parts[0], parts[1], parts[2]
	if sessionID == "" {
		return Token{}, ErrInvalidToken
	}

	expected := sign(secret, sessionID+":"+ts)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return Token{}, ErrInvalidToken
	}

	millis, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return Token{}, ErrInvalidToken
	}
	issuedAt := time.UnixMilli(millis)
	if now.Sub(issuedAt) >= maxAge {
		return Token{}, ErrExpiredToken
	}
	return Token{SessionID: sessionID, IssuedAt: issuedAt}, nil
}

func sign(secret []byte, payload string) string {
	sum := hmac.New(sha256.New, secret)
	_, _ = sum.Write([]byte(payload))
	return hex.EncodeToString(sum.Sum(nil))
}

// Validator checks tokens against a shared secret with a fixed max age.
type Validator struct {
	secret []byte
	maxAge time.Duration
	clock  clock.Clock
}

func NewValidator(secret []byte, maxAge time.Duration, clk clock.Clock) *Validator {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Validator{secret: secret, maxAge: maxAge, clock: clk}
}

func (v *Validator) Validate(token string) (Token, error) {
	tok, err := ParseToken(v.secret, token, v.maxAge, v.clock.Now())
	if err != nil {
		return Token{}, fmt.Errorf("validate token: %w", err)
	}
	return tok, nil
}
