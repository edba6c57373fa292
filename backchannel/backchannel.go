// Package backchannel turns OpenID Connect Back-Channel Logout tokens into
// sessions.LogoutToken values.
//
// Signature, issuer, audience and freshness checks are the caller's job: this
// package only decodes claims from a token that has already been verified and
// enforces the claim shape required by OpenID Connect Back-Channel Logout 1.0
// (section 2.4):
//
//   - the events claim contains the back-channel logout event,
//   - a nonce claim is absent,
//   - at least one of sid and sub is present.
package backchannel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ggoodman/oidc-sessions/sessions"
	"github.com/golang-jwt/jwt/v5"
)

// LogoutEvent is the member of the events claim identifying a logout token.
const LogoutEvent = "http://schemas.openid.net/event/backchannel-logout"

var (
	ErrMalformed    = errors.New("backchannel: malformed logout token")
	ErrMissingEvent = errors.New("backchannel: logout event missing")
	ErrNoncePresent = errors.New("backchannel: nonce not allowed in logout token")
	ErrNoSubject    = errors.New("backchannel: logout token has neither sid nor sub")
)

// Claims is the claim set of a logout token.
type Claims struct {
	jwt.RegisteredClaims
	SID    string                     `json:"sid,omitempty"`
	Events map[string]json.RawMessage `json:"events,omitempty"`
	Nonce  json.RawMessage            `json:"nonce,omitempty"`
}

// LogoutToken validates the claim shape and extracts the session selectors.
func (c *Claims) LogoutToken() (sessions.LogoutToken, error) {
	ev, ok := c.Events[LogoutEvent]
	if !ok {
		return sessions.LogoutToken{}, ErrMissingEvent
	}
	var obj map[string]any
	if err := json.Unmarshal(ev, &obj); err != nil || obj == nil {
		return sessions.LogoutToken{}, fmt.Errorf("%w: logout event is not a JSON object", ErrMalformed)
	}
	if len(c.Nonce) > 0 {
		return sessions.LogoutToken{}, ErrNoncePresent
	}
	tok := sessions.LogoutToken{SID: c.SID, Sub: c.Subject}
	if tok.IsZero() {
		return sessions.LogoutToken{}, ErrNoSubject
	}
	return tok, nil
}

// ParseLogoutToken decodes the claims of a compact-serialized logout token
// that the caller has already verified.
func ParseLogoutToken(raw string) (sessions.LogoutToken, error) {
	var c Claims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &c); err != nil {
		return sessions.LogoutToken{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return c.LogoutToken()
}

// FromClaims extracts session selectors from claims produced by the caller's
// own token verifier.
func FromClaims(claims map[string]any) (sessions.LogoutToken, error) {
	b, err := json.Marshal(claims)
	if err != nil {
		return sessions.LogoutToken{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	var c Claims
	if err := json.Unmarshal(b, &c); err != nil {
		return sessions.LogoutToken{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return c.LogoutToken()
}

// Invalidator is the part of sessions.Store a logout endpoint needs.
type Invalidator interface {
	DeleteByLogoutToken(ctx context.Context, tok sessions.LogoutToken) error
}

// Logout decodes raw and invalidates every session it selects.
func Logout(ctx context.Context, inv Invalidator, raw string) error {
	tok, err := ParseLogoutToken(raw)
	if err != nil {
		return err
	}
	return inv.DeleteByLogoutToken(ctx, tok)
}

var _ Invalidator = (*sessions.Store)(nil)
