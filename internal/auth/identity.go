package auth

import (
	"errors"
	"sync"

	"github.com/lounge-hq/console/internal/claims"
)

var ErrNotAuthenticated = errors.New("not authenticated")
var ErrForbidden = errors.New("required role not held")

// Identity owns the current bearer token and the Claims derived from it.
// Claims are recomputed synchronously whenever the token changes, under the
// same lock that guards reads, so no caller can ever observe a new token
// paired with stale claims.
type Identity struct {
	mu     sync.RWMutex
	token  string
	claims *claims.Claims
}

func NewIdentity() *Identity {
	return &Identity{}
}

// SetToken replaces the current token and re-derives claims from it. An empty
// token clears the identity entirely.
func (i *Identity) SetToken(token string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.token = token
	if token == "" {
		i.claims = nil
	} else {
		i.claims = claims.Decode(token)
	}
}

// ClearToken discards the current token and claims, as on logout.
func (i *Identity) ClearToken() {
	i.SetToken("")
}

// Token returns the current bearer token, or an empty string when logged out.
// Its method value serves as the token factory handed to the realtime
// connection.
func (i *Identity) Token() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.token
}

// Claims returns the claims derived from the current token, or nil when no
// token is present or the token could not be decoded.
func (i *Identity) Claims() *claims.Claims {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.claims
}

// Authenticated reports whether a token is present, decodable, and not
// expired as of the last decode. A malformed token is indistinguishable from
// no token at all.
func (i *Identity) Authenticated() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.token != "" && i.claims != nil && !i.claims.IsExpired()
}

func (i *Identity) HasRole(role string) bool {
	return i.Claims().HasRole(role)
}

func (i *Identity) HasAnyRole(roles ...string) bool {
	return i.Claims().HasAnyRole(roles...)
}

func (i *Identity) HasAllRoles(roles ...string) bool {
	return i.Claims().HasAllRoles(roles...)
}

// Require is the gate consulted before navigating to a protected route or
// performing an admin action: it fails unless the identity is authenticated
// and, when roles are given, holds at least one of them.
func (i *Identity) Require(roles ...string) error {
	if !i.Authenticated() {
		return ErrNotAuthenticated
	}
	if len(roles) > 0 && !i.HasAnyRole(roles...) {
		return ErrForbidden
	}
	return nil
}
