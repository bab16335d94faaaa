package claims

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// The lounge API issues standard JWTs, but the fields that carry identity
// information vary with how the token was minted: tokens issued directly by
// the API use plain 'role'/'name' fields, while tokens minted through the
// identity provider use the .NET namespaced claim URIs.
const (
	namespacedRoleKey = "http://schemas.microsoft.com/ws/2008/06/identity/claims/role"
	namespacedNameKey = "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/name"
)

// Claims holds the identity and authorization attributes decoded from the
// payload segment of a bearer token. Decoding is a local, offline operation:
// the signature is never verified client-side, and expiry is the only
// freshness check the console enforces.
type Claims struct {
	Subject     string
	Email       string
	DisplayName string

	// Roles preserves the order in which role values appeared in the token
	Roles []string

	// ExpiresAt is resolved from the numeric 'exp' claim, or nil if the
	// token carries no expiry
	ExpiresAt *time.Time

	// expired is snapshotted against the wall clock at decode time; it is
	// deliberately not re-evaluated afterward, so a long-lived Claims value
	// reflects freshness as of the last decode
	expired bool
}

// Decode parses the payload segment of a bearer token into a Claims struct.
// It fails soft: a token with fewer than two dot-separated segments, a
// non-base64url payload, or a payload that isn't a JSON object all yield nil
// rather than an error, and the caller treats nil as "not authenticated".
func Decode(token string) *Claims {
	segments := strings.Split(token, ".")
	if len(segments) < 2 {
		return nil
	}
	payload, err := jwt.NewParser().DecodeSegment(segments[1])
	if err != nil {
		return nil
	}
	var fields jwt.MapClaims
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil
	}

	c := &Claims{
		Roles: extractRoles(fields),
	}
	if subject, err := fields.GetSubject(); err == nil {
		c.Subject = subject
	}
	if email, ok := fields["email"].(string); ok {
		c.Email = email
	}
	c.DisplayName = extractDisplayName(fields)

	if expiresAt, err := fields.GetExpirationTime(); err == nil && expiresAt != nil {
		t := expiresAt.Time
		c.ExpiresAt = &t
		c.expired = !t.After(time.Now())
	}
	return c
}

// IsExpired reports whether the token's expiry claim was in the past when the
// token was decoded. Tokens without an 'exp' claim are never considered
// expired.
func (c *Claims) IsExpired() bool {
	if c == nil {
		return false
	}
	return c.expired
}

// PrimaryRole returns the first of the token's roles, or an empty string if
// the token carries none.
func (c *Claims) PrimaryRole() string {
	if c == nil || len(c.Roles) == 0 {
		return ""
	}
	return c.Roles[0]
}

// HasRole reports whether the token carries the given role. A nil Claims has
// no roles.
func (c *Claims) HasRole(role string) bool {
	if c == nil {
		return false
	}
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the token carries at least one of the given
// roles.
func (c *Claims) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if c.HasRole(role) {
			return true
		}
	}
	return false
}

// HasAllRoles reports whether the token carries every one of the given roles.
func (c *Claims) HasAllRoles(roles ...string) bool {
	if c == nil {
		return false
	}
	for _, role := range roles {
		if !c.HasRole(role) {
			return false
		}
	}
	return true
}
