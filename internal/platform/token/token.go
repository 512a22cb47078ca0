// Package token mints and validates the short-lived access grants handed out
// by the negotiation endpoint. A grant is an HS256 JWT carrying exactly two
// role capabilities for one group: join/leave and send. Clients exchange
// their long-lived API credential for a grant and present the grant as a
// query parameter when opening the websocket.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role prefixes scoped per group.
const (
	RoleJoinPrefix = "group.join."
	RoleSendPrefix = "group.send."
)

// ErrInvalidToken means the presented grant failed signature, expiry or
// shape validation.
var ErrInvalidToken = errors.New("invalid access token")

// Grant is the validated content of an access token: who the connection is,
// which groups it is auto-joined to, and which role capabilities it holds.
type Grant struct {
	UserID string
	Groups []string
	Roles  []string
}

// AllowsJoin reports whether the grant covers joining/leaving group.
func (g Grant) AllowsJoin(group string) bool {
	return g.hasRole(RoleJoinPrefix + group)
}

// AllowsSend reports whether the grant covers sending to group.
func (g Grant) AllowsSend(group string) bool {
	return g.hasRole(RoleSendPrefix + group)
}

func (g Grant) hasRole(role string) bool {
	for _, r := range g.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type claims struct {
	jwt.RegisteredClaims
	Groups []string `json:"groups"`
	Roles  []string `json:"roles"`
}

// Issuer mints grants signed with a shared secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// NewIssuer returns an Issuer whose grants expire after ttl.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

// Issue creates a signed grant for the (userID, group) pair. The grant's
// scope is exactly join/leave and send for that one group.
func (i *Issuer) Issue(userID, group string) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Groups: []string{group},
		Roles:  []string{RoleJoinPrefix + group, RoleSendPrefix + group},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := tok.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign grant: %w", err)
	}
	return signed, nil
}

// Validate parses tokenStr and returns the grant it carries.
func (i *Issuer) Validate(tokenStr string) (Grant, error) {
	tok, err := jwt.ParseWithClaims(tokenStr, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid || c.Subject == "" {
		return Grant{}, ErrInvalidToken
	}
	return Grant{UserID: c.Subject, Groups: c.Groups, Roles: c.Roles}, nil
}
