// Package identity extracts the local user identity from the portal session
// token. The identity is resolved once at construction and threaded
// explicitly into every component that needs it; nothing reads it from
// ambient state.
package identity

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoSubject = errors.New("session token has no subject claim")

// Claims is the portal session token claim set.
type Claims struct {
	Name string `json:"name"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Session is the local user identity for one sync client instance.
type Session struct {
	UserID string
	Name   string
	Role   string
	Token  string
}

// FromToken parses the session JWT and builds the local Session.
//
// The token is parsed without signature verification: the client does not
// hold the portal's signing secret, and the server re-validates the token
// on every call. The claims are only used to address the local user.
func FromToken(token string) (*Session, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("parse session token: %w", err)
	}
	if claims.Subject == "" {
		return nil, ErrNoSubject
	}
	return &Session{
		UserID: claims.Subject,
		Name:   claims.Name,
		Role:   claims.Role,
		Token:  token,
	}, nil
}
