package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrUnauthorized rejects missing, malformed or invalid credentials.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInsufficientScope rejects a valid token that lacks a required scope.
	ErrInsufficientScope = errors.New("insufficient scope")
)

// UserInfo is an authenticated principal. Sessions and task contexts record
// UserID as their owner.
type UserInfo interface {
	UserID() string
	// Claims decodes the token's claims into ref.
	Claims(ref any) error
}

// Authenticator maps a bearer token to its principal, failing with
// ErrUnauthorized or ErrInsufficientScope.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, tok string) (UserInfo, error)

func (f AuthenticatorFunc) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	return f(ctx, tok)
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}
