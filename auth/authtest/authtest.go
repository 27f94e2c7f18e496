// Package authtest provides Authenticators for tests and local development.
package authtest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/mcp-state-go/auth"
)

// NoAuth accepts every request as the same user.
type NoAuth struct {
	UserID string
}

// NewNoAuth creates a NoAuth authenticator. If userID is empty, it defaults
// to "test-user".
func NewNoAuth(userID string) *NoAuth {
	if userID == "" {
		userID = "test-user"
	}
	return &NoAuth{UserID: userID}
}

func (n *NoAuth) CheckAuthentication(context.Context, string) (auth.UserInfo, error) {
	return User{ID: n.UserID}, nil
}

// Tokens maps fixed bearer tokens to user ids. Unknown tokens are rejected
// with auth.ErrUnauthorized.
type Tokens map[string]string

func (t Tokens) CheckAuthentication(_ context.Context, tok string) (auth.UserInfo, error) {
	id, ok := t[tok]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	return User{ID: id}, nil
}

// User is a static UserInfo whose claims are just its subject.
type User struct {
	ID string
}

func (u User) UserID() string { return u.ID }

func (u User) Claims(ref any) error {
	b, err := json.Marshal(map[string]any{"sub": u.ID})
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}
