package ws

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"storewatch/internal/subscription"
)

// ErrInvalidToken is returned for a token that matches no configured operator.
var ErrInvalidToken = errors.New("invalid token")

// TokenConfig maps a bearer token to an operator identity.
type TokenConfig struct {
	Token   string `yaml:"token"`
	UserID  string `yaml:"user_id"`
	StoreID string `yaml:"store_id"`
	Role    string `yaml:"role"`
}

// Authenticator resolves the principal behind an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (subscription.Principal, error)
}

// TokenAuth authenticates operators by bearer token, taken from the Authorization
// header or the token query parameter. A request without a token gets an
// unauthenticated principal.
type TokenAuth struct {
	tokens []TokenConfig
}

// NewTokenAuth creates a token authenticator.
func NewTokenAuth(tokens []TokenConfig) *TokenAuth {
	return &TokenAuth{tokens: tokens}
}

// Authenticate implements Authenticator.
func (a *TokenAuth) Authenticate(r *http.Request) (subscription.Principal, error) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return subscription.Principal{}, nil
	}

	var match *TokenConfig
	for i := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(a.tokens[i].Token), []byte(token)) == 1 {
			match = &a.tokens[i]
		}
	}
	if match == nil {
		return subscription.Principal{}, ErrInvalidToken
	}
	return subscription.Principal{
		UserID:        match.UserID,
		StoreID:       match.StoreID,
		Role:          match.Role,
		Authenticated: true,
	}, nil
}
