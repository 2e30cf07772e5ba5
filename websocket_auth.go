package main

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"pactduel/trust/internal/auth"
)

// gatewayAuthenticator resolves the player identity a connection is allowed to
// bind to, before the WebSocket upgrade happens.
type gatewayAuthenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// allowAllAuthenticator trusts the player_id query parameter. Development only;
// the gateway logs a warning when it is active.
type allowAllAuthenticator struct{}

func (allowAllAuthenticator) Authenticate(r *http.Request) (string, error) {
	playerID := strings.TrimSpace(r.URL.Query().Get("player_id"))
	if playerID == "" {
		return "", errors.New("missing player_id")
	}
	return playerID, nil
}

// hmacAuthenticator validates signed handshake tokens minted by the
// matchmaking service.
type hmacAuthenticator struct {
	verifier *auth.TokenVerifier
}

func newHMACAuthenticator(secret string) (gatewayAuthenticator, error) {
	verifier, err := auth.NewTokenVerifier(secret, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return &hmacAuthenticator{verifier: verifier}, nil
}

// Authenticate validates the incoming token and returns the player identity
// the connection may bind to.
func (a *hmacAuthenticator) Authenticate(r *http.Request) (string, error) {
	if a == nil || a.verifier == nil {
		return "", errors.New("verifier not configured")
	}
	token := strings.TrimSpace(r.URL.Query().Get("auth_token"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}
	if token == "" {
		return "", errors.New("missing auth token")
	}
	claims, err := a.verifier.Verify(token)
	if err != nil {
		return "", err
	}
	return claims.PlayerID, nil
}
