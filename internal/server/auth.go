package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Tyrowin/gochat-relay/internal/config"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
)

// authenticator checks the HS256 token presented on upgrade and yields its
// subject, which every user_online on that connection must match.
type authenticator struct {
	secret []byte
	cookie string
}

func newAuthenticator(cfg config.AuthConfig) *authenticator {
	if !cfg.Enabled() {
		return nil
	}
	return &authenticator{secret: []byte(cfg.JWTSecret), cookie: cfg.Cookie}
}

func (a *authenticator) token(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	if a.cookie != "" {
		if c, err := r.Cookie(a.cookie); err == nil {
			return c.Value
		}
	}
	return ""
}

// subject validates the request's token and returns its sub claim.
func (a *authenticator) subject(r *http.Request) (string, error) {
	raw := a.token(r)
	if raw == "" {
		return "", ErrMissingToken
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
