// Package auth extracts the caller identity from a bearer token. This core
// never mints tokens; it verifies tokens issued by the surrounding platform
// with a shared HMAC secret and treats the subject claim as the opaque
// identity.
package auth

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

type contextKey int

const identityKey contextKey = iota

var (
	ErrNoToken      = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

type Verifier struct {
	secret []byte
	logger *zap.SugaredLogger
}

// NewVerifierFromEnv builds a Verifier from AUTH_HMAC_SECRET.
func NewVerifierFromEnv(logger *zap.SugaredLogger) (*Verifier, error) {
	secret := os.Getenv("AUTH_HMAC_SECRET")
	if secret == "" {
		return nil, errors.New("AUTH_HMAC_SECRET is required")
	}
	return &Verifier{secret: []byte(secret), logger: logger}, nil
}

// IdentityFromToken parses and verifies a compact JWS and returns its
// subject.
func (v *Verifier) IdentityFromToken(raw string) (string, error) {
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil || !tok.Valid {
		return "", ErrInvalidToken
	}
	sub, err := tok.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", ErrInvalidToken
	}
	return sub, nil
}

// Middleware rejects requests without a valid bearer identity and stashes
// the identity in the request context for handlers.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		identity, err := v.IdentityFromToken(strings.TrimPrefix(h, "Bearer "))
		if err != nil {
			v.logger.Debugw("token rejected", "err", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// WithIdentity returns ctx carrying identity.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// Identity returns the caller identity stashed by Middleware, or "".
func Identity(ctx context.Context) string {
	s, _ := ctx.Value(identityKey).(string)
	return s
}
