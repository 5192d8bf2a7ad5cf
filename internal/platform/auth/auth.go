// Package auth verifies bearer tokens issued by the account service and
// enforces capabilities before a request reaches the delivery core. The core
// itself never inspects roles.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Capability is a permission the core trusts once this middleware grants it.
type Capability string

const (
	// CapUpload allows creating and deleting media assets.
	CapUpload Capability = "upload"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid bearer token")
)

// roleCapabilities maps account roles to what they may do here.
var roleCapabilities = map[string][]Capability{
	"artist":    {CapUpload},
	"podcaster": {CapUpload},
	"admin":     {CapUpload},
}

// Identity is the verified caller.
type Identity struct {
	Subject string
	Role    string
}

// Can reports whether the identity holds c.
func (id Identity) Can(c Capability) bool {
	for _, have := range roleCapabilities[id.Role] {
		if have == c {
			return true
		}
	}
	return false
}

type ctxKey struct{}

// FromContext returns the identity stored by Middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// Verifier validates HS256 tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	log    *slog.Logger
}

// NewVerifier returns a Verifier for secret.
func NewVerifier(secret string, log *slog.Logger) *Verifier {
	return &Verifier{secret: []byte(secret), log: log}
}

// Verify parses raw and returns the identity it carries.
func (v *Verifier) Verify(raw string) (Identity, error) {
	if raw == "" {
		return Identity{}, ErrMissingToken
	}
	parsed, err := jwt.Parse(raw, func(token *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return Identity{}, errors.Join(ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	sub, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	if sub == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{Subject: sub, Role: role}, nil
}

// Require returns chi-compatible middleware that admits only callers holding c.
// 401 when the token is missing or invalid, 403 when the capability is absent.
func (v *Verifier) Require(c Capability) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			id, err := v.Verify(raw)
			if err != nil {
				v.log.Debug("auth rejected", slog.String("error", err.Error()))
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if !id.Can(c) {
				v.log.Info("capability denied",
					slog.String("subject", id.Subject),
					slog.String("role", id.Role),
					slog.String("capability", string(c)))
				w.WriteHeader(http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
