package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/golang-jwt/jwt/v5"
)

const tokenTTL = 72 * time.Hour

// Identity is the authenticated caller extracted from a bearer token.
type Identity struct {
	UserID  string
	IsAdmin bool
}

type identityKey struct{}

// IdentityFromContext extracts the authenticated caller from the context.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// claims are the JWT claims issued at login.
type claims struct {
	Admin bool `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// signToken issues an HS256 bearer token for the user.
func (h *Handler) signToken(userID string, isAdmin bool) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Admin: isAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	})
	return token.SignedString(h.jwtSecret)
}

// parseToken validates a bearer token and returns the caller identity.
func (h *Handler) parseToken(raw string) (Identity, error) {
	var c claims
	token, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return h.jwtSecret, nil
	})
	if err != nil {
		return Identity{}, err
	}
	if !token.Valid || c.Subject == "" {
		return Identity{}, errors.New("invalid token")
	}
	return Identity{UserID: c.Subject, IsAdmin: c.Admin}, nil
}

// requireAuth wraps a handler with bearer-token authentication. The caller
// identity is stored in the request context.
func (h *Handler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("Authorization")
		if !strings.HasPrefix(raw, "Bearer ") {
			respondError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		id, err := h.parseToken(strings.TrimPrefix(raw, "Bearer "))
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), identityKey{}, id)
		next(w, r.WithContext(ctx))
	}
}

// requireAdmin wraps a handler with authentication plus an admin check.
func (h *Handler) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return h.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		id, _ := IdentityFromContext(r.Context())
		if !id.IsAdmin {
			respondError(w, http.StatusForbidden, "admin privileges required")
			return
		}
		next(w, r)
	})
}
