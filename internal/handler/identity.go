package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/prn-tf/alexander-uploads/internal/config"
)

// ErrNoIdentity is returned when a request carries no usable identity.
var ErrNoIdentity = errors.New("no caller identity")

// IdentityResolver extracts the owner id from a request.
type IdentityResolver interface {
	Resolve(r *http.Request) (string, error)
}

// HeaderIdentity trusts an owner id set by an upstream gateway.
type HeaderIdentity struct {
	Header string
}

// Resolve implements IdentityResolver.
func (h HeaderIdentity) Resolve(r *http.Request) (string, error) {
	owner := strings.TrimSpace(r.Header.Get(h.Header))
	if owner == "" {
		return "", ErrNoIdentity
	}
	return owner, nil
}

// JWTIdentity verifies an HS256 bearer token and uses its subject.
type JWTIdentity struct {
	secret []byte
	issuer string
}

// NewJWTIdentity creates a bearer token resolver.
func NewJWTIdentity(secret, issuer string) *JWTIdentity {
	return &JWTIdentity{secret: []byte(secret), issuer: issuer}
}

// Resolve implements IdentityResolver.
func (j *JWTIdentity) Resolve(r *http.Request) (string, error) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || raw == "" {
		return "", ErrNoIdentity
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return j.secret, nil
	}, opts...); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoIdentity, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrNoIdentity)
	}
	return claims.Subject, nil
}

// NewIdentityResolver builds the resolver selected by cfg.
func NewIdentityResolver(cfg config.IdentityConfig) (IdentityResolver, error) {
	switch cfg.Mode {
	case "", "header":
		header := cfg.Header
		if header == "" {
			header = "X-User-ID"
		}
		return HeaderIdentity{Header: header}, nil
	case "jwt":
		if cfg.JWTSecret == "" {
			return nil, errors.New("identity.jwt_secret is required in jwt mode")
		}
		return NewJWTIdentity(cfg.JWTSecret, cfg.JWTIssuer), nil
	default:
		return nil, fmt.Errorf("unknown identity mode %q", cfg.Mode)
	}
}

type ownerKey struct{}

// RequireIdentity rejects requests without an identity and stores the owner
// id in the request context.
func RequireIdentity(resolver IdentityResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner, err := resolver.Resolve(r)
			if err != nil {
				writeError(w, ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
		})
	}
}

// OwnerFromContext returns the owner id stored by RequireIdentity.
func OwnerFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}
