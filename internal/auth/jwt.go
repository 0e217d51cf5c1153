package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

type ctxKey string

const (
	ctxUserID   ctxKey = "uid"
	ctxTenantID ctxKey = "tenant"
)

// JWTCfg holds JWT authentication configuration
type JWTCfg struct {
	HS256Secret string // HMAC secret for HS256 bearer tokens
	DevMode     bool   // Allow X-Debug-Sub / X-Debug-Tenant headers (local dev only)
}

// Claims are the identity claims the gateway requires on every bearer token.
// The token is opaque to everything downstream of this package; handlers read
// tenant and user identity from the request context.
type Claims struct {
	TenantID string
	UserID   string
}

// ValidateToken validates an HS256 JWT and returns the tenant and user claims.
func ValidateToken(tokenString string, cfg JWTCfg) (Claims, error) {
	if tokenString == "" {
		return Claims{}, errors.New("token is empty")
	}
	if cfg.HS256Secret == "" {
		return Claims{}, errors.New("HS256 secret not configured")
	}

	claims := jwt.MapClaims{}
	t, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(cfg.HS256Secret), nil
	})
	if err != nil || !t.Valid {
		return Claims{}, fmt.Errorf("jwt validation failed: %w", err)
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return Claims{}, errors.New("missing or invalid sub claim")
	}

	tenantID, ok := claims["tenant_id"].(string)
	if !ok || tenantID == "" {
		return Claims{}, errors.New("missing or invalid tenant_id claim")
	}

	return Claims{TenantID: tenantID, UserID: sub}, nil
}

// Middleware authenticates requests via Authorization: Bearer and stores the
// tenant and user identity in the request context.
//
// Dev mode additionally accepts X-Debug-Sub / X-Debug-Tenant headers so local
// clients can skip token minting.
func Middleware(cfg JWTCfg) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.DevMode {
				if sub := r.Header.Get("X-Debug-Sub"); sub != "" {
					tenant := r.Header.Get("X-Debug-Tenant")
					ctx := WithIdentity(r.Context(), Claims{TenantID: tenant, UserID: sub})
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}

			header := r.Header.Get("Authorization")
			if header == "" || !strings.HasPrefix(header, "Bearer ") {
				writeAuthError(w, "AuthMissing", "missing bearer token")
				return
			}

			claims, err := ValidateToken(strings.TrimPrefix(header, "Bearer "), cfg)
			if err != nil {
				log.Debug().Err(err).Msg("bearer token rejected")
				writeAuthError(w, "AuthInvalid", "invalid bearer token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), claims)))
		})
	}
}

func writeAuthError(w http.ResponseWriter, kind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, `{"error":%q,"message":%q}`, kind, msg)
}

// WithIdentity stores the authenticated identity in ctx.
func WithIdentity(ctx context.Context, c Claims) context.Context {
	ctx = context.WithValue(ctx, ctxUserID, c.UserID)
	return context.WithValue(ctx, ctxTenantID, c.TenantID)
}

// UserID retrieves the authenticated user ID from context, or "".
func UserID(ctx context.Context) string {
	if v, ok := ctx.Value(ctxUserID).(string); ok {
		return v
	}
	return ""
}

// TenantID retrieves the authenticated tenant ID from context, or "".
func TenantID(ctx context.Context) string {
	if v, ok := ctx.Value(ctxTenantID).(string); ok {
		return v
	}
	return ""
}
