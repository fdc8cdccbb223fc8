package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v5"

	"github.com/darmiel/cirrus/internal/emulator/presenter"
)

const (
	APIKeyHeader     = "x-goog-api-key"
	InstanceIDHeader = "Firebase-Instance-ID-Token"
)

// APIKey rejects requests without an API key. If expected is not empty, the
// key must match it.
func APIKey(expected string) func(handler http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(APIKeyHeader)
			if key == "" {
				presenter.Error(w, r, "Method doesn't allow unregistered callers.", http.StatusForbidden)
				return
			}
			if expected != "" && key != expected {
				presenter.Error(w, r, "API key not valid. Please pass a valid API key.", http.StatusBadRequest)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// InstanceIDToken verifies the installation auth token of a callable request,
// if one is sent, and stores its FID in the request context.
func InstanceIDToken(signingKey []byte) func(handler http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := r.Header.Get(InstanceIDHeader)
			if tokenStr == "" {
				next.ServeHTTP(w, r)
				return
			}

			token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method")
				}
				return signingKey, nil
			})
			if err != nil || !token.Valid {
				presenter.Error(w, r, "invalid installation token", http.StatusUnauthorized)
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				presenter.Error(w, r, "invalid claims", http.StatusUnauthorized)
				return
			}
			fid, ok := claims["fid"].(string)
			if !ok || fid == "" {
				presenter.Error(w, r, "installation token without fid", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), instanceFIDKey, fid)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// InstanceFID returns the FID of a verified installation token, or "".
func InstanceFID(ctx context.Context) string {
	fid, _ := ctx.Value(instanceFIDKey).(string)
	return fid
}
