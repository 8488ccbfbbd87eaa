package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"chainlog/pkg/requestcontext"
)

// RequireAdmin guards operator endpoints (verify, replay, export, stats)
// with an HS256 bearer token carrying role=admin. When no signing key is
// configured the guard is disabled, which is only acceptable for local
// development.
func RequireAdmin(signingKey string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if signingKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok {
				unauthorized(w)
				return
			}

			claims := jwt.MapClaims{}
			parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return []byte(signingKey), nil
			})
			if err != nil || !parsed.Valid {
				logger.WarnContext(r.Context(), "operator endpoint rejected invalid token",
					"path", r.URL.Path,
					"request_id", requestcontext.RequestID(r.Context()),
					"error", err,
				)
				unauthorized(w)
				return
			}
			if role, _ := claims["role"].(string); role != "admin" {
				unauthorized(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"unauthorized"}`))
}
