package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AdminAuth guards the admin API with a static token, sent either as
// "Authorization: Bearer <token>" or as "x-api-key". An empty token
// disables the check.
func AdminAuth(token string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
				if tokenEqual(strings.TrimPrefix(authHeader, "Bearer "), token) {
					next.ServeHTTP(w, r)
					return
				}
			}
			if apiKey := r.Header.Get("x-api-key"); apiKey != "" && tokenEqual(apiKey, token) {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":{"message":"Invalid admin token","type":"authentication_error"}}`))
		})
	}
}

func tokenEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
