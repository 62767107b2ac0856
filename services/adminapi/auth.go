package adminapi

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"github.com/aegis-network/edge/infrastructure/httputil"
)

// Claims is the operator token payload. Tokens are minted out of band by
// the operator tooling; this surface only verifies them.
type Claims struct {
	Subject string `json:"sub"`
	jwt.RegisteredClaims
}

// authMiddleware requires a valid Bearer JWT signed with secret. It
// never writes or inspects session state; this surface is read-only and
// has no API-key fallback.
func authMiddleware(secret []byte) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				httputil.WriteErrorResponse(w, r, http.StatusUnauthorized, "MISSING_TOKEN", "missing bearer token", nil)
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrTokenSignatureInvalid
				}
				return secret, nil
			})
			if err != nil || !token.Valid {
				httputil.WriteErrorResponse(w, r, http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired token", nil)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
