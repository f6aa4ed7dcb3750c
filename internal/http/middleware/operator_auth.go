package middleware

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/outreachly/campaign-engine/internal/tenancy"
)

// OperatorClaims are the JWT claims issued to campaign operators. TenantID
// scopes every request made with the token.
type OperatorClaims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// OperatorJWT enforces an HMAC-signed JWT on operator endpoints and places
// the token's tenant id into the request context.
func OperatorJWT(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.Error(w, "operator auth disabled", http.StatusUnauthorized)
				return
			}
			auth := r.Header.Get("Authorization")
			if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, "missing authorization header", http.StatusUnauthorized)
				return
			}
			tokenString := strings.TrimPrefix(auth, "Bearer ")
			claims := OperatorClaims{}
			token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if claims.TenantID == "" {
				http.Error(w, "token missing tenant", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(tenancy.WithTenantID(r.Context(), claims.TenantID)))
		})
	}
}
