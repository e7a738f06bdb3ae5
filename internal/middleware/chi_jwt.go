// Package middleware holds the gateway session-token middleware. The local
// UI pairs once with the daemon's pairing secret and receives a short-lived
// signed session token for every other request.
package middleware

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/neboloop/conductor/internal/httputil"
)

// SessionIssuer is the iss claim stamped on gateway session tokens.
const SessionIssuer = "conductor"

// SessionTTL bounds how long a pairing session stays valid.
const SessionTTL = 24 * time.Hour

// ContextKey is the type for request-context keys set by this package.
type ContextKey string

// ClientIDKey carries the paired client id through the request context.
const ClientIDKey ContextKey = "clientId"

// MintSessionToken issues a signed session token for a paired client.
func MintSessionToken(secret, clientID string, now time.Time) (string, time.Time, error) {
	expires := now.Add(SessionTTL)
	claims := jwt.MapClaims{
		"sub": clientID,
		"iss": SessionIssuer,
		"iat": now.Unix(),
		"exp": expires.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// ValidateSessionToken checks signature, issuer, and expiry, returning the
// client id the token was minted for.
func ValidateSessionToken(secret, tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", jwt.ErrTokenSignatureInvalid
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", jwt.ErrTokenInvalidClaims
	}
	if iss, _ := claims["iss"].(string); iss != SessionIssuer {
		return "", jwt.ErrTokenInvalidIssuer
	}
	sub, _ := claims["sub"].(string)
	return sub, nil
}

// JWTMiddleware validates the gateway session token on protected routes and
// stores the paired client id in the request context.
func JWTMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := BearerToken(r)
			if tokenString == "" {
				httputil.Unauthorized(w, "missing authorization header")
				return
			}

			clientID, err := ValidateSessionToken(secret, tokenString)
			if err != nil {
				httputil.Unauthorized(w, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), ClientIDKey, clientID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken extracts the bearer token from the Authorization header or,
// for websocket upgrades that cannot set headers, the token query parameter.
func BearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// ClientID returns the paired client id stored by JWTMiddleware.
func ClientID(ctx context.Context) string {
	if id, ok := ctx.Value(ClientIDKey).(string); ok {
		return id
	}
	return ""
}

// IsLocalhostOrigin reports whether the Origin header names a local address.
// The gateway only serves the local UI, so everything else is rejected by
// the CORS layer.
func IsLocalhostOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
