// Package auth gates the relay's ingest and admin surfaces with JWT bearer
// tokens. A token names the publishing client (sub) and carries the scopes
// that decide what it may do; ingest is typically locked to the publish
// scope while status stays open.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dskow/relay-core/internal/apierror"
	"github.com/dskow/relay-core/internal/config"
	"github.com/dskow/relay-core/internal/metrics"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const identityKey contextKey = "relay_identity"

// Identity is the validated caller of a protected endpoint.
type Identity struct {
	ClientID string
	Issuer   string
	Audience string
	Scopes   []string
}

// HasScope reports whether the token granted the given scope.
func (id *Identity) HasScope(scope string) bool {
	for _, s := range id.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// FromContext returns the identity stored by Middleware, or nil on
// unprotected paths.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey).(*Identity)
	return id
}

// ErrMissingScope marks a valid token that lacks a required scope; the
// caller gets 403 instead of 401.
var ErrMissingScope = errors.New("missing required scope")

// Middleware validates bearer tokens on the paths pathProtected selects.
// Everything else, and everything when auth is disabled, passes through.
// The validated identity lands in the request context for downstream
// handlers.
func Middleware(cfg config.AuthConfig, pathProtected func(path string) bool, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled || !pathProtected(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			raw, ok := bearerToken(r)
			if !ok {
				metrics.AuthFailures.WithLabelValues("missing_token").Inc()
				apierror.WriteJSON(w, r, http.StatusUnauthorized,
					apierror.AuthMissingToken, "missing or malformed Authorization header")
				return
			}

			id, err := verify(raw, cfg)
			if err != nil {
				logger.Warn("rejected token", "error", err, "path", r.URL.Path)
				if errors.Is(err, ErrMissingScope) {
					metrics.AuthFailures.WithLabelValues("insufficient_scope").Inc()
					apierror.WriteJSON(w, r, http.StatusForbidden,
						apierror.AuthInsufficientScope, err.Error())
					return
				}
				metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
				apierror.WriteJSON(w, r, http.StatusUnauthorized,
					apierror.AuthInvalidToken, err.Error())
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, rest, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(rest)
	return token, token != ""
}

// verify checks signature, issuer, audience, and expiry, then maps the
// claims onto a relay identity and enforces the configured scopes.
func verify(raw string, cfg config.AuthConfig) (*Identity, error) {
	token, err := jwt.Parse(raw,
		func(t *jwt.Token) (interface{}, error) { return []byte(cfg.JWTSecret), nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	id := &Identity{}
	id.ClientID, _ = claims["sub"].(string)
	id.Issuer, _ = claims["iss"].(string)
	id.Audience = firstAudience(claims["aud"])
	// scope is a space-separated list per RFC 8693.
	if scope, ok := claims["scope"].(string); ok {
		id.Scopes = strings.Fields(scope)
	}

	for _, required := range cfg.Scopes {
		if !id.HasScope(required) {
			return nil, fmt.Errorf("%w: %s", ErrMissingScope, required)
		}
	}
	return id, nil
}

// firstAudience handles the two shapes jwt allows for aud.
func firstAudience(v interface{}) string {
	switch aud := v.(type) {
	case string:
		return aud
	case []interface{}:
		if len(aud) > 0 {
			s, _ := aud[0].(string)
			return s
		}
	}
	return ""
}
