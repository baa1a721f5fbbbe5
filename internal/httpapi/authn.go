package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"b24app.dev/internal/auth"
	"b24app.dev/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var (
	errMissingAuthHeader = errors.New("missing authorization header")
	errAuthHeaderFormat  = errors.New("invalid authorization header format")
)

var publicPaths = []string{
	"/",
}
var publicPrefixes = []string{
	"/api/getToken",
	"/api/install",
	"/api/app-events",
	"/api/custom-b24-events",
	"/healthz",
	"/readyz",
	"/metrics",
}

// withAuth requires a session token on every non-public path and attaches the
// verified claims to the request context.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			respondUnauthorized(w, r, err.Error())
			return
		}

		claims, err := a.codec.Parse(token)
		if err != nil {
			obs.Logger().WarnContext(r.Context(), "session token rejected", "path", r.URL.Path, obs.Err(err))
			respondUnauthorized(w, r, "invalid or expired token")
			return
		}

		ctx := auth.ContextWithClaims(r.Context(), *claims)
		ctx = obs.With(ctx, "domain", claims.Domain)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// claimsHandler receives the claims verified by withAuth.
type claimsHandler func(w http.ResponseWriter, r *http.Request, claims auth.Claims)

func withClaims(h claimsHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := auth.ClaimsFromContext(r.Context())
		if !ok {
			respondUnauthorized(w, r, errMissingAuthHeader.Error())
			return
		}
		h(w, r, claims)
	}
}

func respondUnauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="b24app"`)
	writeError(w, r, http.StatusUnauthorized, msg)
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errMissingAuthHeader
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errAuthHeaderFormat
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errAuthHeaderFormat
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
