package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// Auth enforces bearer-token authentication for user traffic.
type Auth struct {
	token string
}

func NewAuth(token string) *Auth {
	return &Auth{token: token}
}

// Middleware returns an HTTP middleware that enforces authentication.
// Exempt paths: /api/health, /gateway/health, /tunnel
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/health", "/gateway/health", "/tunnel":
			next.ServeHTTP(w, r)
			return
		}

		if !a.authorized(r) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="conduit"`)
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authorized accepts "Authorization: Bearer <token>", or a token query
// parameter for WebSocket clients that cannot set headers.
func (a *Auth) authorized(r *http.Request) bool {
	var presented string
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, value, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return false
		}
		presented = strings.TrimSpace(value)
	} else if strings.HasPrefix(r.URL.Path, "/ws/") {
		presented = r.URL.Query().Get("token")
	}
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(a.token)) == 1
}
