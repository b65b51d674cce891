package dashboard

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// WebhookAuth checks the bearer token agents present on callbacks against a
// bcrypt hash. A token that passed once is remembered by digest so frequent
// heartbeats skip the bcrypt cost.
type WebhookAuth struct {
	hash []byte

	mu       sync.Mutex
	verified [sha256.Size]byte
	ok       bool
}

// NewWebhookAuth creates the checker. An empty hash disables auth.
func NewWebhookAuth(hash string) *WebhookAuth {
	return &WebhookAuth{hash: []byte(hash)}
}

// Enabled reports whether callbacks must carry a token.
func (a *WebhookAuth) Enabled() bool {
	return len(a.hash) > 0
}

// Check verifies token.
func (a *WebhookAuth) Check(token string) bool {
	if !a.Enabled() {
		return true
	}
	if token == "" {
		return false
	}
	digest := sha256.Sum256([]byte(token))

	a.mu.Lock()
	cached := a.ok && subtle.ConstantTimeCompare(digest[:], a.verified[:]) == 1
	a.mu.Unlock()
	if cached {
		return true
	}

	if bcrypt.CompareHashAndPassword(a.hash, []byte(token)) != nil {
		return false
	}
	a.mu.Lock()
	a.verified, a.ok = digest, true
	a.mu.Unlock()
	return true
}

// requireWebhookToken rejects callbacks without a valid bearer token.
func (s *Server) requireWebhookToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		token := ""
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
		if !s.auth.Check(token) {
			s.log.Warn().Str("path", r.URL.Path).Str("ip", r.RemoteAddr).Msg("callback rejected: bad token")
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing or invalid callback token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
