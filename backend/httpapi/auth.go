package httpapi

import (
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// TokenRequired guards every route under apiBase with the bcrypt hash returned
// by currentHash. An empty hash leaves the API open. The hash is read per
// request so a saved config applies without a restart.
func TokenRequired(currentHash func() string, apiBase string) func(http.Handler) http.Handler {
	healthPath := apiBase + "/health"
	verifier := &tokenVerifier{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if !strings.HasPrefix(path, apiBase+"/") || path == healthPath {
				next.ServeHTTP(w, r)
				return
			}
			hash := strings.TrimSpace(currentHash())
			if hash == "" {
				next.ServeHTTP(w, r)
				return
			}
			token := ExtractToken(r)
			if token == "" || !verifier.verify(hash, token) {
				Error(w, -401, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// tokenVerifier remembers accepted hash/token pairs; bcrypt runs once per pair.
type tokenVerifier struct {
	mu       sync.Mutex
	accepted map[string]struct{}
}

func (v *tokenVerifier) verify(hash string, token string) bool {
	key := hash + "\x00" + token
	v.mu.Lock()
	_, ok := v.accepted[key]
	v.mu.Unlock()
	if ok {
		return true
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) != nil {
		return false
	}
	v.mu.Lock()
	if v.accepted == nil || len(v.accepted) > 64 {
		v.accepted = make(map[string]struct{})
	}
	v.accepted[key] = struct{}{}
	v.mu.Unlock()
	return true
}

// HashToken returns the value to store in apiTokenHash.
func HashToken(token string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(strings.TrimSpace(token)), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

func ExtractToken(r *http.Request) string {
	// 1. Authorization: Bearer <token>
	if auth := r.Header.Get("Authorization"); auth != "" {
		const prefix = "Bearer "
		if strings.HasPrefix(auth, prefix) {
			return strings.TrimSpace(auth[len(prefix):])
		}
	}
	// 2. X-API-Key header
	if raw := strings.TrimSpace(r.Header.Get("X-API-Key")); raw != "" {
		return raw
	}
	// 3. ?token= for browser websockets, which cannot set headers
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
