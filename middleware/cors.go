package middleware

import (
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/wopr-network/fleet/internal/config"
)

// CORSMiddleware handles Cross-Origin Resource Sharing using the
// tenant-facing allow-list from cfg.CORSAllowedOrigins. A wildcard entry
// never pairs with Access-Control-Allow-Credentials — a browser rejects
// that combination outright, and it would let any origin read a
// credentialed response. A concrete matched origin gets reflected back
// plus Vary: Origin, so caches don't serve one tenant's CORS headers to
// another.
func CORSMiddleware(cfg *config.Config) func(http.Handler) http.Handler {
	originsMap := make(map[string]bool, len(cfg.CORSAllowedOrigins))
	allowAll := false
	for _, o := range cfg.CORSAllowedOrigins {
		if o == "*" {
			allowAll = true
			continue
		}
		originsMap[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			switch {
			case originsMap[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID, X-Wopr-Model")
			w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset, X-Wopr-Provider")
			w.Header().Set("Access-Control-Max-Age", "3600")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequestIDMiddleware ensures every request has a correlation ID.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", reqID)
		r.Header.Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

func generateRequestID() string {
	return fmt.Sprintf("fleet-%d-%06d", time.Now().UnixMilli(), rand.Intn(999999))
}
