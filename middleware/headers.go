package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/wopr-network/fleet/internal/config"
)

// HeaderNormalization performs request and response header normalization.
type HeaderNormalization struct {
	logger zerolog.Logger
}

// NewHeaderNormalization creates a new header normalization middleware.
func NewHeaderNormalization(logger zerolog.Logger) *HeaderNormalization {
	return &HeaderNormalization{logger: logger}
}

// headersToStripFromRequest are provider-specific headers that clients
// should not set directly — the gateway manages these.
var headersToStripFromRequest = []string{
	"x-api-key",                   // Anthropic auth — managed by gateway
	"anthropic-version",           // Anthropic API version — managed by connector
	"anthropic-beta",              // Anthropic beta features
	"openai-organization",         // OpenAI org — managed per key
	"openai-project",              // OpenAI project
	"helicone-auth",               // Third-party proxy headers
	"x-stainless-lang",            // SDK telemetry
	"x-stainless-os",              // SDK telemetry
	"x-stainless-runtime",         // SDK telemetry
	"x-stainless-arch",            // SDK telemetry
	"x-stainless-package-version", // SDK telemetry
}

// headersToStripFromResponse are upstream headers that should not
// leak to the client.
var headersToStripFromResponse = []string{
	"x-api-key",
	"anthropic-version",
	"openai-organization",
	"openai-processing-ms",
	"x-ratelimit-limit-requests",
	"x-ratelimit-limit-tokens",
	"x-ratelimit-remaining-requests",
	"x-ratelimit-remaining-tokens",
	"x-ratelimit-reset-requests",
	"x-ratelimit-reset-tokens",
	"cf-ray", // Cloudflare headers
	"cf-cache-status",
	"server",       // Don't leak provider's server software
	"x-request-id", // Provider's internal request ID
}

// fleetResponseHeaders are headers the gateway always sets on responses.
var fleetResponseHeaders = map[string]string{
	"X-Wopr-Gateway": "true",
	"X-Powered-By":   "Fleet Bot Gateway",
}

// SecurityHeaders adds standard security headers, with HSTS gated on
// cfg.IsProduction() — forcing Strict-Transport-Security against a local
// dev server with no TLS termination just breaks plain-http curl/browser
// access, the way internal/logging/logger.go gates console-pretty output
// on cfg.IsDevelopment().
type SecurityHeaders struct {
	cfg *config.Config
}

// NewSecurityHeaders builds a SecurityHeaders middleware for cfg.
func NewSecurityHeaders(cfg *config.Config) *SecurityHeaders {
	return &SecurityHeaders{cfg: cfg}
}

// Handler returns the HTTP middleware handler.
func (s *SecurityHeaders) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		if s.cfg.IsProduction() {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

// Handler returns the HTTP middleware handler.
func (h *HeaderNormalization) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// === Request normalization ===

		// Strip provider-specific headers that clients shouldn't send.
		for _, header := range headersToStripFromRequest {
			if r.Header.Get(header) != "" {
				h.logger.Debug().
					Str("header", header).
					Str("path", r.URL.Path).
					Msg("stripped provider header from request")
				r.Header.Del(header)
			}
		}

		// Normalize content-type for JSON bodies.
		ct := r.Header.Get("Content-Type")
		if ct != "" && strings.Contains(ct, "json") && ct != "application/json" {
			r.Header.Set("Content-Type", "application/json")
		}

		// Ensure Accept header is set for API requests.
		if r.Header.Get("Accept") == "" {
			r.Header.Set("Accept", "application/json")
		}

		// === Response normalization via wrapper ===
		wrapped := &headerNormWriter{
			ResponseWriter: w,
			logger:         h.logger,
		}

		next.ServeHTTP(wrapped, r)
	})
}

// headerNormWriter wraps http.ResponseWriter to normalize response headers.
type headerNormWriter struct {
	http.ResponseWriter
	logger      zerolog.Logger
	wroteHeader bool
}

func (hw *headerNormWriter) WriteHeader(code int) {
	if hw.wroteHeader {
		return
	}
	hw.wroteHeader = true

	// Strip upstream provider headers.
	for _, header := range headersToStripFromResponse {
		hw.ResponseWriter.Header().Del(header)
	}

	// Set standard headers.
	for k, v := range fleetResponseHeaders {
		hw.ResponseWriter.Header().Set(k, v)
	}

	hw.ResponseWriter.WriteHeader(code)
}

func (hw *headerNormWriter) Write(b []byte) (int, error) {
	if !hw.wroteHeader {
		hw.WriteHeader(http.StatusOK)
	}
	return hw.ResponseWriter.Write(b)
}

// Flush supports streaming by delegating to the underlying writer.
func (hw *headerNormWriter) Flush() {
	if f, ok := hw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
