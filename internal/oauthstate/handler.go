package oauthstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// ProviderConfig maps a channel provider name ("slack") to its OAuth2
// client configuration, built once at startup from config.Config's
// SlackClientID/Secret + BetterAuthURL (spec.md §4.7's "callback base
// url" value).
type ProviderConfig map[string]*oauth2.Config

// TenantFromContext resolves the authenticated tenant/user id making
// the request — narrowed so this package doesn't import internal/auth.
type TenantFromContext func(r *http.Request) (string, bool)

// Handler serves the OAuth channel-connection HTTP surface (spec.md
// §4.7): /api/channel-oauth/initiate, /callback, /poll. Grounded on
// wisbric-nightowl's OIDCFlowHandler (HandleLogin/HandleCallback), but
// the connect flow here never issues a platform session — it only
// records a completed token for the initiating tenant to poll and
// collect, matching the popup-based "channel credential" flow spec.md
// describes rather than a login flow.
type Handler struct {
	store      *Store
	providers  ProviderConfig
	tenantFrom TenantFromContext
	logger     zerolog.Logger
	// cleanupSampleRate is the fraction of requests (spec.md §4.7:
	// "~1%") that trigger a best-effort PurgeExpired call.
	cleanupSampleRate float64
}

// NewHandler builds a Handler.
func NewHandler(store *Store, providers ProviderConfig, tenantFrom TenantFromContext, logger zerolog.Logger) *Handler {
	return &Handler{store: store, providers: providers, tenantFrom: tenantFrom, logger: logger, cleanupSampleRate: 0.01}
}

type initiateRequest struct {
	Provider    string `json:"provider"`
	RedirectURI string `json:"redirectUri"`
}

// Initiate handles POST /api/channel-oauth/initiate.
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	if rand.Float64() < h.cleanupSampleRate {
		_ = h.store.PurgeExpired(r.Context())
	}

	userID, ok := h.tenantFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "auth_error", "missing or invalid bearer token")
		return
	}

	var body initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to parse request body")
		return
	}
	cfg, ok := h.providers[body.Provider]
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "unknown oauth provider")
		return
	}

	state, err := NewState()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to generate state")
		return
	}
	err = h.store.Create(r.Context(), state, Pending{
		Provider:    body.Provider,
		UserID:      userID,
		RedirectURI: body.RedirectURI,
		CreatedAt:   time.Now(),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to store oauth state")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"state":        state,
		"authorizeUrl": cfg.AuthCodeURL(state),
	})
}

// Callback handles GET /api/channel-oauth/callback — browser-facing,
// serves a popup-closing HTML page per CallbackHTML.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		h.writeCallbackError(w, "missing state parameter")
		return
	}

	pending, err := h.store.ConsumePending(r.Context(), state)
	if errors.Is(err, ErrNotFound) {
		h.writeCallbackError(w, "invalid or expired state")
		return
	}
	if err != nil {
		h.writeCallbackError(w, "failed to look up oauth state")
		return
	}

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		h.logger.Warn().Str("provider", pending.Provider).Str("error", errParam).Msg("oauth provider returned an error")
		h.writeCallbackError(w, "authentication failed: "+errParam)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		h.writeCallbackError(w, "missing code parameter")
		return
	}

	cfg, ok := h.providers[pending.Provider]
	if !ok {
		h.writeCallbackError(w, "unknown oauth provider")
		return
	}
	token, err := cfg.Exchange(r.Context(), code)
	if err != nil {
		h.logger.Error().Err(err).Str("provider", pending.Provider).Msg("oauth code exchange failed")
		h.writeCallbackError(w, "code exchange failed")
		return
	}

	if err := h.store.CompleteWithToken(r.Context(), state, token.AccessToken, pending.UserID); err != nil {
		h.writeCallbackError(w, "failed to record completed oauth flow")
		return
	}

	page, err := CallbackHTML("channel-oauth-complete", map[string]string{"state": state})
	if err != nil {
		h.writeCallbackError(w, "failed to render callback page")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(page))
}

// Poll handles GET /api/channel-oauth/poll?state=... — the initiating
// tenant collects the completed token exactly once (spec.md §4.7's
// single-use ConsumeCompleted); anyone else polling the same state, or
// a second poll by the same tenant, observes "pending".
func (h *Handler) Poll(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.tenantFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "auth_error", "missing or invalid bearer token")
		return
	}

	state := r.URL.Query().Get("state")
	if state == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "state is required")
		return
	}

	token, err := h.store.ConsumeCompleted(r.Context(), state, userID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "completed", "token": token})
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUserMismatch):
		writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
	default:
		writeError(w, http.StatusInternalServerError, "server_error", "failed to poll oauth state")
	}
}

func (h *Handler) writeCallbackError(w http.ResponseWriter, message string) {
	page, err := CallbackHTML("channel-oauth-error", map[string]string{"error": message})
	if err != nil {
		http.Error(w, fmt.Sprintf("oauth error: %s", message), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)
	_, _ = w.Write([]byte(page))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"type": kind, "message": message}})
}
