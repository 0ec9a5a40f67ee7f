package oauthstate

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestInitiateRequiresAuth(t *testing.T) {
	h := NewHandler(nil, ProviderConfig{}, func(*http.Request) (string, bool) { return "", false }, zerolog.Nop())
	req := httptest.NewRequest(http.MethodPost, "/api/channel-oauth/initiate", strings.NewReader(`{"provider":"slack"}`))
	rec := httptest.NewRecorder()
	h.Initiate(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestInitiateRejectsUnknownProvider(t *testing.T) {
	h := NewHandler(nil, ProviderConfig{}, func(*http.Request) (string, bool) { return "tenant-1", true }, zerolog.Nop())
	req := httptest.NewRequest(http.MethodPost, "/api/channel-oauth/initiate", strings.NewReader(`{"provider":"carrier-pigeon"}`))
	rec := httptest.NewRecorder()
	h.Initiate(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCallbackRejectsMissingState(t *testing.T) {
	h := NewHandler(nil, ProviderConfig{}, nil, zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/api/channel-oauth/callback", nil)
	rec := httptest.NewRecorder()
	h.Callback(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("content-type = %q, want text/html (popup-closing page even on error)", ct)
	}
}

func TestPollRequiresAuth(t *testing.T) {
	h := NewHandler(nil, ProviderConfig{}, func(*http.Request) (string, bool) { return "", false }, zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/api/channel-oauth/poll?state=abc", nil)
	rec := httptest.NewRecorder()
	h.Poll(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestPollRequiresStateParam(t *testing.T) {
	h := NewHandler(nil, ProviderConfig{}, func(*http.Request) (string, bool) { return "tenant-1", true }, zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/api/channel-oauth/poll", nil)
	rec := httptest.NewRecorder()
	h.Poll(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
