package channeltest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestChannelForPluginRecognizesKnownFamilies(t *testing.T) {
	tests := []struct {
		pluginID string
		want     bool
	}{
		{"wopr-plugin-slack", true},
		{"wopr-plugin-discord", true},
		{"wopr-plugin-telegram", true},
		{"wopr-plugin-discord-v2", true},
		{"wopr-plugin-custom-webhook", false},
		{"not-a-plugin-id", false},
	}
	for _, tt := range tests {
		_, ok := channelForPlugin(tt.pluginID)
		if ok != tt.want {
			t.Errorf("channelForPlugin(%q) ok = %v, want %v", tt.pluginID, ok, tt.want)
		}
	}
}

func TestTestHandlerRejectsUnknownPlugin(t *testing.T) {
	h := NewHandler()
	router := chi.NewRouter()
	router.Post("/channel-test/{pluginId}/test", h.Test)

	req := httptest.NewRequest(http.MethodPost, "/channel-test/wopr-plugin-custom-webhook/test",
		strings.NewReader(`{"credential":"x"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestTestHandlerRequiresCredential(t *testing.T) {
	h := NewHandler()
	router := chi.NewRouter()
	router.Post("/channel-test/{pluginId}/test", h.Test)

	req := httptest.NewRequest(http.MethodPost, "/channel-test/wopr-plugin-slack/test", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

