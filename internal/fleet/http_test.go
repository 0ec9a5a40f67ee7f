package fleet

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

type fakeVault struct{}

func (fakeVault) GetActiveCredential(ctx context.Context, vaultProvider string) (string, error) {
	return "fake-credential", nil
}

func newTestHandler(profiles *fakeProfiles, tenant string) *Handler {
	manager := New(profiles, newFakeInstances(), &fakeBus{}, zerolog.Nop())
	return NewHandler(manager, nil, fakeVault{}, func(*http.Request) (string, bool) {
		if tenant == "" {
			return "", false
		}
		return tenant, true
	})
}

func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestListPluginsRejectsUnownedBot(t *testing.T) {
	profiles := newFakeProfiles()
	profiles.profiles["bot-1"] = BotProfile{ID: "bot-1", TenantID: "tenant-a", Env: map[string]string{}}
	h := newTestHandler(profiles, "tenant-b")

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/fleet/bots/bot-1/plugins", nil), "botId", "bot-1")
	rec := httptest.NewRecorder()
	h.ListPlugins(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestListPluginsRejectsUnknownBot(t *testing.T) {
	h := newTestHandler(newFakeProfiles(), "tenant-a")
	req := withURLParam(httptest.NewRequest(http.MethodGet, "/fleet/bots/missing/plugins", nil), "botId", "missing")
	rec := httptest.NewRecorder()
	h.ListPlugins(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestInstallPluginRejectsInvalidID(t *testing.T) {
	profiles := newFakeProfiles()
	profiles.profiles["bot-1"] = BotProfile{ID: "bot-1", TenantID: "tenant-a", Env: map[string]string{}}
	h := newTestHandler(profiles, "tenant-a")

	req := withURLParam(httptest.NewRequest(http.MethodPost, "/fleet/bots/bot-1/plugins/!!!", nil), "botId", "bot-1")
	req = withURLParam(req, "pluginId", "!!!")
	rec := httptest.NewRecorder()
	h.InstallPlugin(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestConnectChannelRejectsNonChannelPlugin(t *testing.T) {
	profiles := newFakeProfiles()
	profiles.profiles["bot-1"] = BotProfile{ID: "bot-1", TenantID: "tenant-a", Env: map[string]string{}}
	h := newTestHandler(profiles, "tenant-a")

	req := withURLParam(httptest.NewRequest(http.MethodPost, "/fleet/bots/bot-1/channels/wopr-plugin-weather", nil), "botId", "bot-1")
	req = withURLParam(req, "pluginId", "wopr-plugin-weather")
	rec := httptest.NewRecorder()
	h.ConnectChannel(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestUninstallPluginReturns404WhenNotInstalled(t *testing.T) {
	profiles := newFakeProfiles()
	profiles.profiles["bot-1"] = BotProfile{ID: "bot-1", TenantID: "tenant-a", Env: map[string]string{}}
	h := newTestHandler(profiles, "tenant-a")

	req := withURLParam(httptest.NewRequest(http.MethodDelete, "/fleet/bots/bot-1/plugins/wopr-plugin-slack", nil), "botId", "bot-1")
	req = withURLParam(req, "pluginId", "wopr-plugin-slack")
	rec := httptest.NewRecorder()
	h.UninstallPlugin(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
