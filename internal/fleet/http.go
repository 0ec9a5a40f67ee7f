package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wopr-network/fleet/internal/channeltest"
	"github.com/wopr-network/fleet/internal/plugin"
)

// TenantFromContext resolves the bearer-authenticated tenant id for a
// request — narrowed so this package doesn't import internal/auth.
type TenantFromContext func(r *http.Request) (string, bool)

// vaultClient is the subset of *vault.Client a hosted plugin install
// needs — narrowed so this package doesn't depend on a live Vault in
// tests and doesn't import internal/vault directly.
type vaultClient interface {
	GetActiveCredential(ctx context.Context, vaultProvider string) (string, error)
}

// Handler serves the Fleet HTTP surface (spec.md §6): plugin
// install/toggle/update/uninstall, the channel-restricted subset of that
// same surface, and snapshot list/create/delete. Grounded on
// internal/billing's AffiliateHandler shape: a thin http.HandlerFunc set
// closing over stores, chi.URLParam for path segments, ownership checked
// against the authenticated tenant before any mutation.
type Handler struct {
	manager    *Manager
	snapshots  *SnapshotStore
	vault      vaultClient
	tenantFrom TenantFromContext
}

// NewHandler builds a Handler.
func NewHandler(manager *Manager, snapshots *SnapshotStore, vault vaultClient, tenantFrom TenantFromContext) *Handler {
	return &Handler{manager: manager, snapshots: snapshots, vault: vault, tenantFrom: tenantFrom}
}

// ownedProfile resolves :botId and verifies it belongs to the
// authenticated tenant, writing the appropriate error response and
// returning ok=false if not.
func (h *Handler) ownedProfile(w http.ResponseWriter, r *http.Request) (BotProfile, bool) {
	tenantID, ok := h.tenantFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "auth_error", "missing or invalid bearer token")
		return BotProfile{}, false
	}
	botID := chi.URLParam(r, "botId")
	profile, err := h.manager.Get(r.Context(), botID)
	if errors.Is(err, ErrBotNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "bot not found")
		return BotProfile{}, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to load bot profile")
		return BotProfile{}, false
	}
	if profile.TenantID != tenantID {
		writeError(w, http.StatusForbidden, "auth_error", "bot does not belong to this tenant")
		return BotProfile{}, false
	}
	return profile, true
}

type pluginListEntry struct {
	PluginID string          `json:"pluginId"`
	Disabled bool            `json:"disabled"`
	Config   json.RawMessage `json:"config,omitempty"`
}

func listEntries(profile BotProfile, onlyChannels bool) []pluginListEntry {
	var out []pluginListEntry
	for _, id := range plugin.Installed(profile.Env) {
		if onlyChannels && !channeltest.IsChannelPlugin(id) {
			continue
		}
		cfg, _, _ := plugin.Config(profile.Env, id)
		out = append(out, pluginListEntry{PluginID: id, Disabled: plugin.IsDisabled(profile.Env, id), Config: cfg})
	}
	return out
}

// ListPlugins handles GET /fleet/bots/:botId/plugins.
func (h *Handler) ListPlugins(w http.ResponseWriter, r *http.Request) {
	profile, ok := h.ownedProfile(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, listEntries(profile, false))
}

// ListChannels handles GET /fleet/bots/:botId/channels — the same
// listing, restricted to recognized channel-family plugins.
func (h *Handler) ListChannels(w http.ResponseWriter, r *http.Request) {
	profile, ok := h.ownedProfile(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, listEntries(profile, true))
}

type installRequest struct {
	Config          json.RawMessage         `json:"config"`
	ProviderChoices []plugin.ProviderChoice `json:"providerChoices"`
}

// resolveCredentials fetches a hosted credential for every hosted
// provider choice in the request, keyed by vault provider name.
func (h *Handler) resolveCredentials(r *http.Request, choices []plugin.ProviderChoice) (map[string]string, error) {
	out := make(map[string]string)
	for _, choice := range choices {
		if choice.Mode != "hosted" {
			continue
		}
		binding, ok := plugin.HostedBindingFor(choice.Capability)
		if !ok {
			continue
		}
		if _, already := out[binding.VaultProvider]; already {
			continue
		}
		value, err := h.vault.GetActiveCredential(r.Context(), binding.VaultProvider)
		if err != nil {
			return nil, err
		}
		out[binding.VaultProvider] = value
	}
	return out, nil
}

// InstallPlugin handles POST /fleet/bots/:botId/plugins/:pluginId. The
// channel route POST /fleet/bots/:botId/channels/:pluginId, restricted to
// channel-family plugin ids, is served by ConnectChannel.
func (h *Handler) InstallPlugin(w http.ResponseWriter, r *http.Request) {
	h.installOrRequireChannel(w, r, false)
}

// ConnectChannel handles POST /fleet/bots/:botId/channels/:pluginId.
func (h *Handler) ConnectChannel(w http.ResponseWriter, r *http.Request) {
	h.installOrRequireChannel(w, r, true)
}

func (h *Handler) installOrRequireChannel(w http.ResponseWriter, r *http.Request, requireChannel bool) {
	profile, ok := h.ownedProfile(w, r)
	if !ok {
		return
	}
	pluginID := chi.URLParam(r, "pluginId")
	if !plugin.ValidID(pluginID) {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid plugin id")
		return
	}
	if requireChannel && !channeltest.IsChannelPlugin(pluginID) {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "plugin is not a channel plugin")
		return
	}

	var body installRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to parse request body")
		return
	}

	credentials, err := h.resolveCredentials(r, body.ProviderChoices)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "server_error", "failed to resolve hosted credential")
		return
	}

	var installErr error
	updated, _, err := h.manager.Update(r.Context(), profile.ID, func(current BotProfile) BotProfile {
		next, iErr := plugin.Install(current.Env, pluginID, body.Config, body.ProviderChoices, credentials)
		if iErr != nil {
			installErr = iErr
			return current
		}
		current.Env = next
		return current
	})
	if err == nil {
		err = installErr
	}
	if errors.Is(err, plugin.ErrAlreadyInstalled) {
		writeError(w, http.StatusConflict, "invalid_request_error", "plugin already installed")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to install plugin")
		return
	}
	writeJSON(w, http.StatusOK, listEntries(updated, false))
}

// UpdatePlugin handles PUT /fleet/bots/:botId/plugins/:pluginId: replaces
// an installed plugin's config and provider choices in place (uninstall
// then reinstall under the same profile lock, so a racing toggle/install
// on another plugin can't interleave).
func (h *Handler) UpdatePlugin(w http.ResponseWriter, r *http.Request) {
	profile, ok := h.ownedProfile(w, r)
	if !ok {
		return
	}
	pluginID := chi.URLParam(r, "pluginId")

	var body installRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to parse request body")
		return
	}
	credentials, err := h.resolveCredentials(r, body.ProviderChoices)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "server_error", "failed to resolve hosted credential")
		return
	}

	var updateErr error
	updated, _, err := h.manager.Update(r.Context(), profile.ID, func(current BotProfile) BotProfile {
		afterUninstall, uninstallErr := plugin.Uninstall(current.Env, pluginID)
		if uninstallErr != nil {
			updateErr = uninstallErr
			return current
		}
		afterInstall, installErr := plugin.Install(afterUninstall, pluginID, body.Config, body.ProviderChoices, credentials)
		if installErr != nil {
			updateErr = installErr
			return current
		}
		current.Env = afterInstall
		return current
	})
	if errors.Is(updateErr, plugin.ErrNotInstalled) {
		writeError(w, http.StatusNotFound, "not_found", "plugin not installed")
		return
	}
	if err != nil || updateErr != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to update plugin")
		return
	}
	writeJSON(w, http.StatusOK, listEntries(updated, false))
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

// TogglePlugin handles PATCH /fleet/bots/:botId/plugins/:pluginId.
func (h *Handler) TogglePlugin(w http.ResponseWriter, r *http.Request) {
	profile, ok := h.ownedProfile(w, r)
	if !ok {
		return
	}
	pluginID := chi.URLParam(r, "pluginId")

	var body toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to parse request body")
		return
	}

	var toggleErr error
	updated, _, err := h.manager.Update(r.Context(), profile.ID, func(current BotProfile) BotProfile {
		next, tErr := plugin.Toggle(current.Env, pluginID, body.Enabled)
		if tErr != nil {
			toggleErr = tErr
			return current
		}
		current.Env = next
		return current
	})
	if errors.Is(toggleErr, plugin.ErrNotInstalled) {
		writeError(w, http.StatusNotFound, "not_found", "plugin not installed")
		return
	}
	if err != nil || toggleErr != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to toggle plugin")
		return
	}
	writeJSON(w, http.StatusOK, listEntries(updated, false))
}

// UninstallPlugin handles DELETE /fleet/bots/:botId/plugins/:pluginId
// and DELETE /fleet/bots/:botId/channels/:pluginId.
func (h *Handler) UninstallPlugin(w http.ResponseWriter, r *http.Request) {
	profile, ok := h.ownedProfile(w, r)
	if !ok {
		return
	}
	pluginID := chi.URLParam(r, "pluginId")

	var uninstallErr error
	_, _, err := h.manager.Update(r.Context(), profile.ID, func(current BotProfile) BotProfile {
		next, uErr := plugin.Uninstall(current.Env, pluginID)
		if uErr != nil {
			uninstallErr = uErr
			return current
		}
		current.Env = next
		return current
	})
	if errors.Is(uninstallErr, plugin.ErrNotInstalled) {
		writeError(w, http.StatusNotFound, "not_found", "plugin not installed")
		return
	}
	if err != nil || uninstallErr != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to uninstall plugin")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListSnapshots handles GET /fleet/bots/:botId/snapshots.
func (h *Handler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	profile, ok := h.ownedProfile(w, r)
	if !ok {
		return
	}
	snaps, err := h.snapshots.ListByBot(r.Context(), profile.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to list snapshots")
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

type createSnapshotRequest struct {
	StoragePath string `json:"storagePath"`
	SizeBytes   int64  `json:"sizeBytes"`
}

// CreateSnapshot handles POST /fleet/bots/:botId/snapshots. The object
// store itself already wrote the blob at StoragePath before this call —
// this just records it (spec.md §1's object store is an external
// collaborator).
func (h *Handler) CreateSnapshot(w http.ResponseWriter, r *http.Request) {
	profile, ok := h.ownedProfile(w, r)
	if !ok {
		return
	}
	var body createSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.StoragePath == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "storagePath is required")
		return
	}

	snap, err := h.snapshots.CreateOnDemand(r.Context(), profile.ID, profile.TenantID, body.StoragePath, body.SizeBytes)
	var quotaErr *ErrSnapshotQuotaExceeded
	if errors.As(err, &quotaErr) {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error": map[string]any{
				"type":    "quota_error",
				"code":    "snapshot_quota_exceeded",
				"current": quotaErr.Current,
				"max":     quotaErr.Max,
				"tier":    quotaErr.Tier,
			},
		})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to record snapshot")
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// DeleteSnapshot handles DELETE /fleet/bots/:botId/snapshots/:snapId.
func (h *Handler) DeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	profile, ok := h.ownedProfile(w, r)
	if !ok {
		return
	}
	snapID := chi.URLParam(r, "snapId")

	snap, err := h.snapshots.Get(r.Context(), snapID)
	if errors.Is(err, ErrSnapshotNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "snapshot not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to load snapshot")
		return
	}
	if snap.BotID != profile.ID {
		writeError(w, http.StatusNotFound, "not_found", "snapshot not found")
		return
	}

	err = h.snapshots.Delete(r.Context(), snapID)
	if errors.Is(err, ErrSnapshotNotDeletable) {
		writeError(w, http.StatusForbidden, "auth_error", "only on-demand snapshots are deletable")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "failed to delete snapshot")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"type": kind, "message": message}})
}
