package gateway

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"

	"github.com/wopr-network/fleet/internal/arbitrage"
	"github.com/wopr-network/fleet/internal/catalog"
	"github.com/wopr-network/fleet/internal/provider"
)

// Transcriptions handles POST /v1/audio/transcriptions (STT).
func (h *Handler) Transcriptions(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.preflight(w, r)
	if !ok {
		return
	}

	contentType := r.Header.Get("Content-Type")
	mimeType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mimeType = "audio/wav"
	}
	audio, err := io.ReadAll(io.LimitReader(r.Body, 25<<20)) // 25 MiB cap
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read audio body")
		return
	}

	result, err := h.router.Select(r.Context(), arbitrage.Request{
		Capability: catalog.CapabilityAudioSTT,
		TenantID:   tenantID,
		Input:      provider.STTInput{Audio: audio, MimeType: mimeType},
	})
	if err != nil {
		h.mapProviderError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Wopr-Provider", result.Provider)
	_ = json.NewEncoder(w).Encode(result.Output)

	h.settle(r.Context(), tenantID, catalog.CapabilityAudioSTT, result.Provider, result.WholesaleCost, result.Charge, nil)
}

// speechRequest is the POST /v1/audio/speech request body.
type speechRequest struct {
	Text  string `json:"input"`
	Voice string `json:"voice"`
}

// Speech handles POST /v1/audio/speech (TTS).
func (h *Handler) Speech(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.preflight(w, r)
	if !ok {
		return
	}

	var req speechRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to parse request body: "+err.Error())
		return
	}
	if req.Text == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request_error", "input field is required")
		return
	}

	result, err := h.router.Select(r.Context(), arbitrage.Request{
		Capability: catalog.CapabilityAudioTTS,
		TenantID:   tenantID,
		Input:      provider.TTSInput{Text: req.Text, Voice: req.Voice},
	})
	if err != nil {
		h.mapProviderError(w, err)
		return
	}

	audio, _ := result.Output.(map[string]any)
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("X-Wopr-Provider", result.Provider)
	if body, ok := audio["audio"].([]byte); ok {
		_, _ = w.Write(body)
	}

	h.settle(r.Context(), tenantID, catalog.CapabilityAudioTTS, result.Provider, result.WholesaleCost, result.Charge,
		map[string]any{"characters": len(req.Text)})
}
