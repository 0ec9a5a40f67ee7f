package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wopr-network/fleet/internal/catalog"
	"github.com/wopr-network/fleet/internal/money"
)

const elevenLabsBaseURL = "https://api.elevenlabs.io/v1"

// ElevenLabs implements TTSProvider and arbitrage.Adapter for
// text-to-speech synthesis.
type ElevenLabs struct {
	cfg    Config
	client *http.Client
}

// NewElevenLabs builds an ElevenLabs connector from cfg.
func NewElevenLabs(cfg Config) *ElevenLabs {
	cfg = cfg.withDefaults(elevenLabsBaseURL, 60*time.Second)
	return &ElevenLabs{cfg: cfg, client: newPooledClient(cfg.Timeout)}
}

func (p *ElevenLabs) Name() string { return "elevenlabs" }

func (p *ElevenLabs) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/voices", nil)
	if err != nil {
		return false
	}
	p.setHeaders(req)
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// TTSInput is the arbitrage.Request.Input shape for audio-speech.
type TTSInput struct {
	Text  string
	Voice string
}

func (p *ElevenLabs) EstimateCost(_ context.Context, capability catalog.Capability, entry catalog.Entry, input any) (float64, money.Cents, error) {
	in, ok := input.(TTSInput)
	if !ok {
		return 0, 0, fmt.Errorf("elevenlabs: expected TTSInput for %s", capability)
	}
	wholesale, charge := entry.EstimateCharacters(len(in.Text))
	return wholesale, charge, nil
}

func (p *ElevenLabs) Invoke(ctx context.Context, _ catalog.Capability, input any) (any, error) {
	in, ok := input.(TTSInput)
	if !ok {
		return nil, fmt.Errorf("elevenlabs: expected TTSInput")
	}
	audio, chars, err := p.Synthesize(ctx, in.Text, in.Voice)
	if err != nil {
		return nil, err
	}
	return map[string]any{"audio": audio, "characters": chars}, nil
}

func (p *ElevenLabs) Synthesize(ctx context.Context, text, voice string) ([]byte, int, error) {
	if voice == "" {
		voice = "21m00Tcm4TlvDq8ikWAM" // ElevenLabs' default "Rachel" voice.
	}
	body, err := json.Marshal(map[string]any{
		"text":     text,
		"model_id": "eleven_turbo_v2_5",
	})
	if err != nil {
		return nil, 0, fmt.Errorf("elevenlabs: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/text-to-speech/"+voice, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("elevenlabs: create request: %w", err)
	}
	p.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("elevenlabs: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, 0, fmt.Errorf("elevenlabs: status %d: %s", resp.StatusCode, string(raw))
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("elevenlabs: read response: %w", err)
	}
	return audio, len(text), nil
}

func (p *ElevenLabs) setHeaders(req *http.Request) {
	req.Header.Set("xi-api-key", p.cfg.APIKey)
	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}
}
