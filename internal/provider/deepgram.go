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

const deepgramBaseURL = "https://api.deepgram.com/v1"

// Deepgram implements STTProvider and arbitrage.Adapter for speech-to-text.
type Deepgram struct {
	cfg    Config
	client *http.Client
}

// NewDeepgram builds a Deepgram connector from cfg.
func NewDeepgram(cfg Config) *Deepgram {
	cfg = cfg.withDefaults(deepgramBaseURL, 60*time.Second)
	return &Deepgram{cfg: cfg, client: newPooledClient(cfg.Timeout)}
}

func (p *Deepgram) Name() string { return "deepgram" }

func (p *Deepgram) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/projects", nil)
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

// STTInput is the arbitrage.Request.Input shape for audio-transcriptions.
type STTInput struct {
	Audio    []byte
	MimeType string
	// DurationHintSeconds, when known up front (e.g. from a container
	// header), avoids guessing cost from byte size.
	DurationHintSeconds float64
}

func (p *Deepgram) EstimateCost(_ context.Context, capability catalog.Capability, entry catalog.Entry, input any) (float64, money.Cents, error) {
	in, ok := input.(STTInput)
	if !ok {
		return 0, 0, fmt.Errorf("deepgram: expected STTInput for %s", capability)
	}
	minutes := in.DurationHintSeconds / 60
	if minutes <= 0 {
		// ~16 kB/s (8 kHz mono PCM16) as a rough fallback estimate.
		minutes = float64(len(in.Audio)) / (16000 * 60)
	}
	wholesale, charge := entry.EstimateMinutes(minutes)
	return wholesale, charge, nil
}

func (p *Deepgram) Invoke(ctx context.Context, _ catalog.Capability, input any) (any, error) {
	in, ok := input.(STTInput)
	if !ok {
		return nil, fmt.Errorf("deepgram: expected STTInput")
	}
	transcript, duration, err := p.Transcribe(ctx, in.Audio, in.MimeType)
	if err != nil {
		return nil, err
	}
	return map[string]any{"transcript": transcript, "duration_seconds": duration}, nil
}

func (p *Deepgram) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, float64, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/listen?model=nova-2&smart_format=true", bytes.NewReader(audio))
	if err != nil {
		return "", 0, fmt.Errorf("deepgram: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mimeType)
	httpReq.Header.Set("Authorization", "Token "+p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", 0, fmt.Errorf("deepgram: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return "", 0, fmt.Errorf("deepgram: status %d: %s", resp.StatusCode, string(raw))
	}

	var out struct {
		Metadata struct {
			Duration float64 `json:"duration"`
		} `json:"metadata"`
		Results struct {
			Channels []struct {
				Alternatives []struct {
					Transcript string `json:"transcript"`
				} `json:"alternatives"`
			} `json:"channels"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, fmt.Errorf("deepgram: decode response: %w", err)
	}

	transcript := ""
	if len(out.Results.Channels) > 0 && len(out.Results.Channels[0].Alternatives) > 0 {
		transcript = out.Results.Channels[0].Alternatives[0].Transcript
	}
	return transcript, out.Metadata.Duration, nil
}

func (p *Deepgram) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Token "+p.cfg.APIKey)
	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}
}
