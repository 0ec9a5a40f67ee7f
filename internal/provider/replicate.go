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

const replicateBaseURL = "https://api.replicate.com/v1"

// Replicate implements ImageProvider and arbitrage.Adapter for image and
// video generation models hosted on Replicate.
type Replicate struct {
	cfg    Config
	model  string
	client *http.Client
}

// NewReplicate builds a Replicate connector targeting a specific model
// version (e.g. "black-forest-labs/flux-schnell").
func NewReplicate(cfg Config, model string) *Replicate {
	cfg = cfg.withDefaults(replicateBaseURL, 120*time.Second)
	return &Replicate{cfg: cfg, model: model, client: newPooledClient(cfg.Timeout)}
}

func (p *Replicate) Name() string { return "replicate" }

func (p *Replicate) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/account", nil)
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

func (p *Replicate) EstimateCost(_ context.Context, capability catalog.Capability, entry catalog.Entry, _ any) (float64, money.Cents, error) {
	switch capability {
	case catalog.CapabilityImages, catalog.CapabilityVideo:
		wholesale, charge := entry.EstimateFlat()
		return wholesale, charge, nil
	default:
		return 0, 0, fmt.Errorf("replicate: unsupported capability %s", capability)
	}
}

func (p *Replicate) Invoke(ctx context.Context, _ catalog.Capability, input any) (any, error) {
	prompt, _ := input.(string)
	urls, err := p.GenerateImage(ctx, prompt, 1)
	return urls, err
}

func (p *Replicate) GenerateImage(ctx context.Context, prompt string, n int) ([]string, error) {
	body, err := json.Marshal(map[string]any{
		"input": map[string]any{"prompt": prompt, "num_outputs": n},
	})
	if err != nil {
		return nil, fmt.Errorf("replicate: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/models/"+p.model+"/predictions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("replicate: create request: %w", err)
	}
	p.setHeaders(httpReq)
	httpReq.Header.Set("Prefer", "wait")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("replicate: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("replicate: status %d: %s", resp.StatusCode, string(raw))
	}

	var out struct {
		Output []string `json:"output"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("replicate: decode response: %w", err)
	}
	return out.Output, nil
}

func (p *Replicate) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Token "+p.cfg.APIKey)
	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}
}
