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

const openAIBaseURL = "https://api.openai.com/v1"

// OpenAI implements ChatProvider, EmbeddingsProvider, ImageProvider, and
// arbitrage.Adapter for OpenAI's REST API.
type OpenAI struct {
	cfg    Config
	client *http.Client
}

// NewOpenAI builds an OpenAI connector from cfg, applying OpenAI-specific
// defaults.
func NewOpenAI(cfg Config) *OpenAI {
	cfg = cfg.withDefaults(openAIBaseURL, 120*time.Second)
	return &OpenAI{cfg: cfg, client: newPooledClient(cfg.Timeout)}
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/models", nil)
	if err != nil {
		return false
	}
	setHeaders(req, p.cfg, "Authorization", "Bearer ")
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (p *OpenAI) EstimateCost(_ context.Context, capability catalog.Capability, entry catalog.Entry, input any) (float64, money.Cents, error) {
	switch capability {
	case catalog.CapabilityChatCompletions, catalog.CapabilityCompletions:
		req, ok := input.(ChatRequest)
		if !ok {
			return 0, 0, fmt.Errorf("openai: expected ChatRequest for %s", capability)
		}
		inputTokens := estimateTokensFromMessages(req.Messages)
		outputTokens := 256
		if req.MaxTokens != nil {
			outputTokens = *req.MaxTokens
		}
		wholesale, charge := entry.EstimateTokens(inputTokens, outputTokens)
		return wholesale, charge, nil
	case catalog.CapabilityEmbeddings:
		req, ok := input.(EmbeddingsRequest)
		if !ok {
			return 0, 0, fmt.Errorf("openai: expected EmbeddingsRequest for %s", capability)
		}
		tokens := estimateTokensFromText(fmt.Sprint(req.Input))
		wholesale, charge := entry.EstimateTokens(tokens, 0)
		return wholesale, charge, nil
	case catalog.CapabilityImages:
		wholesale, charge := entry.EstimateFlat()
		return wholesale, charge, nil
	default:
		return 0, 0, fmt.Errorf("openai: unsupported capability %s", capability)
	}
}

func (p *OpenAI) Invoke(ctx context.Context, capability catalog.Capability, input any) (any, error) {
	switch capability {
	case catalog.CapabilityChatCompletions, catalog.CapabilityCompletions:
		req, ok := input.(ChatRequest)
		if !ok {
			return nil, fmt.Errorf("openai: expected ChatRequest")
		}
		resp, err := p.ChatCompletion(ctx, req)
		return resp, err
	case catalog.CapabilityEmbeddings:
		req, ok := input.(EmbeddingsRequest)
		if !ok {
			return nil, fmt.Errorf("openai: expected EmbeddingsRequest")
		}
		resp, err := p.Embeddings(ctx, req)
		return resp, err
	case catalog.CapabilityImages:
		prompt, _ := input.(string)
		urls, err := p.GenerateImage(ctx, prompt, 1)
		return urls, err
	default:
		return nil, fmt.Errorf("openai: unsupported capability %s", capability)
	}
}

func (p *OpenAI) ChatCompletion(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	req.Stream = false
	var out ChatResponse
	err := p.post(ctx, "/chat/completions", req, &out)
	return out, err
}

func (p *OpenAI) ChatCompletionStream(ctx context.Context, req ChatRequest) (Stream, error) {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	setHeaders(httpReq, p.cfg, "Authorization", "Bearer ")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: stream request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("openai: status %d: %s", resp.StatusCode, string(respBody))
	}
	return NewHTTPStream(resp), nil
}

func (p *OpenAI) Embeddings(ctx context.Context, req EmbeddingsRequest) (EmbeddingsResponse, error) {
	var out EmbeddingsResponse
	err := p.post(ctx, "/embeddings", req, &out)
	return out, err
}

func (p *OpenAI) GenerateImage(ctx context.Context, prompt string, n int) ([]string, error) {
	body := map[string]any{"prompt": prompt, "n": n, "model": "gpt-image-1"}
	var out struct {
		Data []struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := p.post(ctx, "/images/generations", body, &out); err != nil {
		return nil, err
	}
	urls := make([]string, len(out.Data))
	for i, d := range out.Data {
		urls[i] = d.URL
	}
	return urls, nil
}

func (p *OpenAI) post(ctx context.Context, path string, reqBody, respBody any) error {
	data, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("openai: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("openai: create request: %w", err)
	}
	setHeaders(httpReq, p.cfg, "Authorization", "Bearer ")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("openai: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("openai: status %d: %s", resp.StatusCode, string(raw))
	}
	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("openai: decode response: %w", err)
	}
	return nil
}

// estimateTokensFromMessages is a cheap pre-call token estimate (roughly
// 4 characters per token). It feeds arbitrage cost ranking, and the
// gateway bills a non-streaming call at the charge computed from this
// estimate; the provider-reported usage is recorded with the meter event
// but does not change the charge.
func estimateTokensFromMessages(messages []ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += estimateTokensFromText(fmt.Sprint(m.Content))
	}
	return total
}

func estimateTokensFromText(s string) int {
	if len(s) == 0 {
		return 0
	}
	return len(s)/4 + 1
}
