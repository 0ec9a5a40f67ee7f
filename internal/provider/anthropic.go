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

const anthropicBaseURL = "https://api.anthropic.com/v1"

// Anthropic implements ChatProvider and arbitrage.Adapter for Claude.
type Anthropic struct {
	cfg    Config
	client *http.Client
}

// NewAnthropic builds an Anthropic connector from cfg.
func NewAnthropic(cfg Config) *Anthropic {
	cfg = cfg.withDefaults(anthropicBaseURL, 120*time.Second)
	return &Anthropic{cfg: cfg, client: newPooledClient(cfg.Timeout)}
}

func (p *Anthropic) Name() string { return "anthropic" }

func (p *Anthropic) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/models", nil)
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

func (p *Anthropic) EstimateCost(_ context.Context, capability catalog.Capability, entry catalog.Entry, input any) (float64, money.Cents, error) {
	req, ok := input.(ChatRequest)
	if !ok {
		return 0, 0, fmt.Errorf("anthropic: expected ChatRequest for %s", capability)
	}
	inputTokens := estimateTokensFromMessages(req.Messages)
	outputTokens := 256
	if req.MaxTokens != nil {
		outputTokens = *req.MaxTokens
	}
	wholesale, charge := entry.EstimateTokens(inputTokens, outputTokens)
	return wholesale, charge, nil
}

func (p *Anthropic) Invoke(ctx context.Context, capability catalog.Capability, input any) (any, error) {
	req, ok := input.(ChatRequest)
	if !ok {
		return nil, fmt.Errorf("anthropic: expected ChatRequest")
	}
	return p.ChatCompletion(ctx, req)
}

func (p *Anthropic) ChatCompletion(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	req.Stream = false
	var out anthropicMessageResponse
	if err := p.post(ctx, req, &out); err != nil {
		return ChatResponse{}, err
	}
	return out.toChatResponse(), nil
}

func (p *Anthropic) ChatCompletionStream(ctx context.Context, req ChatRequest) (Stream, error) {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: stream request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("anthropic: status %d: %s", resp.StatusCode, string(raw))
	}
	return NewHTTPStream(resp), nil
}

func (p *Anthropic) post(ctx context.Context, req ChatRequest, out *anthropicMessageResponse) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("anthropic: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("anthropic: create request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("anthropic: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("anthropic: status %d: %s", resp.StatusCode, string(raw))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("anthropic: decode response: %w", err)
	}
	return nil
}

func (p *Anthropic) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.cfg.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}
}

// anthropicMessageResponse is Claude's native Messages API response shape,
// translated to the OpenAI-compatible ChatResponse the gateway returns.
type anthropicMessageResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (r anthropicMessageResponse) toChatResponse() ChatResponse {
	text := ""
	for _, block := range r.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return ChatResponse{
		ID:    r.ID,
		Model: r.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      ChatMessage{Role: "assistant", Content: text},
			FinishReason: r.StopReason,
		}},
		Usage: Usage{
			PromptTokens:     r.Usage.InputTokens,
			CompletionTokens: r.Usage.OutputTokens,
			TotalTokens:      r.Usage.InputTokens + r.Usage.OutputTokens,
		},
	}
}
