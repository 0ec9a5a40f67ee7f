package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/wopr-network/fleet/internal/catalog"
	"github.com/wopr-network/fleet/internal/money"
)

const groqBaseURL = "https://api.groq.com/openai/v1"

// Groq implements ChatProvider and arbitrage.Adapter. Groq's API is
// OpenAI-compatible, so it reuses OpenAI's request/response wire format
// with a different base URL and bearer scheme.
type Groq struct {
	cfg    Config
	client *http.Client
}

// NewGroq builds a Groq connector from cfg.
func NewGroq(cfg Config) *Groq {
	cfg = cfg.withDefaults(groqBaseURL, 60*time.Second)
	return &Groq{cfg: cfg, client: newPooledClient(cfg.Timeout)}
}

func (p *Groq) Name() string { return "groq" }

func (p *Groq) Healthy(ctx context.Context) bool {
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

func (p *Groq) EstimateCost(_ context.Context, capability catalog.Capability, entry catalog.Entry, input any) (float64, money.Cents, error) {
	req, ok := input.(ChatRequest)
	if !ok {
		return 0, 0, fmt.Errorf("groq: expected ChatRequest for %s", capability)
	}
	inputTokens := estimateTokensFromMessages(req.Messages)
	outputTokens := 256
	if req.MaxTokens != nil {
		outputTokens = *req.MaxTokens
	}
	wholesale, charge := entry.EstimateTokens(inputTokens, outputTokens)
	return wholesale, charge, nil
}

func (p *Groq) Invoke(ctx context.Context, capability catalog.Capability, input any) (any, error) {
	req, ok := input.(ChatRequest)
	if !ok {
		return nil, fmt.Errorf("groq: expected ChatRequest")
	}
	return p.ChatCompletion(ctx, req)
}

func (p *Groq) ChatCompletion(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	req.Stream = false
	var out ChatResponse
	if err := postJSON(ctx, p.client, p.cfg, p.cfg.BaseURL+"/chat/completions", req, &out); err != nil {
		return ChatResponse{}, fmt.Errorf("groq: %w", err)
	}
	return out, nil
}

func (p *Groq) ChatCompletionStream(ctx context.Context, req ChatRequest) (Stream, error) {
	req.Stream = true
	return postStream(ctx, p.client, p.cfg, p.cfg.BaseURL+"/chat/completions", req)
}
