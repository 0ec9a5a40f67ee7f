// Package provider holds the per-vendor HTTP connectors the gateway and
// arbitrage router invoke. Each connector implements arbitrage.Adapter
// plus whichever narrower capability interface fits its vendor (chat,
// TTS, telephony, SMS), following the teacher gateway's one-file-per-
// vendor layout and http.Client-with-pooled-transport connector shape.
package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Config is the shared connector configuration, matching the teacher's
// ProviderConfig shape (BaseURL/APIKey/Headers/Timeout/MaxRetries).
type Config struct {
	BaseURL    string
	APIKey     string
	Headers    map[string]string
	Timeout    time.Duration
	MaxRetries int
}

func (c Config) withDefaults(defaultBaseURL string, defaultTimeout time.Duration) Config {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	return c
}

func newPooledClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

func setHeaders(req *http.Request, cfg Config, authHeader, authPrefix string) {
	req.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		req.Header.Set(authHeader, authPrefix+cfg.APIKey)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
}

// HealthStatus mirrors the teacher's provider.HealthStatus shape.
type HealthStatus struct {
	Healthy   bool
	Latency   time.Duration
	LastCheck time.Time
	Error     string
}

// ChatRequest is the capability-agnostic shape the arbitrage router
// passes as Request.Input for chat-completions and completions.
type ChatRequest struct {
	Model       string          `json:"model"`
	Messages    []ChatMessage   `json:"messages"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Raw         json.RawMessage `json:"-"`
}

// ChatMessage is one message in a ChatRequest.
type ChatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ChatResponse is the OpenAI-compatible response shape connectors
// normalize to.
type ChatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice is one completion choice.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage is token usage as reported by the upstream provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// EmbeddingsRequest is the input for embeddings calls.
type EmbeddingsRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

// EmbeddingsResponse is the normalized embeddings output.
type EmbeddingsResponse struct {
	Data  []EmbeddingData `json:"data"`
	Model string          `json:"model"`
	Usage Usage           `json:"usage"`
}

// EmbeddingData is a single embedding vector.
type EmbeddingData struct {
	Embedding []float64 `json:"embedding"`
	Index     int       `json:"index"`
}

// ChatProvider is implemented by connectors that serve chat-completions
// and completions capabilities.
type ChatProvider interface {
	ChatCompletion(ctx context.Context, req ChatRequest) (ChatResponse, error)
	ChatCompletionStream(ctx context.Context, req ChatRequest) (Stream, error)
}

// EmbeddingsProvider is implemented by connectors that serve embeddings.
type EmbeddingsProvider interface {
	Embeddings(ctx context.Context, req EmbeddingsRequest) (EmbeddingsResponse, error)
}

// Stream is an open server-sent-events stream from a streaming connector.
type Stream interface {
	Next() ([]byte, error)
	Close() error
}

// TTSProvider is implemented by connectors that turn text into audio.
type TTSProvider interface {
	Synthesize(ctx context.Context, text, voice string) (audio []byte, characters int, err error)
}

// STTProvider is implemented by connectors that transcribe audio.
type STTProvider interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (transcript string, durationSeconds float64, err error)
}

// TelephonyProvider places and manages outbound voice calls.
type TelephonyProvider interface {
	PlaceCall(ctx context.Context, to, from, twimlURL, statusCallbackURL string) (callSID string, err error)
}

// SMSProvider sends text/media messages.
type SMSProvider interface {
	SendMessage(ctx context.Context, to, from, body string, mediaURLs []string) (messageSID string, err error)
}

// ImageProvider generates images from a prompt.
type ImageProvider interface {
	GenerateImage(ctx context.Context, prompt string, n int) (urls []string, err error)
}
