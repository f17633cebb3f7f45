// Package genai provides the downstream processing capability for Attune
// using the OpenAI API.
//
// The Processor interface represents a single fallible, possibly slow call
// into AI/business-logic generation; callers are expected to wrap it with a
// circuit breaker.
package genai

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/attuneai/attune/internal/models"
)

// Processor is the processing capability consumed by the workflow engine and
// the component integrator.
type Processor interface {
	Process(ctx context.Context, req *models.ProcessingRequest) (*models.ProcessingResponse, error)
}

// chatService defines the minimal interface for chat completions, allowing
// tests to substitute a mock.
type chatService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey string
	Model  string
}

// Option configures client creation.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key, overriding $OPENAI_API_KEY.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// Client wraps the OpenAI chat completion service as a Processor.
type Client struct {
	chat  chatService
	model string
}

// NewClient initializes a GenAI client. The API key comes from options or the
// OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("GenAI client created", "model", cfg.Model)
	return &Client{chat: &cli.Chat.Completions, model: cfg.Model}, nil
}

// Process generates a response for the request. Minimal requests bypass the
// API entirely so degraded retries cannot fail on the upstream service.
func (c *Client) Process(ctx context.Context, req *models.ProcessingRequest) (*models.ProcessingResponse, error) {
	slog.Debug("GenAI Process invoked", "type", req.Type, "userID", req.UserID)

	if req.Type == models.ProcessingMinimal {
		return minimalResponse(req), nil
	}

	systemPrompt := req.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt(req.Type)
	}

	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(req.Message),
		},
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		slog.Error("GenAI Process failed", "error", err, "type", req.Type, "userID", req.UserID)
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Error("GenAI Process returned no choices", "type", req.Type, "userID", req.UserID)
		return nil, fmt.Errorf("no choices returned")
	}

	out := &models.ProcessingResponse{
		Response:   resp.Choices[0].Message.Content,
		Confidence: 0.9,
		Metadata: map[string]any{
			"model": c.model,
			"type":  string(req.Type),
		},
	}
	slog.Debug("GenAI Process succeeded", "type", req.Type, "userID", req.UserID)
	return out, nil
}

// defaultSystemPrompt returns the built-in system prompt for a processing type.
func defaultSystemPrompt(pt models.ProcessingType) string {
	switch pt {
	case models.ProcessingWorkflowStep:
		return "You are a supportive wellness coach guiding a user through a structured check-in. Respond warmly and briefly, then ask the step's question."
	case models.ProcessingSummary:
		return "You are a supportive wellness coach. Summarize the conversation so far in two or three encouraging sentences."
	default:
		return "You are a supportive wellness coach. Keep replies short, warm, and practical."
	}
}

// minimalResponse is the degraded, API-free reply used for simplified retries.
func minimalResponse(req *models.ProcessingRequest) *models.ProcessingResponse {
	return &models.ProcessingResponse{
		Response:   "Thanks for your message. I'm here whenever you're ready to continue.",
		Confidence: 0.3,
		Metadata:   map[string]any{"type": string(models.ProcessingMinimal)},
	}
}

// StaticProcessor returns a fixed response. Used in tests and when no API key
// is configured.
type StaticProcessor struct {
	Response   string
	Confidence float64
	Err        error
}

func (s *StaticProcessor) Process(ctx context.Context, req *models.ProcessingRequest) (*models.ProcessingResponse, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	resp := s.Response
	if resp == "" {
		resp = "OK"
	}
	conf := s.Confidence
	if conf == 0 {
		conf = 0.5
	}
	return &models.ProcessingResponse{Response: resp, Confidence: conf}, nil
}
