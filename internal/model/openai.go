package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/errors"
)

const (
	defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
	maxResponseBytes         = 8 << 20
)

// OpenAICompatibleOption configures an OpenAICompatible provider.
type OpenAICompatibleOption func(*OpenAICompatible)

// OpenAICompatible talks to any chat-completions endpoint that follows the
// OpenAI wire format, which covers both OpenRouter and OpenAI.
type OpenAICompatible struct {
	name    string
	apiKey  string
	baseURL string
	headers map[string]string
	client  *http.Client
}

var _ Provider = (*OpenAICompatible)(nil)

// NewOpenAICompatible creates a provider named name (used in errors).
func NewOpenAICompatible(name, apiKey string, opts ...OpenAICompatibleOption) *OpenAICompatible {
	p := &OpenAICompatible{
		name:    name,
		apiKey:  strings.TrimSpace(apiKey),
		baseURL: defaultOpenRouterBaseURL,
		headers: make(map[string]string),
		// Per-call deadlines come from the context.
		client: &http.Client{Timeout: 10 * time.Minute},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// WithBaseURL overrides the API base URL (without /chat/completions).
func WithBaseURL(baseURL string) OpenAICompatibleOption {
	return func(p *OpenAICompatible) {
		if trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/"); trimmed != "" {
			p.baseURL = trimmed
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) OpenAICompatibleOption {
	return func(p *OpenAICompatible) {
		if client != nil {
			p.client = client
		}
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) OpenAICompatibleOption {
	return func(p *OpenAICompatible) {
		p.headers[key] = value
	}
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

type chatErrorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete sends one chat-completions request.
func (p *OpenAICompatible) Complete(ctx context.Context, req Request) (Response, error) {
	if p.apiKey == "" {
		return Response{}, errors.NewModelError("api key is not configured", errors.ErrMissingAPIKey).
			WithProvider(p.name).WithModel(req.Model).WithStatusCode(401)
	}
	if strings.TrimSpace(req.Model) == "" {
		return Response{}, errors.NewValidationError("model is required").WithField("model")
	}

	messages := make([]Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: req.System})
	}
	messages = append(messages, req.Messages...)
	if len(messages) == 0 {
		return Response{}, errors.NewValidationError("at least one message is required").WithField("messages")
	}

	payload := chatRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.JSON {
		payload.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("marshal %s request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build %s request: %w", p.name, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, errors.NewModelError("request failed", err).WithProvider(p.name).WithModel(req.Model)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, p.apiError(resp, req.Model)
	}

	var parsed chatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&parsed); err != nil {
		return Response{}, errors.NewModelError("decode response", err).WithProvider(p.name).WithModel(req.Model)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return Response{}, errors.NewModelError("no content in response", errors.ErrEmptyResponse).
			WithProvider(p.name).WithModel(req.Model)
	}

	model := parsed.Model
	if model == "" {
		model = req.Model
	}
	return Response{
		Content: parsed.Choices[0].Message.Content,
		Model:   model,
		Usage: Usage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
		},
	}, nil
}

func (p *OpenAICompatible) apiError(resp *http.Response, model string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := strings.TrimSpace(string(raw))
	var envelope chatErrorEnvelope
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
		msg = envelope.Error.Message
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return errors.NewModelError(msg, nil).
		WithProvider(p.name).
		WithModel(model).
		WithStatusCode(resp.StatusCode)
}
