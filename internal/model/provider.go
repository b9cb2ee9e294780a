package model

import (
	"context"
	"strings"
)

// Role is the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one chat turn sent to a provider.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion request against one model.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature *float64
	// JSON asks the provider for a JSON object response where supported.
	JSON bool
}

// Response is a provider's answer to a Request.
type Response struct {
	Content string
	Model   string
	Usage   Usage
}

// Usage reports token accounting when the provider returns it.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Provider completes requests for the models it hosts.
type Provider interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, req Request) (Response, error)

// Complete calls f.
func (f ProviderFunc) Complete(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// DefaultProvider is used for model specs without a provider prefix.
const DefaultProvider = "openrouter"

// Spec identifies a model as provider plus provider-local model name.
type Spec struct {
	Provider string
	Model    string
}

// ParseSpec splits "provider:model". Specs without a prefix belong to
// DefaultProvider, so "openai/gpt-5.1" means openrouter:openai/gpt-5.1.
func ParseSpec(s string) Spec {
	s = strings.TrimSpace(s)
	if provider, name, ok := strings.Cut(s, ":"); ok && provider != "" && !strings.Contains(provider, "/") {
		return Spec{Provider: strings.ToLower(provider), Model: strings.TrimSpace(name)}
	}
	return Spec{Provider: DefaultProvider, Model: s}
}

// String returns the canonical "provider:model" form.
func (s Spec) String() string {
	return s.Provider + ":" + s.Model
}

// IsZero reports whether the spec names no model.
func (s Spec) IsZero() bool {
	return s.Model == ""
}
