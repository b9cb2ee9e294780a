package model

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/config"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/errors"
)

// Registry maps provider names to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register binds name to provider. Names are case-insensitive.
func (r *Registry) Register(name string, provider Provider) {
	key := normalizeProviderName(name)
	if key == "" || provider == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[key] = provider
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[normalizeProviderName(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrProviderNotFound, name)
	}
	return p, nil
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeProviderName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// NewRegistryFromConfig registers the providers described by cfg.
// OpenRouter and OpenAI are always present and report a missing key when
// called; Gemini is registered only when it has a key.
func NewRegistryFromConfig(ctx context.Context, cfg config.ProvidersConfig) (*Registry, error) {
	r := NewRegistry()
	r.Register("openrouter", NewOpenAICompatible("openrouter", cfg.OpenRouter.APIKey,
		WithBaseURL(cfg.OpenRouter.BaseURL),
		WithHeader("X-Title", "council"),
	))
	r.Register("openai", NewOpenAICompatible("openai", cfg.OpenAI.APIKey,
		WithBaseURL(cfg.OpenAI.BaseURL),
	))
	if strings.TrimSpace(cfg.Gemini.APIKey) != "" {
		gemini, err := NewGemini(ctx, cfg.Gemini.APIKey, cfg.Gemini.BaseURL)
		if err != nil {
			return nil, err
		}
		r.Register("gemini", gemini)
	}
	return r, nil
}
