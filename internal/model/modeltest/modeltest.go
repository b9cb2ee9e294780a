// Package modeltest provides a scripted model provider for tests.
package modeltest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/model"
)

// ReplyFunc produces the reply for one request.
type ReplyFunc func(req model.Request) (string, error)

// Provider answers requests according to per-model scripts. Models without
// a script get "response from <model>".
type Provider struct {
	mu      sync.Mutex
	scripts map[string]ReplyFunc
	delays  map[string]time.Duration
	calls   []model.Request
}

var _ model.Provider = (*Provider)(nil)

// New creates a Provider with no scripts.
func New() *Provider {
	return &Provider{
		scripts: make(map[string]ReplyFunc),
		delays:  make(map[string]time.Duration),
	}
}

// On scripts replies for modelName.
func (p *Provider) On(modelName string, fn ReplyFunc) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts[modelName] = fn
	return p
}

// Reply makes modelName always answer content.
func (p *Provider) Reply(modelName, content string) *Provider {
	return p.On(modelName, func(model.Request) (string, error) { return content, nil })
}

// Fail makes modelName always fail with err.
func (p *Provider) Fail(modelName string, err error) *Provider {
	return p.On(modelName, func(model.Request) (string, error) { return "", err })
}

// Delay makes modelName wait d (or until the context ends) before replying.
func (p *Provider) Delay(modelName string, d time.Duration) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delays[modelName] = d
	return p
}

// Complete implements model.Provider.
func (p *Provider) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	fn := p.scripts[req.Model]
	delay := p.delays[req.Model]
	p.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return model.Response{}, ctx.Err()
		case <-timer.C:
		}
	}

	content := fmt.Sprintf("response from %s", req.Model)
	if fn != nil {
		var err error
		content, err = fn(req)
		if err != nil {
			return model.Response{}, err
		}
	}
	return model.Response{Content: content, Model: req.Model}, nil
}

// Calls returns every request received so far.
func (p *Provider) Calls() []model.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Request(nil), p.calls...)
}

// CallCount returns how many requests named modelName.
func (p *Provider) CallCount(modelName string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c.Model == modelName {
			n++
		}
	}
	return n
}

// Invoker returns an invoker that routes every provider name used in
// tests (openrouter, openai, gemini) to p.
func (p *Provider) Invoker() *model.RegistryInvoker {
	r := model.NewRegistry()
	for _, name := range []string{model.DefaultProvider, "openai", "gemini"} {
		r.Register(name, p)
	}
	return model.NewInvoker(r)
}

// LastPrompt returns the final user message of the last request to modelName.
func (p *Provider) LastPrompt(modelName string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.calls) - 1; i >= 0; i-- {
		c := p.calls[i]
		if c.Model == modelName && len(c.Messages) > 0 {
			return c.Messages[len(c.Messages)-1].Content
		}
	}
	return ""
}
