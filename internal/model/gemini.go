package model

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/errors"
)

// Gemini serves "gemini:<model>" specs through the Gemini API.
type Gemini struct {
	client *genai.Client
}

var _ Provider = (*Gemini)(nil)

// NewGemini creates a Gemini provider. baseURL is optional.
func NewGemini(ctx context.Context, apiKey, baseURL string) (*Gemini, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.NewModelError("api key is not configured", errors.ErrMissingAPIKey).WithProvider("gemini")
	}
	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Gemini{client: client}, nil
}

// Complete sends the conversation as GenerateContent contents.
func (g *Gemini) Complete(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.Model) == "" {
		return Response{}, errors.NewValidationError("model is required").WithField("model")
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := genai.Role(genai.RoleUser)
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	if len(contents) == 0 {
		return Response{}, errors.NewValidationError("at least one message is required").WithField("messages")
	}

	gc := &genai.GenerateContentConfig{}
	if req.System != "" {
		gc.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		gc.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		gc.Temperature = &t
	}
	if req.JSON {
		gc.ResponseMIMEType = "application/json"
	}

	result, err := g.client.Models.GenerateContent(ctx, req.Model, contents, gc)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		merr := errors.NewModelError("generate content", err).WithProvider("gemini").WithModel(req.Model)
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			merr = merr.WithStatusCode(apiErr.Code)
		}
		return Response{}, merr
	}

	text := result.Text()
	if strings.TrimSpace(text) == "" {
		return Response{}, errors.NewModelError("no content in response", errors.ErrEmptyResponse).
			WithProvider("gemini").WithModel(req.Model)
	}

	resp := Response{Content: text, Model: req.Model}
	if result.ModelVersion != "" {
		resp.Model = result.ModelVersion
	}
	if u := result.UsageMetadata; u != nil {
		resp.Usage = Usage{
			InputTokens:  int64(u.PromptTokenCount),
			OutputTokens: int64(u.CandidatesTokenCount),
		}
	}
	return resp, nil
}
