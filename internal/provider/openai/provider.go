package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"chat-gateway/internal/config"
	"chat-gateway/internal/decoder"
	"chat-gateway/internal/models"
	"chat-gateway/internal/provider"
	"chat-gateway/internal/translator"
)

const (
	contentTypeJSON = "application/json"
	contentTypeSSE  = "text/event-stream"
	userAgent       = "chat-gateway/0.1"
)

// Provider implements provider.Provider for OpenAI-compatible APIs.
type Provider struct {
	*provider.Upstream
	codec        *translator.OpenAICodec
	models       []models.Model
	defaultModel string
}

// New creates a new OpenAI provider.
func New(cfg config.ProviderConfig, client *http.Client) (*Provider, error) {
	upstream, err := provider.NewUpstream(string(models.ProviderOpenAI), cfg, client)
	if err != nil {
		return nil, err
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	modelsList := make([]models.Model, 0, len(cfg.Models))
	for _, model := range cfg.Models {
		modelsList = append(modelsList, models.Model{ID: model.ID, Provider: models.ProviderOpenAI})
	}

	allow := cfg.AllowImagesWithSearch != nil && *cfg.AllowImagesWithSearch
	return &Provider{
		Upstream:     upstream,
		codec:        translator.NewOpenAICodec(translator.OpenAIOptions{AllowImagesWithSearch: allow}),
		models:       modelsList,
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *Provider) Name() models.ProviderID {
	return models.ProviderOpenAI
}

func (p *Provider) Codec() translator.Codec {
	return p.codec
}

// ArrayStrategy is unused by the SSE family.
func (p *Provider) ArrayStrategy() decoder.Strategy {
	return decoder.StrategyBuffered
}

func (p *Provider) Models() []models.Model {
	result := make([]models.Model, len(p.models))
	copy(result, p.models)
	return result
}

func (p *Provider) DefaultModel() string {
	return p.defaultModel
}

func (p *Provider) Target(modelID string) models.ProviderTarget {
	return models.ProviderTarget{
		ProviderID:    models.ProviderOpenAI,
		BaseURL:       p.Credentials().BaseURL,
		APIKeyRef:     "providers.openai.api_key",
		NativeModelID: modelID,
	}
}

func (p *Provider) Open(ctx context.Context, target models.ProviderTarget, native translator.NativeRequest, stream bool) (*http.Response, error) {
	return p.Do(ctx, func(creds provider.Credentials) (*http.Request, error) {
		return newRequest(ctx, target.BaseURL+"/chat/completions", creds, native, stream)
	})
}

func newRequest(ctx context.Context, url string, creds provider.Credentials, body []byte, stream bool) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	accept := contentTypeJSON
	if stream {
		accept = contentTypeSSE
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+creds.APIKey)

	for k, v := range creds.Headers {
		req.Header.Set(k, v)
	}

	return req, nil
}
