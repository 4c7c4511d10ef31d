package gemini

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"chat-gateway/internal/config"
	"chat-gateway/internal/decoder"
	"chat-gateway/internal/models"
	"chat-gateway/internal/provider"
	"chat-gateway/internal/translator"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "chat-gateway/0.1"
	apiKeyHeader    = "x-goog-api-key"
)

// Provider implements provider.Provider for the Gemini generateContent API.
// Streaming uses streamGenerateContent without alt=sse, so the body is one
// incrementally delivered JSON array.
type Provider struct {
	*provider.Upstream
	codec        *translator.GeminiCodec
	strategy     decoder.Strategy
	models       []models.Model
	defaultModel string
}

// New creates a new Gemini provider.
func New(cfg config.ProviderConfig, client *http.Client) (*Provider, error) {
	upstream, err := provider.NewUpstream(string(models.ProviderGemini), cfg, client)
	if err != nil {
		return nil, err
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("base url must not be empty")
	}
	strategy, err := decoder.ParseStrategy(cfg.ArrayDecoder)
	if err != nil {
		return nil, err
	}

	modelsList := make([]models.Model, 0, len(cfg.Models))
	for _, model := range cfg.Models {
		modelsList = append(modelsList, models.Model{ID: model.ID, Provider: models.ProviderGemini})
	}

	allow := cfg.AllowImagesWithSearch == nil || *cfg.AllowImagesWithSearch
	return &Provider{
		Upstream:     upstream,
		codec:        translator.NewGeminiCodec(translator.GeminiOptions{AllowImagesWithSearch: allow}),
		strategy:     strategy,
		models:       modelsList,
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *Provider) Name() models.ProviderID {
	return models.ProviderGemini
}

func (p *Provider) Codec() translator.Codec {
	return p.codec
}

func (p *Provider) ArrayStrategy() decoder.Strategy {
	return p.strategy
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
		ProviderID:    models.ProviderGemini,
		BaseURL:       p.Credentials().BaseURL,
		APIKeyRef:     "providers.gemini.api_key",
		NativeModelID: modelID,
	}
}

func (p *Provider) Open(ctx context.Context, target models.ProviderTarget, native translator.NativeRequest, stream bool) (*http.Response, error) {
	method := "generateContent"
	if stream {
		method = "streamGenerateContent"
	}
	endpoint := fmt.Sprintf("%s/models/%s:%s", target.BaseURL, url.PathEscape(target.NativeModelID), method)

	return p.Do(ctx, func(creds provider.Credentials) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(native))
		if err != nil {
			return nil, fmt.Errorf("construct request: %w", err)
		}
		req.Header.Set("Content-Type", contentTypeJSON)
		req.Header.Set("Accept", contentTypeJSON)
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set(apiKeyHeader, creds.APIKey)
		for k, v := range creds.Headers {
			req.Header.Set(k, v)
		}
		return req, nil
	})
}
