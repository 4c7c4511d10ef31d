package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-gateway/internal/config"
	"chat-gateway/internal/models"
	"chat-gateway/internal/provider"
	"chat-gateway/internal/provider/factory"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	cfg, err := config.Parse([]byte(`
server: {port: 8080}
providers:
  openai:
    api_key: sk
    base_url: http://openai.local/v1
    models: [{id: gpt-4o-mini}, {id: gpt-4o}]
    aliases: {smart: gpt-4o}
  gemini:
    api_key: gk
    base_url: http://gemini.local/v1beta
    models: [{id: gemini-2.0-flash}, {id: gemini-2.5-pro}]
routing:
  default_provider: openai
  vision_provider: gemini
`))
	require.NoError(t, err)

	registry := provider.NewRegistry()
	require.NoError(t, factory.RegisterConfiguredProviders(cfg, registry))
	return New(registry, models.ProviderID(cfg.Routing.DefaultProvider), models.ProviderID(cfg.Routing.VisionProvider))
}

func textMessage(text string) models.Message {
	return models.Message{Role: models.RoleUser, Parts: []models.ContentPart{models.TextPart(text)}}
}

func imageMessage() models.Message {
	return models.Message{Role: models.RoleUser, Parts: []models.ContentPart{
		models.TextPart("what is this"),
		models.ImagePart("image/png", "iVBORw0KGgo="),
	}}
}

func TestResolve_Precedence(t *testing.T) {
	r := newTestRouter(t)

	tests := []struct {
		name     string
		req      models.UnifiedChatRequest
		provider models.ProviderID
		model    string
		mode     models.Mode
	}{
		{
			name:     "default provider",
			req:      models.UnifiedChatRequest{Messages: []models.Message{textMessage("hi")}},
			provider: models.ProviderOpenAI,
			model:    "gpt-4o-mini",
			mode:     models.ModeChat,
		},
		{
			name:     "auto behaves like unset",
			req:      models.UnifiedChatRequest{Provider: models.ProviderAuto, Messages: []models.Message{textMessage("hi")}},
			provider: models.ProviderOpenAI,
			model:    "gpt-4o-mini",
			mode:     models.ModeChat,
		},
		{
			name:     "image infers vision provider",
			req:      models.UnifiedChatRequest{Messages: []models.Message{imageMessage()}},
			provider: models.ProviderGemini,
			model:    "gemini-2.0-flash",
			mode:     models.ModeVision,
		},
		{
			name:     "explicit provider beats image inference",
			req:      models.UnifiedChatRequest{Provider: models.ProviderOpenAI, Messages: []models.Message{imageMessage()}},
			provider: models.ProviderOpenAI,
			model:    "gpt-4o-mini",
			mode:     models.ModeVision,
		},
		{
			name:     "explicit model beats image inference",
			req:      models.UnifiedChatRequest{Model: "smart", Messages: []models.Message{imageMessage()}},
			provider: models.ProviderOpenAI,
			model:    "gpt-4o",
			mode:     models.ModeVision,
		},
		{
			name:     "provider with its own model",
			req:      models.UnifiedChatRequest{Provider: models.ProviderGemini, Model: "gemini-2.5-pro", Messages: []models.Message{textMessage("hi")}},
			provider: models.ProviderGemini,
			model:    "gemini-2.5-pro",
			mode:     models.ModeChat,
		},
		{
			name:     "prefixed model",
			req:      models.UnifiedChatRequest{Model: "gemini/gemini-2.5-pro", Tools: models.Tools{WebSearch: true}, Messages: []models.Message{textMessage("news")}},
			provider: models.ProviderGemini,
			model:    "gemini-2.5-pro",
			mode:     models.ModeSearch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route, err := r.Resolve(tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.provider, route.Provider.Name())
			assert.Equal(t, tt.provider, route.Target.ProviderID)
			assert.Equal(t, tt.model, route.Target.NativeModelID)
			assert.Equal(t, tt.mode, route.Mode)
		})
	}
}

func TestResolve_Unsupported(t *testing.T) {
	r := newTestRouter(t)

	tests := []struct {
		name string
		req  models.UnifiedChatRequest
	}{
		{"unknown model", models.UnifiedChatRequest{Model: "claude-3-opus"}},
		{"model from other provider", models.UnifiedChatRequest{Provider: models.ProviderOpenAI, Model: "gemini-2.0-flash"}},
		{"unconfigured provider", models.UnifiedChatRequest{Provider: "mistral"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.Messages = []models.Message{textMessage("hi")}
			_, err := r.Resolve(tt.req)
			assert.ErrorIs(t, err, ErrUnsupportedModel)
		})
	}
}
