package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
server:
  port: 8080
providers:
  openai:
    api_key: ${TEST_OPENAI_KEY}
    base_url: https://api.openai.com/v1
    models:
      - id: gpt-4o-mini
      - id: gpt-4o
    aliases:
      fast: gpt-4o-mini
  gemini:
    api_key: g-key
    base_url: https://generativelanguage.googleapis.com/v1beta
    models:
      - id: gemini-2.0-flash
    array_decoder: per_fragment
    requests_per_second: 2
rate_limits:
  per_caller:
    limit: 3
    window: 24h
timeouts:
  chat_idle: 45s
`

func TestParse_DefaultsAndEnv(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-test")

	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	assert.Equal(t, "sk-test", cfg.Providers.OpenAI.APIKey)
	assert.Equal(t, "gpt-4o-mini", cfg.Providers.OpenAI.DefaultModel)
	assert.False(t, *cfg.Providers.OpenAI.AllowImagesWithSearch)
	assert.True(t, *cfg.Providers.Gemini.AllowImagesWithSearch)
	assert.Equal(t, 1, cfg.Providers.Gemini.Burst)
	assert.Equal(t, "per_fragment", cfg.Providers.Gemini.ArrayDecoder)

	assert.Equal(t, "openai", cfg.Routing.DefaultProvider)
	assert.Equal(t, "gemini", cfg.Routing.VisionProvider)
	assert.Equal(t, DefaultCallerHeader, cfg.Server.CallerHeader)

	assert.Equal(t, 3, cfg.RateLimits.PerCaller.Limit)
	assert.Equal(t, 24*time.Hour, cfg.RateLimits.PerCaller.Window)
	assert.Equal(t, 45*time.Second, cfg.Timeouts.ChatIdle)
	assert.Equal(t, DefaultVisionIdle, cfg.Timeouts.VisionIdle)
}

func TestParse_VisionFallsBackToDefault(t *testing.T) {
	cfg, err := Parse([]byte(`
server: {port: 1}
providers:
  openai: {api_key: k, base_url: http://x, models: [{id: m}]}
`))
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.Routing.VisionProvider)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad port", `server: {port: 0}`, "server.port"},
		{"no providers", `server: {port: 1}`, "at least one"},
		{"missing key", `
server: {port: 1}
providers:
  openai: {base_url: http://x, models: [{id: m}]}`, "api_key"},
		{"unknown default model", `
server: {port: 1}
providers:
  openai: {api_key: k, base_url: http://x, models: [{id: m}], default_model: other}`, "default_model"},
		{"bad decoder", `
server: {port: 1}
providers:
  gemini: {api_key: k, base_url: http://x, models: [{id: m}], array_decoder: greedy}`, "array decoder"},
		{"unconfigured vision", `
server: {port: 1}
routing: {vision_provider: gemini}
providers:
  openai: {api_key: k, base_url: http://x, models: [{id: m}]}`, "vision_provider"},
		{"window missing", `
server: {port: 1}
rate_limits: {global: {limit: 5}}
providers:
  openai: {api_key: k, base_url: http://x, models: [{id: m}]}`, "rate_limits.global.window"},
		{"bad decision", `
server: {port: 1}
policy: {decisions: {bob: banned}}
providers:
  openai: {api_key: k, base_url: http://x, models: [{id: m}]}`, "policy.decisions"},
		{"bad header", `
server: {port: 1}
providers:
  openai: {api_key: k, base_url: http://x, models: [{id: m}], headers: {"X Bad": v}}`, "header"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-example")
	t.Setenv("GEMINI_API_KEY", "g-example")

	cfg, err := Load(filepath.Join("..", "..", "config.example.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sk-example", cfg.Providers.OpenAI.APIKey)
	assert.Equal(t, "quota_exceeded", cfg.Policy.Decisions["blocked-device"])
	assert.Equal(t, 1000, cfg.RateLimits.Global.Limit)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "read config file")
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	write := func(key string) {
		body := "server: {port: 1}\nproviders:\n  openai: {api_key: " + key + ", base_url: http://x, models: [{id: m}]}\n"
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	}
	write("first")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, func(cfg Config) { reloaded <- cfg }) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	write("second")

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "second", cfg.Providers.OpenAI.APIKey)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}

	cancel()
	assert.NoError(t, <-done)
}
