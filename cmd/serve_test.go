package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-gateway/internal/config"
	"chat-gateway/internal/policy"
)

func TestExecute_RequiresConfig(t *testing.T) {
	err := Execute(context.Background(), []string{"serve"})
	assert.ErrorContains(t, err, `"config" not set`)
}

func TestExecute_UnknownCommand(t *testing.T) {
	assert.Error(t, Execute(context.Background(), []string{"launch"}))
}

func TestServe_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: {port: 8080}\n"), 0o600))

	err := Execute(context.Background(), []string{"serve", "--config", path})
	assert.ErrorContains(t, err, "provider")
}

func TestServe_MissingEnvFile(t *testing.T) {
	err := serve(context.Background(), serveOptions{
		configPath: "unused.yaml",
		envFile:    filepath.Join(t.TempDir(), "missing.env"),
	})
	assert.ErrorContains(t, err, "load env file")
}

func TestNewAccessChecker(t *testing.T) {
	c, err := newAccessChecker(config.PolicyConfig{Endpoint: "http://policy.local/check"})
	require.NoError(t, err)
	assert.IsType(t, &policy.HTTPChecker{}, c)

	c, err = newAccessChecker(config.PolicyConfig{Decisions: map[string]string{"bob": "terms_required"}})
	require.NoError(t, err)
	assert.IsType(t, &policy.StaticChecker{}, c)

	_, err = newAccessChecker(config.PolicyConfig{Decisions: map[string]string{"bob": "nope"}})
	assert.Error(t, err)
}

func TestNewUsageRecorder(t *testing.T) {
	assert.IsType(t, policy.LogRecorder{}, newUsageRecorder(config.PolicyConfig{}))

	multi, ok := newUsageRecorder(config.PolicyConfig{UsageWebhook: "http://usage.local"}).(policy.Multi)
	require.True(t, ok)
	assert.Len(t, multi, 2)
}
