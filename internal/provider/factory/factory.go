package factory

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"chat-gateway/internal/config"
	"chat-gateway/internal/models"
	"chat-gateway/internal/provider"
	geminiProvider "chat-gateway/internal/provider/gemini"
	openaiProvider "chat-gateway/internal/provider/openai"
)

const (
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// RegisterConfiguredProviders constructs providers from configuration and stores them in the registry.
func RegisterConfiguredProviders(cfg config.Config, registry *provider.Registry) error {
	if registry == nil {
		return errors.New("registry must not be nil")
	}

	if cfg.Providers.OpenAI != nil {
		p, err := openaiProvider.New(*cfg.Providers.OpenAI, newHTTPClient(cfg.Providers.OpenAI.ConnectTimeout))
		if err != nil {
			return fmt.Errorf("initialise openai provider: %w", err)
		}
		if err := registry.RegisterProvider(p, cfg.Providers.OpenAI.Aliases); err != nil {
			return fmt.Errorf("register openai provider: %w", err)
		}
	}

	if cfg.Providers.Gemini != nil {
		p, err := geminiProvider.New(*cfg.Providers.Gemini, newHTTPClient(cfg.Providers.Gemini.ConnectTimeout))
		if err != nil {
			return fmt.Errorf("initialise gemini provider: %w", err)
		}
		if err := registry.RegisterProvider(p, cfg.Providers.Gemini.Aliases); err != nil {
			return fmt.Errorf("register gemini provider: %w", err)
		}
	}

	return nil
}

// ApplyCredentials pushes reloaded credentials to registered providers.
// Model and alias changes need a restart.
func ApplyCredentials(cfg config.Config, registry *provider.Registry) error {
	var errs []error
	cfg.Providers.Each(func(name string, pc config.ProviderConfig) {
		if err := registry.UpdateCredentials(models.ProviderID(name), provider.CredentialsFromConfig(pc)); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

// newHTTPClient sets no overall client timeout. connectTimeout bounds the
// wait for response headers; streamed bodies are bounded by the relay's idle
// window.
func newHTTPClient(connectTimeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: connectTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: transport,
	}
}
