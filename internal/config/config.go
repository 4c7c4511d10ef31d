package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"chat-gateway/internal/decoder"
)

const (
	providerOpenAI = "openai"
	providerGemini = "gemini"
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Routing    RoutingConfig    `yaml:"routing"`
	RateLimits RateLimitsConfig `yaml:"rate_limits"`
	Timeouts   TimeoutsConfig   `yaml:"timeouts"`
	Policy     PolicyConfig     `yaml:"policy"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
	// CallerHeader names the request header carrying the caller identity.
	CallerHeader    string        `yaml:"caller_header"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig controls the global logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File enables a rotated log file next to stderr output.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// ProvidersConfig catalogues configured upstream providers. At least one
// must be present.
type ProvidersConfig struct {
	OpenAI *ProviderConfig `yaml:"openai"`
	Gemini *ProviderConfig `yaml:"gemini"`
}

// Each calls fn for every configured provider in a stable order.
func (p ProvidersConfig) Each(fn func(name string, cfg ProviderConfig)) {
	if p.OpenAI != nil {
		fn(providerOpenAI, *p.OpenAI)
	}
	if p.Gemini != nil {
		fn(providerGemini, *p.Gemini)
	}
}

// Has reports whether the named provider is configured.
func (p ProvidersConfig) Has(name string) bool {
	switch name {
	case providerOpenAI:
		return p.OpenAI != nil
	case providerGemini:
		return p.Gemini != nil
	default:
		return false
	}
}

// ProviderConfig captures authentication and routing info for a provider.
type ProviderConfig struct {
	APIKey       string            `yaml:"api_key"`
	BaseURL      string            `yaml:"base_url"`
	Models       []ModelConfig     `yaml:"models"`
	DefaultModel string            `yaml:"default_model"`
	Headers      Headers           `yaml:"headers"`
	Aliases      map[string]string `yaml:"aliases"`

	// RequestsPerSecond throttles outbound connects; zero disables it.
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	Breaker           BreakerConfig `yaml:"breaker"`
	// ConnectTimeout bounds dialing and waiting for response headers.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// ArrayDecoder selects buffered or per_fragment decoding for
	// array-streaming providers.
	ArrayDecoder          string `yaml:"array_decoder"`
	AllowImagesWithSearch *bool  `yaml:"allow_images_with_search"`
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// ModelConfig describes a model exposed by a provider.
type ModelConfig struct {
	ID string `yaml:"id"`
}

// BreakerConfig tunes the per-provider circuit breaker.
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	Interval         time.Duration `yaml:"interval"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// RoutingConfig names the fallback providers used by the router.
type RoutingConfig struct {
	DefaultProvider string `yaml:"default_provider"`
	VisionProvider  string `yaml:"vision_provider"`
}

// RateLimitsConfig holds the per-caller and global fixed windows.
type RateLimitsConfig struct {
	PerCaller LimitConfig `yaml:"per_caller"`
	Global    LimitConfig `yaml:"global"`
}

// LimitConfig is one fixed-window rule. A zero limit disables it.
type LimitConfig struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// TimeoutsConfig holds relay idle windows.
type TimeoutsConfig struct {
	ChatIdle   time.Duration `yaml:"chat_idle"`
	VisionIdle time.Duration `yaml:"vision_idle"`
}

// PolicyConfig wires the access checker and usage recorder.
type PolicyConfig struct {
	// Endpoint, when set, is POSTed {caller_id} and must answer {decision}.
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
	// Decisions statically maps caller ids to access decisions when no
	// endpoint is configured.
	Decisions      map[string]string `yaml:"decisions"`
	UsageWebhook   string            `yaml:"usage_webhook"`
	UsageQueueSize int               `yaml:"usage_queue_size"`
}

// Load reads YAML configuration from disk, applies defaults and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config file %q: %w", absPath, err)
	}
	return cfg, nil
}

// Parse decodes YAML, expands ${ENV} references in provider credentials,
// applies defaults and validates.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse: %w", err)
	}

	cfg.expandEnv()
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) expandEnv() {
	for _, p := range []*ProviderConfig{c.Providers.OpenAI, c.Providers.Gemini} {
		if p == nil {
			continue
		}
		p.APIKey = os.ExpandEnv(p.APIKey)
		p.BaseURL = os.ExpandEnv(p.BaseURL)
		for k, v := range p.Headers {
			p.Headers[k] = os.ExpandEnv(v)
		}
	}
	c.Policy.Endpoint = os.ExpandEnv(c.Policy.Endpoint)
	c.Policy.UsageWebhook = os.ExpandEnv(c.Policy.UsageWebhook)
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if !isCanonicalHTTPHeader(c.Server.CallerHeader) {
		return fmt.Errorf("server.caller_header %q is not a valid canonical HTTP header", c.Server.CallerHeader)
	}

	if c.Providers.OpenAI == nil && c.Providers.Gemini == nil {
		return fmt.Errorf("providers: at least one of %q or %q must be configured", providerOpenAI, providerGemini)
	}

	var err error
	c.Providers.Each(func(name string, provider ProviderConfig) {
		if err == nil {
			err = validateProvider(name, provider)
		}
	})
	if err != nil {
		return err
	}

	if !c.Providers.Has(c.Routing.DefaultProvider) {
		return fmt.Errorf("routing.default_provider %q is not a configured provider", c.Routing.DefaultProvider)
	}
	if !c.Providers.Has(c.Routing.VisionProvider) {
		return fmt.Errorf("routing.vision_provider %q is not a configured provider", c.Routing.VisionProvider)
	}

	for name, limit := range map[string]LimitConfig{
		"rate_limits.per_caller": c.RateLimits.PerCaller,
		"rate_limits.global":     c.RateLimits.Global,
	} {
		if limit.Limit < 0 {
			return fmt.Errorf("%s.limit must not be negative, got %d", name, limit.Limit)
		}
		if limit.Limit > 0 && limit.Window <= 0 {
			return fmt.Errorf("%s.window must be positive when a limit is set", name)
		}
	}

	if c.Timeouts.ChatIdle <= 0 || c.Timeouts.VisionIdle <= 0 {
		return fmt.Errorf("timeouts.chat_idle and timeouts.vision_idle must be positive")
	}

	for caller, decision := range c.Policy.Decisions {
		if !slices.Contains(accessDecisions, decision) {
			return fmt.Errorf("policy.decisions[%q]: %q must be one of %s", caller, decision, strings.Join(accessDecisions, ", "))
		}
	}

	return nil
}

var accessDecisions = []string{"allowed", "quota_exceeded", "terms_required"}

func validateProvider(name string, provider ProviderConfig) error {
	if strings.TrimSpace(provider.APIKey) == "" {
		return fmt.Errorf("provider %s: api_key must be provided", name)
	}
	if strings.TrimSpace(provider.BaseURL) == "" {
		return fmt.Errorf("provider %s: base_url must be provided", name)
	}
	if len(provider.Models) == 0 {
		return fmt.Errorf("provider %s: at least one model must be configured", name)
	}

	ids := make(map[string]struct{}, len(provider.Models))
	for _, model := range provider.Models {
		if strings.TrimSpace(model.ID) == "" {
			return fmt.Errorf("provider %s: model id must not be empty", name)
		}
		ids[model.ID] = struct{}{}
	}
	if _, ok := ids[provider.DefaultModel]; !ok {
		return fmt.Errorf("provider %s: default_model %q is not one of its models", name, provider.DefaultModel)
	}

	for headerKey := range provider.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider %s: header %q is not a valid canonical HTTP header", name, headerKey)
		}
	}

	for alias, target := range provider.Aliases {
		if strings.TrimSpace(alias) == "" {
			return fmt.Errorf("provider %s: alias name must not be empty", name)
		}
		if strings.TrimSpace(target) == "" {
			return fmt.Errorf("provider %s: alias %q target must not be empty", name, alias)
		}
	}

	if provider.RequestsPerSecond < 0 {
		return fmt.Errorf("provider %s: requests_per_second must not be negative", name)
	}
	if _, err := decoder.ParseStrategy(provider.ArrayDecoder); err != nil {
		return fmt.Errorf("provider %s: %w", name, err)
	}

	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
