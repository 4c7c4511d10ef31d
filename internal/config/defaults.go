package config

import "time"

// =============================================================================
// SERVER
// =============================================================================

// DefaultCallerHeader carries the caller identity used for rate limiting and
// policy checks. Requests without it are keyed by client IP.
const DefaultCallerHeader = "X-Caller-ID"

// DefaultMaxBodyBytes bounds inbound request bodies; image payloads are inline.
const DefaultMaxBodyBytes = 20 << 20

// DefaultShutdownTimeout is the graceful shutdown window.
const DefaultShutdownTimeout = 10 * time.Second

// =============================================================================
// RELAY
// =============================================================================

// DefaultChatIdle is the idle window for plain chat calls.
const DefaultChatIdle = 60 * time.Second

// DefaultVisionIdle is the idle window for vision and search calls.
const DefaultVisionIdle = 120 * time.Second

// =============================================================================
// UPSTREAM
// =============================================================================

// DefaultConnectTimeout bounds dialing plus waiting for response headers.
const DefaultConnectTimeout = 30 * time.Second

// DefaultBreakerFailures is the consecutive failure count that opens a breaker.
const DefaultBreakerFailures = 5

// DefaultBreakerInterval clears breaker counts while closed.
const DefaultBreakerInterval = 60 * time.Second

// DefaultBreakerOpenTimeout is how long an open breaker rejects calls.
const DefaultBreakerOpenTimeout = 30 * time.Second

// =============================================================================
// POLICY
// =============================================================================

// DefaultPolicyTimeout bounds a remote access check.
const DefaultPolicyTimeout = 5 * time.Second

// DefaultUsageQueueSize is the webhook recorder's buffered queue length.
const DefaultUsageQueueSize = 1024

// =============================================================================
// LOGGING
// =============================================================================

const (
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "console"
	DefaultLogMaxSizeMB  = 100
	DefaultLogMaxBackups = 3
	DefaultLogMaxAgeDays = 28
)

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Server.CallerHeader == "" {
		c.Server.CallerHeader = DefaultCallerHeader
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = DefaultLogMaxSizeMB
	}
	if c.Logging.MaxBackups <= 0 {
		c.Logging.MaxBackups = DefaultLogMaxBackups
	}
	if c.Logging.MaxAgeDays <= 0 {
		c.Logging.MaxAgeDays = DefaultLogMaxAgeDays
	}

	if c.Providers.OpenAI != nil {
		applyProviderDefaults(c.Providers.OpenAI, false)
	}
	if c.Providers.Gemini != nil {
		applyProviderDefaults(c.Providers.Gemini, true)
	}

	if c.Routing.DefaultProvider == "" {
		if c.Providers.OpenAI != nil {
			c.Routing.DefaultProvider = providerOpenAI
		} else if c.Providers.Gemini != nil {
			c.Routing.DefaultProvider = providerGemini
		}
	}
	if c.Routing.VisionProvider == "" {
		if c.Providers.Gemini != nil {
			c.Routing.VisionProvider = providerGemini
		} else {
			c.Routing.VisionProvider = c.Routing.DefaultProvider
		}
	}

	if c.Timeouts.ChatIdle <= 0 {
		c.Timeouts.ChatIdle = DefaultChatIdle
	}
	if c.Timeouts.VisionIdle <= 0 {
		c.Timeouts.VisionIdle = DefaultVisionIdle
	}

	if c.Policy.Timeout <= 0 {
		c.Policy.Timeout = DefaultPolicyTimeout
	}
	if c.Policy.UsageQueueSize <= 0 {
		c.Policy.UsageQueueSize = DefaultUsageQueueSize
	}
}

func applyProviderDefaults(p *ProviderConfig, imagesWithSearch bool) {
	if p.DefaultModel == "" && len(p.Models) > 0 {
		p.DefaultModel = p.Models[0].ID
	}
	if p.ConnectTimeout <= 0 {
		p.ConnectTimeout = DefaultConnectTimeout
	}
	if p.Breaker.FailureThreshold == 0 {
		p.Breaker.FailureThreshold = DefaultBreakerFailures
	}
	if p.Breaker.Interval <= 0 {
		p.Breaker.Interval = DefaultBreakerInterval
	}
	if p.Breaker.OpenTimeout <= 0 {
		p.Breaker.OpenTimeout = DefaultBreakerOpenTimeout
	}
	if p.RequestsPerSecond > 0 && p.Burst <= 0 {
		p.Burst = 1
	}
	if p.AllowImagesWithSearch == nil {
		p.AllowImagesWithSearch = &imagesWithSearch
	}
}
