package provider

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"chat-gateway/internal/config"
)

// ErrCircuitOpen indicates the provider's breaker is rejecting calls.
var ErrCircuitOpen = errors.New("provider circuit open")

// Credentials are the hot-swappable connection settings of a provider.
type Credentials struct {
	APIKey  string
	BaseURL string
	Headers map[string]string
}

// CredentialsFromConfig extracts the credential fields of a provider config.
func CredentialsFromConfig(cfg config.ProviderConfig) Credentials {
	return Credentials{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Headers: maps.Clone(cfg.Headers),
	}
}

// Upstream owns the outbound side shared by every provider family: the
// credential store, the outbound throttle and the circuit breaker. No lock is
// held across network I/O.
type Upstream struct {
	name    string
	client  *http.Client
	breaker *gobreaker.TwoStepCircuitBreaker
	limiter *rate.Limiter

	mu    sync.RWMutex
	creds Credentials
}

// NewUpstream wires an Upstream from the provider's config.
func NewUpstream(name string, cfg config.ProviderConfig, client *http.Client) (*Upstream, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	threshold := cfg.Breaker.FailureThreshold
	breaker := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:     name,
		Interval: cfg.Breaker.Interval,
		Timeout:  cfg.Breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("provider", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(cfg.Burst, 1))
	}

	return &Upstream{
		name:    name,
		client:  client,
		breaker: breaker,
		limiter: limiter,
		creds:   normalizeCredentials(CredentialsFromConfig(cfg)),
	}, nil
}

// Credentials returns a snapshot of the current credentials.
func (u *Upstream) Credentials() Credentials {
	u.mu.RLock()
	defer u.mu.RUnlock()
	c := u.creds
	c.Headers = maps.Clone(c.Headers)
	return c
}

// UpdateCredentials swaps the credentials used by subsequent calls.
// In-flight calls keep the snapshot they started with.
func (u *Upstream) UpdateCredentials(c Credentials) {
	c = normalizeCredentials(c)
	u.mu.Lock()
	u.creds = c
	u.mu.Unlock()
	log.Info().Str("provider", u.name).Msg("provider credentials updated")
}

// Do throttles, consults the breaker and sends the request produced by build.
// The breaker records a failure for transport errors and 5xx statuses.
func (u *Upstream) Do(ctx context.Context, build func(Credentials) (*http.Request, error)) (*http.Response, error) {
	if u.limiter != nil {
		if err := u.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s outbound throttle: %w", u.name, err)
		}
	}

	done, err := u.breaker.Allow()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCircuitOpen, u.name, err)
	}

	req, err := build(u.Credentials())
	if err != nil {
		done(true)
		return nil, err
	}

	start := time.Now()
	resp, err := u.client.Do(req)
	if err != nil {
		// A caller that went away says nothing about upstream health.
		done(ctx.Err() != nil)
		return nil, fmt.Errorf("%s request failed: %w", u.name, err)
	}
	done(resp.StatusCode < http.StatusInternalServerError)

	log.Debug().
		Str("provider", u.name).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("upstream headers received")
	return resp, nil
}

// BreakerState reports the breaker state, mainly for health output.
func (u *Upstream) BreakerState() string {
	return u.breaker.State().String()
}

func normalizeCredentials(c Credentials) Credentials {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	c.Headers = maps.Clone(c.Headers)
	return c
}
