package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-gateway/internal/config"
	"chat-gateway/internal/decoder"
	"chat-gateway/internal/models"
	"chat-gateway/internal/translator"
)

type stubProvider struct {
	*Upstream
	name   models.ProviderID
	models []models.Model
}

func newStub(t *testing.T, name models.ProviderID, ids ...string) *stubProvider {
	t.Helper()
	up, err := NewUpstream(string(name), config.ProviderConfig{APIKey: "k", BaseURL: "http://example.invalid/"}, http.DefaultClient)
	require.NoError(t, err)
	s := &stubProvider{Upstream: up, name: name}
	for _, id := range ids {
		s.models = append(s.models, models.Model{ID: id, Provider: name})
	}
	return s
}

func (s *stubProvider) Name() models.ProviderID { return s.name }
func (s *stubProvider) Codec() translator.Codec { return translator.NewOpenAICodec(translator.OpenAIOptions{}) }
func (s *stubProvider) ArrayStrategy() decoder.Strategy { return decoder.StrategyBuffered }
func (s *stubProvider) Models() []models.Model { return s.models }
func (s *stubProvider) DefaultModel() string { return s.models[0].ID }
func (s *stubProvider) Target(id string) models.ProviderTarget {
	return models.ProviderTarget{ProviderID: s.name, NativeModelID: id}
}
func (s *stubProvider) Open(context.Context, models.ProviderTarget, translator.NativeRequest, bool) (*http.Response, error) {
	return nil, errors.New("not implemented")
}

func TestRegistry_Lookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterProvider(newStub(t, models.ProviderOpenAI, "gpt-4o", "gpt-4o-mini"), map[string]string{"fast": "gpt-4o-mini"}))
	require.NoError(t, r.RegisterProvider(newStub(t, models.ProviderGemini, "gemini-2.0-flash"), nil))

	tests := []struct {
		ref      string
		model    string
		provider models.ProviderID
	}{
		{"gpt-4o", "gpt-4o", models.ProviderOpenAI},
		{"fast", "gpt-4o-mini", models.ProviderOpenAI},
		{"gemini/gemini-2.0-flash", "gemini-2.0-flash", models.ProviderGemini},
		{"Gemini/gemini-2.0-flash", "gemini-2.0-flash", models.ProviderGemini},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			model, p, err := r.LookupModel(tt.ref)
			require.NoError(t, err)
			assert.Equal(t, tt.model, model.ID)
			assert.Equal(t, tt.provider, p.Name())
		})
	}

	_, _, err := r.LookupModel("openai/gemini-2.0-flash")
	assert.ErrorIs(t, err, ErrUnknownModel)
	_, _, err = r.LookupModel("claude-3")
	assert.ErrorIs(t, err, ErrUnknownModel)

	_, err = r.LookupProvider(models.ProviderGemini)
	assert.NoError(t, err)
	_, err = r.LookupProvider("mistral")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestRegistry_Conflicts(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterProvider(newStub(t, models.ProviderOpenAI, "shared"), nil))

	err := r.RegisterProvider(newStub(t, models.ProviderGemini, "shared"), nil)
	assert.ErrorIs(t, err, ErrDuplicateModel)

	r = NewRegistry()
	err = r.RegisterProvider(newStub(t, models.ProviderOpenAI, "a"), map[string]string{"b": "missing"})
	assert.ErrorContains(t, err, "unknown model")

	assert.Error(t, r.RegisterProvider(newStub(t, models.ProviderOpenAI, "c"), nil))
}

func TestRegistry_List(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterProvider(newStub(t, models.ProviderOpenAI, "m2", "m1"), map[string]string{"alias": "m2"}))

	assert.Equal(t, []Listing{
		{ID: "alias", Provider: models.ProviderOpenAI, AliasOf: "m2"},
		{ID: "m1", Provider: models.ProviderOpenAI},
		{ID: "m2", Provider: models.ProviderOpenAI},
	}, r.List())
}

func TestRegistry_UpdateCredentials(t *testing.T) {
	r := NewRegistry()
	stub := newStub(t, models.ProviderOpenAI, "m")
	require.NoError(t, r.RegisterProvider(stub, nil))

	require.NoError(t, r.UpdateCredentials(models.ProviderOpenAI, Credentials{APIKey: "new", BaseURL: "http://new/"}))
	creds := stub.Credentials()
	assert.Equal(t, "new", creds.APIKey)
	assert.Equal(t, "http://new", creds.BaseURL)

	assert.ErrorIs(t, r.UpdateCredentials(models.ProviderGemini, Credentials{}), ErrUnknownProvider)
}

func upstreamFor(t *testing.T, url string, cfg config.ProviderConfig) *Upstream {
	t.Helper()
	cfg.APIKey = "k"
	cfg.BaseURL = url
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 2
	}
	cfg.Breaker.OpenTimeout = time.Minute
	up, err := NewUpstream("test", cfg, http.DefaultClient)
	require.NoError(t, err)
	return up
}

func get(ctx context.Context, url string) func(Credentials) (*http.Request, error) {
	return func(c Credentials) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err == nil {
			req.Header.Set("X-Key", c.APIKey)
		}
		return req, err
	}
}

func TestUpstream_BreakerOpensOn5xx(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	up := upstreamFor(t, srv.URL, config.ProviderConfig{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		resp, err := up.Do(ctx, get(ctx, srv.URL))
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	_, err := up.Do(ctx, get(ctx, srv.URL))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, "open", up.BreakerState())
}

func TestUpstream_ClientErrorsKeepBreakerClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	up := upstreamFor(t, srv.URL, config.ProviderConfig{})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		resp, err := up.Do(ctx, get(ctx, srv.URL))
		require.NoError(t, err)
		resp.Body.Close()
	}
	assert.Equal(t, "closed", up.BreakerState())
}

func TestUpstream_UsesCredentialSnapshot(t *testing.T) {
	keys := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys <- r.Header.Get("X-Key")
	}))
	defer srv.Close()

	up := upstreamFor(t, srv.URL, config.ProviderConfig{})
	ctx := context.Background()

	resp, err := up.Do(ctx, get(ctx, srv.URL))
	require.NoError(t, err)
	resp.Body.Close()

	up.UpdateCredentials(Credentials{APIKey: "rotated", BaseURL: srv.URL})
	resp, err = up.Do(ctx, get(ctx, srv.URL))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "k", <-keys)
	assert.Equal(t, "rotated", <-keys)
}

func TestUpstream_ThrottleHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	up := upstreamFor(t, srv.URL, config.ProviderConfig{RequestsPerSecond: 0.001, Burst: 1})

	resp, err := up.Do(context.Background(), get(context.Background(), srv.URL))
	require.NoError(t, err)
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = up.Do(ctx, get(ctx, srv.URL))
	assert.ErrorContains(t, err, "outbound throttle")
}

func TestUpstream_ConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	up := upstreamFor(t, url, config.ProviderConfig{})
	_, err := up.Do(context.Background(), get(context.Background(), url))
	assert.ErrorContains(t, err, "request failed")
}
