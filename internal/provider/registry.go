package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"chat-gateway/internal/decoder"
	"chat-gateway/internal/models"
	"chat-gateway/internal/translator"
)

// ErrUnknownModel indicates the requested model is not registered.
var ErrUnknownModel = errors.New("unknown model")

// ErrUnknownProvider indicates the requested provider is not registered.
var ErrUnknownProvider = errors.New("unknown provider")

// ErrDuplicateModel indicates an attempt to register the same model twice.
var ErrDuplicateModel = errors.New("model already registered")

// Provider is one upstream backend of a known wire family.
type Provider interface {
	Name() models.ProviderID
	Codec() translator.Codec
	// ArrayStrategy selects the decoder for array-streaming bodies.
	ArrayStrategy() decoder.Strategy
	Models() []models.Model
	DefaultModel() string
	// Target resolves a native model id against the current credentials.
	Target(modelID string) models.ProviderTarget
	// Open sends native to the provider and returns once response headers
	// arrive. The caller owns the response body.
	Open(ctx context.Context, target models.ProviderTarget, native translator.NativeRequest, stream bool) (*http.Response, error)
	UpdateCredentials(Credentials)
}

type modelEntry struct {
	model    models.Model
	provider Provider
}

// Listing is one entry of the public model catalogue.
type Listing struct {
	ID       string
	Provider models.ProviderID
	// AliasOf is set when ID is an alias.
	AliasOf string
}

// Registry maintains a mapping of model IDs to providers.
type Registry struct {
	mu      sync.RWMutex
	models  map[string]modelEntry
	aliases map[string]string
	byName  map[models.ProviderID]Provider
}

// NewRegistry constructs an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		models:  make(map[string]modelEntry),
		aliases: make(map[string]string),
		byName:  make(map[models.ProviderID]Provider),
	}
}

// RegisterProvider adds the provider and its models to the registry, wiring optional aliases.
func (r *Registry) RegisterProvider(p Provider, aliases map[string]string) error {
	if p == nil {
		return errors.New("provider must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[p.Name()]; exists {
		return fmt.Errorf("provider %q already registered", p.Name())
	}
	r.byName[p.Name()] = p

	for _, model := range p.Models() {
		if _, exists := r.models[model.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateModel, model.ID)
		}

		r.models[model.ID] = modelEntry{
			model:    model,
			provider: p,
		}
	}

	for alias, target := range aliases {
		if _, exists := r.models[alias]; exists {
			return fmt.Errorf("alias %q conflicts with existing model", alias)
		}

		targetEntry, ok := r.models[target]
		if !ok || targetEntry.provider != p {
			return fmt.Errorf("alias %q references unknown model %q", alias, target)
		}

		r.models[alias] = targetEntry
		r.aliases[alias] = target
	}

	return nil
}

// LookupModel returns the provider and metadata for a model id, an alias, or
// a "<provider>/<model>" reference.
func (r *Registry) LookupModel(modelID string) (models.Model, Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, ok := r.models[modelID]; ok {
		return entry.model, entry.provider, nil
	}

	if prefix, rest, ok := strings.Cut(modelID, "/"); ok {
		if entry, ok := r.models[rest]; ok && string(entry.provider.Name()) == strings.ToLower(prefix) {
			return entry.model, entry.provider, nil
		}
	}
	return models.Model{}, nil, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
}

// LookupProvider returns the provider registered under id.
func (r *Registry) LookupProvider(id models.ProviderID) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byName[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	return p, nil
}

// List returns every model id and alias sorted by id.
func (r *Registry) List() []Listing {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Listing, 0, len(r.models))
	for id, entry := range r.models {
		out = append(out, Listing{
			ID:       id,
			Provider: entry.provider.Name(),
			AliasOf:  r.aliases[id],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Providers returns the registered providers sorted by name.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Provider, 0, len(r.byName))
	for _, p := range r.byName {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// UpdateCredentials forwards new credentials to the named provider.
func (r *Registry) UpdateCredentials(id models.ProviderID, creds Credentials) error {
	p, err := r.LookupProvider(id)
	if err != nil {
		return err
	}
	p.UpdateCredentials(creds)
	return nil
}
