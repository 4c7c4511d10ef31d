package router

import (
	"errors"
	"fmt"

	"chat-gateway/internal/models"
	"chat-gateway/internal/provider"
)

// ErrUnsupportedModel indicates an explicit model or provider maps to no
// registered backend.
var ErrUnsupportedModel = errors.New("unsupported model")

// Route is the outcome of resolving one request.
type Route struct {
	Target   models.ProviderTarget
	Provider provider.Provider
	Mode     models.Mode
}

// Router selects the upstream provider and model for unified requests.
type Router struct {
	registry        *provider.Registry
	defaultProvider models.ProviderID
	visionProvider  models.ProviderID
}

// New constructs a router backed by the provided registry.
func New(registry *provider.Registry, defaultProvider, visionProvider models.ProviderID) *Router {
	return &Router{
		registry:        registry,
		defaultProvider: defaultProvider,
		visionProvider:  visionProvider,
	}
}

// Resolve picks a provider and native model. Precedence, first match wins:
//
//  1. an explicit provider (not auto); an explicit model must belong to it,
//     otherwise the provider's default model is used
//  2. an explicit model id, alias or "<provider>/<model>" reference
//  3. image content routes to the vision provider
//  4. the default provider
//
// Clients rely on overrides taking precedence over content inference.
func (r *Router) Resolve(req models.UnifiedChatRequest) (Route, error) {
	mode := req.Mode()

	if req.Provider != "" && req.Provider != models.ProviderAuto {
		p, err := r.registry.LookupProvider(req.Provider)
		if err != nil {
			return Route{}, fmt.Errorf("%w: provider %q is not configured", ErrUnsupportedModel, req.Provider)
		}
		modelID := p.DefaultModel()
		if req.Model != "" {
			model, owner, err := r.registry.LookupModel(req.Model)
			if err != nil || owner.Name() != p.Name() {
				return Route{}, fmt.Errorf("%w: model %q is not served by provider %q", ErrUnsupportedModel, req.Model, req.Provider)
			}
			modelID = model.ID
		}
		return r.route(p, modelID, mode), nil
	}

	if req.Model != "" {
		model, p, err := r.registry.LookupModel(req.Model)
		if err != nil {
			return Route{}, fmt.Errorf("%w: %w", ErrUnsupportedModel, err)
		}
		return r.route(p, model.ID, mode), nil
	}

	fallback := r.defaultProvider
	if req.HasImage() {
		fallback = r.visionProvider
	}
	p, err := r.registry.LookupProvider(fallback)
	if err != nil {
		return Route{}, fmt.Errorf("routing fallback: %w", err)
	}
	return r.route(p, p.DefaultModel(), mode), nil
}

func (r *Router) route(p provider.Provider, modelID string, mode models.Mode) Route {
	return Route{
		Target:   p.Target(modelID),
		Provider: p,
		Mode:     mode,
	}
}
