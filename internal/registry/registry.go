// Package registry resolves model identifiers to provider and proxy adapters.
package registry

import (
	"context"
	"strings"

	"github.com/rmacedo/llmbridge/internal/domain"
)

// Adapter is the vendor-agnostic completion contract every provider and
// proxy implements.
type Adapter interface {
	ID() string
	Completion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)
	StreamCompletion(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error)
	SupportsModel(model string) bool
	Models(ctx context.Context) ([]domain.Model, error)
}

// ProxyAdapter additionally owns its model set and outgoing-model override.
type ProxyAdapter interface {
	Adapter
	Matches(model, identifier string) bool
	OutgoingModel(model string) string
}

// ProviderConfig identifies and authenticates one vendor. Immutable after
// registration; owned by the registry for the process lifetime.
type ProviderConfig struct {
	APIKey        string
	BaseURL       string
	DefaultParams map[string]any
}

// modelPrefixes maps well-known model name prefixes to provider types.
// Checked in order, so ambiguous prefixes resolve deterministically.
var modelPrefixes = []struct {
	prefix   string
	provider string
}{
	{"anthropic.", "bedrock"},
	{"amazon.", "bedrock"},
	{"meta.", "bedrock"},
	{"gpt-", "openai"},
	{"chatgpt-", "openai"},
	{"o1", "openai"},
	{"o3", "openai"},
	{"claude", "anthropic"},
	{"llama", "ollama"},
	{"mistral", "ollama"},
	{"gemma", "ollama"},
	{"qwen", "ollama"},
	{"phi", "ollama"},
}

// ParseModel splits a model identifier of the form "<provider>/<model>".
// Anything with more or fewer than two non-empty segments around the
// separator is treated as a bare model name. Pure, never fails.
func ParseModel(identifier string) (providerType, model string) {
	parts := strings.Split(identifier, "/")
	if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
		return parts[0], parts[1]
	}
	return "", identifier
}

// Registry holds registered providers and proxies. Registration is expected
// to finish before traffic starts; afterwards the registry is read-only, so
// concurrent resolution needs no locking.
type Registry struct {
	providers map[string]Adapter
	order     []string
	proxies   []ProxyAdapter
}

func New() *Registry {
	return &Registry{
		providers: make(map[string]Adapter),
	}
}

// Register adds a provider adapter under its type. Re-registering a type
// replaces the adapter but keeps its original position in the order.
func (r *Registry) Register(typ string, adapter Adapter) {
	if _, exists := r.providers[typ]; !exists {
		r.order = append(r.order, typ)
	}
	r.providers[typ] = adapter
}

// AddProxy appends a proxy. Proxies are evaluated in registration order and
// take precedence over direct providers, so operators can intercept any
// model without removing provider registrations.
func (r *Registry) AddProxy(p ProxyAdapter) {
	r.proxies = append(r.proxies, p)
}

// Resolve maps a model identifier to an adapter and the model name to send
// downstream. A nil adapter means nothing claims the model.
func (r *Registry) Resolve(identifier string) (Adapter, string) {
	providerType, model := ParseModel(identifier)

	for _, p := range r.proxies {
		if p.Matches(model, identifier) {
			return p, p.OutgoingModel(model)
		}
	}

	if providerType != "" {
		if p, ok := r.providers[providerType]; ok {
			return p, model
		}
	}

	for _, entry := range modelPrefixes {
		if !strings.HasPrefix(model, entry.prefix) {
			continue
		}
		if p, ok := r.providers[entry.provider]; ok {
			return p, model
		}
	}

	for _, typ := range r.order {
		if p := r.providers[typ]; p.SupportsModel(model) {
			return p, model
		}
	}

	return nil, model
}

// Provider returns the adapter registered under typ.
func (r *Registry) Provider(typ string) (Adapter, bool) {
	p, ok := r.providers[typ]
	return p, ok
}

// Providers lists registered provider types in registration order.
func (r *Registry) Providers() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Proxies lists registered proxies in registration order.
func (r *Registry) Proxies() []ProxyAdapter {
	out := make([]ProxyAdapter, len(r.proxies))
	copy(out, r.proxies)
	return out
}
