package provider

import (
	"fmt"
	"sync"
)

// Registry resolves model strings to configured clients. Clients are built
// lazily from the configured credentials and cached.
type Registry struct {
	mu      sync.Mutex
	clients map[string]Client
	configs map[string]ClientConfig
}

// ClientConfig holds the credentials and defaults for one provider.
type ClientConfig struct {
	APIKey   string
	BaseURL  string
	Disabled bool
}

// NewRegistry creates a registry from per-provider configs keyed by
// provider name ("anthropic", "openai").
func NewRegistry(configs map[string]ClientConfig) *Registry {
	if configs == nil {
		configs = map[string]ClientConfig{}
	}
	return &Registry{
		clients: map[string]Client{},
		configs: configs,
	}
}

// Register installs a pre-built client, replacing any configured one.
// Used by tests and for custom backends.
func (r *Registry) Register(client Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client.Name()] = client
}

// ClientFor resolves "provider:model" to a client and the bare model id.
func (r *Registry) ClientFor(modelString string) (Client, string, error) {
	providerName, model, err := ParseModelString(modelString)
	if err != nil {
		return nil, "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.clients[providerName]; ok {
		return client, model, nil
	}

	cfg, ok := r.configs[providerName]
	if !ok {
		return nil, "", &StreamError{
			Kind:     ErrProviderNotSupported,
			Provider: providerName,
			Model:    model,
			Message:  fmt.Sprintf("provider %q is not supported", providerName),
		}
	}
	if cfg.Disabled {
		return nil, "", &StreamError{
			Kind:     ErrProviderDisabled,
			Provider: providerName,
			Model:    model,
			Message:  fmt.Sprintf("provider %q is disabled", providerName),
		}
	}

	var client Client
	switch providerName {
	case "anthropic":
		client, err = NewAnthropicClient(AnthropicConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL})
	case "openai":
		client, err = NewOpenAIClient(OpenAIConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL})
	default:
		return nil, "", &StreamError{
			Kind:     ErrProviderNotSupported,
			Provider: providerName,
			Model:    model,
			Message:  fmt.Sprintf("provider %q is not supported", providerName),
		}
	}
	if err != nil {
		return nil, "", err
	}

	r.clients[providerName] = client
	return client, model, nil
}

// SupportsCacheControl reports whether the provider honors caller-driven
// prompt-cache markers.
func SupportsCacheControl(providerName string) bool {
	return providerName == "anthropic"
}

// PersistsResponseState reports whether the provider keeps reasoning state
// server-side, addressed by response id.
func PersistsResponseState(providerName string) bool {
	return providerName == "openai"
}

// SupportsExtendedThinking reports whether reasoning-only assistant
// messages should be preserved in the provider view.
func SupportsExtendedThinking(modelString string) bool {
	providerName, _, err := ParseModelString(modelString)
	if err != nil {
		return false
	}
	return providerName == "anthropic"
}
