package backend

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"chatgateway/pkg/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ProviderGroupConfig configures one cluster of models from one provider.
// Adapted verbatim in shape from the teacher's llm.ProviderGroupConfig.
type ProviderGroupConfig struct {
	Type    string         `json:"type"`
	APIKeys []string       `json:"api_keys,omitempty"`
	Models  []string       `json:"models"`
	BaseURL string         `json:"base_url,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

// Factory instantiates one or more Backends for a provider group.
type Factory interface {
	Create(group ProviderGroupConfig, system *config.SystemConfig) ([]Backend, error)
}

var registry = make(map[string]Factory)

// RegisterProvider is called from each adapter subpackage's init().
func RegisterProvider(name string, f Factory) {
	registry[name] = f
}

func GetProviderFactory(name string) (Factory, bool) {
	f, ok := registry[name]
	return f, ok
}

// RegisteredProviders lists every provider type name registered via an
// adapter subpackage's init(), for the /models slash command and the
// models.list method.
func RegisteredProviders() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	return out
}

// NewFromConfig parses the raw "llm" config section and constructs a
// (possibly fallback-wrapped) Backend, exactly as the teacher's
// llm.NewFromConfig does for its provider groups.
func NewFromConfig(raw jsoniter.RawMessage, system *config.SystemConfig) (Backend, error) {
	if raw == nil {
		return nil, fmt.Errorf("missing 'llm' config")
	}

	var groups []ProviderGroupConfig
	if err := json.Unmarshal(raw, &groups); err != nil {
		return nil, fmt.Errorf("failed to parse 'llm' config: %w", err)
	}

	var all []Backend
	for _, group := range groups {
		factory, ok := GetProviderFactory(group.Type)
		if !ok {
			continue
		}
		clients, err := factory.Create(group, system)
		if err != nil {
			continue
		}
		all = append(all, clients...)
	}

	if len(all) == 0 {
		return nil, fmt.Errorf("no backends could be initialized")
	}
	if len(all) == 1 {
		return all[0], nil
	}
	return NewFallback(all, system.MaxRetries, system.RetryDelayMs), nil
}
