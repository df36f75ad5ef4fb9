package providers

import (
	"fmt"

	"github.com/kronklabs/kronk/internal/agent"
	"github.com/kronklabs/kronk/internal/config"
)

// FromConfig builds the provider named by the configuration.
func FromConfig(cfg *config.Config) (agent.Provider, error) {
	switch cfg.Provider {
	case config.ProviderOllama:
		return NewOllama(cfg.Model, WithOllamaHost(cfg.APIBaseURL)), nil
	case config.ProviderOpenAI:
		return NewOpenAI(cfg.APIKey, cfg.Model, WithOpenAIBaseURL(cfg.APIBaseURL))
	case config.ProviderAnthropic:
		return NewAnthropic(cfg.APIKey, cfg.Model, WithAnthropicBaseURL(cfg.APIBaseURL))
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
