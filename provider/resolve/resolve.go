// Package resolve creates providers from provider-agnostic configuration,
// keeping provider package imports out of the composition root's callers.
package resolve

import (
	"fmt"

	"github.com/atelierhq/atelier"
	"github.com/atelierhq/atelier/provider/anthropic"
	"github.com/atelierhq/atelier/provider/ollama"
	"github.com/atelierhq/atelier/provider/openaicompat"
)

// Config holds provider-agnostic configuration for creating a Provider.
type Config struct {
	Provider string // "anthropic", "openai", "groq", "deepseek", "together", "mistral", "ollama"
	APIKey   string
	BaseURL  string // required for unknown openai-compat endpoints; auto-filled otherwise

	// Limits feed the gateway's rate limiter; zero values disable a limit.
	RPM        int
	TPM        int
	MaxContext int
	// NoTemperature marks providers that reject the temperature parameter.
	NoTemperature bool
}

// Provider creates an atelier.Provider from cfg.
func Provider(cfg Config) (atelier.Provider, error) {
	limits := atelier.ProviderLimits{
		RPM:                cfg.RPM,
		TPM:                cfg.TPM,
		MaxContext:         cfg.MaxContext,
		AcceptsTemperature: !cfg.NoTemperature,
		StreamsToolCalls:   true,
	}
	switch cfg.Provider {
	case "anthropic":
		var opts []anthropic.Option
		opts = append(opts, anthropic.WithLimits(limits))
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		return anthropic.New(cfg.APIKey, opts...), nil

	case "ollama":
		limits.StreamsToolCalls = false
		opts := []ollama.Option{ollama.WithLimits(limits)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithBaseURL(cfg.BaseURL))
		}
		return ollama.New(opts...), nil

	case "openai", "groq", "deepseek", "together", "mistral":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = defaultBaseURL(cfg.Provider)
		}
		return openaicompat.NewProvider(cfg.APIKey, baseURL,
			openaicompat.WithName(cfg.Provider),
			openaicompat.WithLimits(limits)), nil

	default:
		if cfg.BaseURL != "" {
			return openaicompat.NewProvider(cfg.APIKey, cfg.BaseURL,
				openaicompat.WithName(cfg.Provider),
				openaicompat.WithLimits(limits)), nil
		}
		return nil, fmt.Errorf("resolve: unknown provider %q", cfg.Provider)
	}
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	default:
		return ""
	}
}
