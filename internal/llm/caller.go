// Package llm provides the model callers used by automated workflow steps.
package llm

import (
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/versecraft/internal/workflow"
)

// Config controls caller construction.
type Config struct {
	Provider        string
	BaseURL         string
	APIKey          string
	FallbackBaseURL string
	FallbackAPIKey  string
	Timeout         time.Duration
}

var defaultBaseURLs = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"openrouter": "https://openrouter.ai/api/v1",
	"ollama":     "http://127.0.0.1:11434/v1",
}

func NewCaller(cfg Config) (workflow.LLMCaller, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "auto"
	}

	switch provider {
	case "mock":
		return NewMockCaller(), nil
	case "auto":
		if strings.TrimSpace(cfg.BaseURL) == "" && strings.TrimSpace(cfg.APIKey) == "" {
			return NewMockCaller(), nil
		}
		return withFallback(NewChatCaller(firstNonEmpty(cfg.BaseURL, defaultBaseURLs["openrouter"]), cfg.APIKey, cfg.Timeout), cfg), nil
	case "openai", "openrouter", "ollama":
		baseURL := firstNonEmpty(cfg.BaseURL, defaultBaseURLs[provider])
		if provider != "ollama" && strings.TrimSpace(cfg.APIKey) == "" {
			return nil, fmt.Errorf("LLM_API_KEY is required for provider %q", provider)
		}
		return withFallback(NewChatCaller(baseURL, cfg.APIKey, cfg.Timeout), cfg), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}

func withFallback(primary workflow.LLMCaller, cfg Config) workflow.LLMCaller {
	if strings.TrimSpace(cfg.FallbackBaseURL) == "" {
		return primary
	}
	return NewFallbackCaller(primary, NewChatCaller(cfg.FallbackBaseURL, cfg.FallbackAPIKey, cfg.Timeout))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
