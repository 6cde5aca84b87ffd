package factories

import (
	openaillm "voicegate/services/openai/llm"
)

// providerPreset is the default endpoint and model of a hosted
// OpenAI-compatible inference provider.
type providerPreset struct {
	baseURL string
	model   string
}

// providerPresets lists the hosted providers selectable by name. The empty
// provider is a self-hosted server at the llm package's default URL.
var providerPresets = map[string]providerPreset{
	"openai":     {"https://api.openai.com/v1", "gpt-4o-mini"},
	"together":   {"https://api.together.xyz/v1", "meta-llama/Llama-3.3-70B-Instruct-Turbo"},
	"groq":       {"https://api.groq.com/openai/v1", "llama-3.3-70b-versatile"},
	"deepseek":   {"https://api.deepseek.com/v1", "deepseek-chat"},
	"openrouter": {"https://openrouter.ai/api/v1", "openai/gpt-4o"},
	"fireworks":  {"https://api.fireworks.ai/inference/v1", "accounts/fireworks/models/llama-v3p3-70b-instruct"},
	"cerebras":   {"https://api.cerebras.ai/v1", "llama-3.3-70b"},
	"xai":        {"https://api.x.ai/v1", "grok-3"},
	"mistral":    {"https://api.mistral.ai/v1", "mistral-large-latest"},
	"perplexity": {"https://api.perplexity.ai", "sonar-pro"},
}

// providerKeyEnv names the environment variable holding each provider's
// API key, used when inference.api_key is not set.
var providerKeyEnv = map[string]string{
	"openai":     "OPENAI_API_KEY",
	"together":   "TOGETHER_API_KEY",
	"groq":       "GROQ_API_KEY",
	"deepseek":   "DEEPSEEK_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
	"fireworks":  "FIREWORKS_API_KEY",
	"cerebras":   "CEREBRAS_API_KEY",
	"xai":        "XAI_API_KEY",
	"mistral":    "MISTRAL_API_KEY",
	"perplexity": "PERPLEXITY_API_KEY",
}

// LLMConfig resolves inference settings into an llm service config,
// filling the base URL and model from the provider preset when unset.
func LLMConfig(s InferenceSettings) openaillm.Config {
	cfg := openaillm.Config{
		BaseURL:      s.BaseURL,
		APIKey:       s.APIKey,
		Model:        s.Model,
		SystemPrompt: s.SystemPrompt,
		MaxTokens:    s.MaxTokens,
		Temperature:  s.Temperature,
		Timeout:      s.Timeout.Std(),
	}
	preset, ok := providerPresets[s.Provider]
	if !ok {
		defaults := openaillm.DefaultConfig()
		preset = providerPreset{baseURL: defaults.BaseURL, model: defaults.Model}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = preset.baseURL
	}
	if cfg.Model == "" {
		cfg.Model = preset.model
	}
	return cfg
}

// BuildCompleter constructs the inference client.
func BuildCompleter(s InferenceSettings) *openaillm.OpenAILLMService {
	return openaillm.NewOpenAILLMService(LLMConfig(s), nil)
}
