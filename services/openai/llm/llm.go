package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"voicegate/core"
	"voicegate/services/openai/common"
)

// Config holds the configuration for the inference backend
type Config struct {
	BaseURL      string
	APIKey       string
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float32
	Timeout      time.Duration
}

// DefaultConfig returns a Config pointed at a local OpenAI-compatible server.
func DefaultConfig() Config {
	return Config{
		BaseURL:     "http://localhost:8080/v1",
		Model:       "default",
		Temperature: 0.7,
		Timeout:     60 * time.Second,
	}
}

// OpenAILLMService implements gateway.Completer against any
// OpenAI-compatible /chat/completions endpoint.
type OpenAILLMService struct {
	config Config
	client *openai.Client
}

// NewOpenAILLMService creates the service. Zero fields in config take the
// DefaultConfig values; httpClient may be nil.
func NewOpenAILLMService(config Config, httpClient *http.Client) *OpenAILLMService {
	defaults := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.Model == "" {
		config.Model = defaults.Model
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	return &OpenAILLMService{
		config: config,
		client: common.NewClient(config.BaseURL, config.APIKey, httpClient),
	}
}

// Complete sends the whole history in one non-streaming request and
// returns the first choice's content.
func (s *OpenAILLMService) Complete(ctx context.Context, history []core.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:       s.config.Model,
		Messages:    s.convertMessages(history),
		MaxTokens:   s.config.MaxTokens,
		Temperature: s.config.Temperature,
	}

	resp, err := s.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", common.UpstreamError(core.ServiceInference, err)
	}

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", &core.UpstreamError{
			Service: core.ServiceInference,
			Status:  http.StatusBadGateway,
			Body:    "empty completion",
		}
	}
	return resp.Choices[0].Message.Content, nil
}

// convertMessages prepends the system prompt, if any, to history.
func (s *OpenAILLMService) convertMessages(history []core.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if s.config.SystemPrompt != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: s.config.SystemPrompt,
		})
	}
	for _, msg := range history {
		out = append(out, openai.ChatCompletionMessage{
			Role:    convertRole(msg.Role),
			Content: msg.Content,
		})
	}
	return out
}

func convertRole(role core.Role) string {
	switch role {
	case core.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	case core.RoleSystem:
		return openai.ChatMessageRoleSystem
	default:
		return openai.ChatMessageRoleUser
	}
}

func (s *OpenAILLMService) String() string {
	return fmt.Sprintf("openai-compatible(%s, model=%s)", s.config.BaseURL, s.config.Model)
}
