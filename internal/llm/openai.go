package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIConfig configures an OpenAI-compatible chat completions endpoint.
type OpenAIConfig struct {
	Name    string
	APIKey  string
	BaseURL string
	Options []option.RequestOption
}

// OpenAIProvider talks to OpenAI, or to any vendor exposing the same API
// (Gemini's compatibility endpoint is wired this way).
type OpenAIProvider struct {
	name   string
	client openai.Client
}

// NewOpenAI creates a provider. An empty Name defaults to "openai".
func NewOpenAI(cfg OpenAIConfig) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	opts = append(opts, cfg.Options...)

	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	return &OpenAIProvider{name: name, client: openai.NewClient(opts...)}
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return p.name }

// Complete implements Provider.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (Response, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(req.Model),
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("%s API error: %w", p.name, err)
	}
	if len(completion.Choices) == 0 || completion.Choices[0].Message.Content == "" {
		return Response{}, fmt.Errorf("%s: %w", p.name, ErrEmptyResponse)
	}

	return Response{
		Text:     completion.Choices[0].Message.Content,
		Model:    completion.Model,
		Provider: p.name,
	}, nil
}
