package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

type openAIConfig struct {
	APIKey     string `json:"api_key"`
	BaseURL    string `json:"base_url"`
	Dimensions int    `json:"dimensions"`
	User       string `json:"user"`
}

// openAIProvider talks to any OpenAI-compatible endpoint (OpenAI, OpenRouter, Nebius, vLLM).
type openAIProvider struct {
	client     *openai.Client
	apiKey     string
	dimensions int
	user       string
}

func (p *openAIProvider) Name() string {
	return "openai"
}

func (p *openAIProvider) Generate(ctx context.Context, model string, prompt string) (string, error) {
	if p.apiKey == "" {
		return "", ErrUnavailable
	}
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0,
		User:        p.user,
	})
	if err != nil {
		return "", parseOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai response has no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (p *openAIProvider) Embed(ctx context.Context, model string, text string, taskType string) ([]float32, error) {
	_ = taskType
	if p.apiKey == "" {
		return nil, ErrUnavailable
	}
	req := openai.EmbeddingRequest{
		Input:          []string{text},
		Model:          openai.EmbeddingModel(model),
		EncodingFormat: openai.EmbeddingEncodingFormatFloat,
		User:           p.user,
	}
	if p.dimensions > 0 {
		req.Dimensions = p.dimensions
	}
	resp, err := p.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, parseOpenAIError(err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai response has no embeddings")
	}
	return resp.Data[0].Embedding, nil
}

// parseOpenAIError keeps the status code and drops the response body, which may echo input.
func parseOpenAIError(err error) error {
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("openai request failed: status %d: %w", reqErr.HTTPStatusCode, err)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("openai api error %d: %s", apiErr.HTTPStatusCode, apiErr.Message)
	}
	return fmt.Errorf("openai request failed: %w", err)
}

const defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

func createOpenAIFactory(args interface{}) (IProvider, error) {
	return newOpenAIProvider(args, "")
}

func createOpenRouterFactory(args interface{}) (IProvider, error) {
	return newOpenAIProvider(args, defaultOpenRouterBaseURL)
}

func newOpenAIProvider(args interface{}, defaultBaseURL string) (IProvider, error) {
	cfg := &openAIConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	clientCfg := openai.DefaultConfig(apiKey)
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if baseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &openAIProvider{
		client:     openai.NewClientWithConfig(clientCfg),
		apiKey:     apiKey,
		dimensions: cfg.Dimensions,
		user:       cfg.User,
	}, nil
}

func init() {
	Register("openai", createOpenAIFactory)
	Register("openrouter", createOpenRouterFactory)
}
