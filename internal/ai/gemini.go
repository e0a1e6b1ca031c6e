package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"
)

type geminiConfig struct {
	APIKey     string `json:"api_key"`
	Dimensions int32  `json:"dimensions"`
}

type geminiProvider struct {
	apiKey     string
	dimensions int32

	once      sync.Once
	client    *genai.Client
	clientErr error
}

func (p *geminiProvider) Name() string {
	return "gemini"
}

func (p *geminiProvider) getClient(ctx context.Context) (*genai.Client, error) {
	p.once.Do(func() {
		p.client, p.clientErr = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  p.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
	})
	return p.client, p.clientErr
}

func (p *geminiProvider) Generate(ctx context.Context, model string, prompt string) (string, error) {
	if p.apiKey == "" {
		return "", ErrUnavailable
	}
	client, err := p.getClient(ctx)
	if err != nil {
		return "", err
	}
	temperature := float32(0)
	resp, err := client.Models.GenerateContent(
		ctx,
		model,
		[]*genai.Content{{Parts: []*genai.Part{{Text: prompt}}}},
		&genai.GenerateContentConfig{Temperature: &temperature},
	)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text()), nil
}

func (p *geminiProvider) Embed(ctx context.Context, model string, text string, taskType string) ([]float32, error) {
	if p.apiKey == "" {
		return nil, ErrUnavailable
	}
	client, err := p.getClient(ctx)
	if err != nil {
		return nil, err
	}
	config := &genai.EmbedContentConfig{TaskType: taskType}
	if p.dimensions > 0 {
		dims := p.dimensions
		config.OutputDimensionality = &dims
	}
	resp, err := client.Models.EmbedContent(
		ctx,
		model,
		[]*genai.Content{{Parts: []*genai.Part{{Text: text}}}},
		config,
	)
	if err != nil {
		return nil, err
	}
	if resp.Embeddings == nil || len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("no embedding values returned")
	}
	return resp.Embeddings[0].Values, nil
}

func createGeminiFactory(args interface{}) (IProvider, error) {
	cfg := &geminiConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	return &geminiProvider{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		dimensions: cfg.Dimensions,
	}, nil
}

func init() {
	Register("gemini", createGeminiFactory)
}
