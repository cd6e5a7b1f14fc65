// Package llm - необязательный помощник на базе OpenAI: по списку кнопок открытых
// диалогов решает, какой оверлей закрыть перед кликом.
package llm

import (
	"context"

	"renderBridge/internal/sanitizer"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

type Config struct {
	APIKey            string
	Model             string
	MaxTokens         int
	BaseURL           string
	RequestsPerMinute int
	TokensPerHour     int
}

type Client struct {
	client      *openai.Client
	model       string
	maxTokens   int
	logger      *zap.Logger
	sanitizer   *sanitizer.DataSanitizer
	rateLimiter *RateLimiter
}

func NewClient(cfg Config, san *sanitizer.DataSanitizer, logger *zap.Logger) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if san == nil {
		san = sanitizer.New()
	}

	return &Client{
		client:      openai.NewClientWithConfig(oc),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		logger:      logger,
		sanitizer:   san,
		rateLimiter: NewRateLimiter(cfg.RequestsPerMinute, cfg.TokensPerHour),
	}
}

// createChatCompletionWithRateLimit выполняет запрос с проверкой rate limit
func (c *Client) createChatCompletionWithRateLimit(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if err := c.rateLimiter.AllowRequest(); err != nil {
		return openai.ChatCompletionResponse{}, err
	}

	// Грубая оценка: ~4 символа на токен плюс бюджет ответа
	estimatedTokens := req.MaxTokens
	for _, msg := range req.Messages {
		estimatedTokens += len(msg.Content) / 4
	}

	if err := c.rateLimiter.AllowTokens(estimatedTokens); err != nil {
		return openai.ChatCompletionResponse{}, err
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return resp, err
	}

	if resp.Usage.TotalTokens > estimatedTokens {
		c.rateLimiter.ConsumeTokens(resp.Usage.TotalTokens - estimatedTokens)
	}

	return resp, nil
}
