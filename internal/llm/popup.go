package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"renderBridge/internal/browser"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const popupSystemPrompt = "You are an expert at analyzing web page structure and identifying popups and their close buttons."

// AnalyzePopup решает по описанию элементов диалогов, есть ли оверлей и чем его закрыть.
func (c *Client) AnalyzePopup(ctx context.Context, elements string) (*browser.PopupInfo, error) {
	prompt := fmt.Sprintf(`Analyze the dialog elements of a chat web application and determine if there is a popup, modal, or overlay that blocks the chat composer and should be closed.
Never choose buttons that delete, upgrade, log out or submit anything.

Elements data:
%s

Respond in JSON format:
{
  "has_popup": true/false,
  "close_selector": "CSS selector",
  "popup_description": "brief description",
  "reasoning": "your analysis"
}`, c.sanitizer.Sanitize(elements))

	resp, err := c.createChatCompletionWithRateLimit(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: popupSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens: c.maxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка анализа оверлея: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("пустой ответ от OpenAI")
	}

	content := resp.Choices[0].Message.Content
	var result browser.PopupInfo
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return nil, fmt.Errorf("ошибка парсинга ответа: %w", err)
	}

	if c.logger != nil {
		c.logger.Debug("Анализ оверлея",
			zap.Bool("has_popup", result.HasPopup),
			zap.String("close_selector", result.CloseSelector),
			zap.String("model", c.model),
			zap.Int("tokens", resp.Usage.TotalTokens),
		)
	}

	return &result, nil
}
