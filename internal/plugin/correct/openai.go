package correct

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

type openAICorrector struct {
	client *openai.Client
	model  string
}

// NewOpenAI returns a Corrector using the chat completion API. baseURL may
// point at any OpenAI-compatible server.
func NewOpenAI(apiKey, baseURL, model string) Corrector {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &openAICorrector{client: openai.NewClientWithConfig(cfg), model: model}
}

func (c *openAICorrector) Correct(ctx context.Context, transcript, language string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt(transcript, language)},
		},
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no chat completion choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}
