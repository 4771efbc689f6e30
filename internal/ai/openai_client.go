package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"insurance-chat-backend/internal/env"

	openai "github.com/sashabaranov/go-openai"
)

const classifySystemPrompt = `You are a conversation monitor for an insurance chatbot.
Analyze the latest customer message in context and respond ONLY with JSON:
{"sentiment":"positive|neutral|negative|frustrated|angry","urgency":"low|medium|high|critical","frustration_level":0,"escalation_indicators":[],"requires_human":false,"resolved":false}
Only mark requires_human for EXPLICIT requests for a person or severe anger, not ordinary insurance questions.`

type OpenAIClient struct {
	client *openai.Client
	model  string
}

func NewOpenAIClient() *OpenAIClient {
	apiKey := env.MustGet(env.OpenAIAPIKey)

	model := env.Get(env.OpenAIModel)
	if model == "" {
		model = openai.GPT4oMini
	}

	return &OpenAIClient{
		client: openai.NewClient(apiKey),
		model:  model,
	}
}

func (c *OpenAIClient) Reply(ctx context.Context, systemPrompt string, history []Message) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if systemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	for _, m := range history {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: msgs,
	})
	if err != nil {
		log.Printf("[ai] completion error: %v", err)
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("ai: empty completion choices")
	}

	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAIClient) Classify(ctx context.Context, latest string, recent []Message) (Classification, error) {
	var transcript string
	for _, m := range recent {
		transcript += fmt.Sprintf("%s: %s\n", m.Role, m.Content)
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: classifySystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("Recent conversation:\n%s\nLatest customer message:\n%s", transcript, latest)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
		MaxTokens:   400,
	})
	if err != nil {
		log.Printf("[ai] classify error: %v", err)
		return Classification{}, err
	}
	if len(resp.Choices) == 0 {
		return Classification{}, errors.New("ai: empty classification choices")
	}

	var classification Classification
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &classification); err != nil {
		return Classification{}, fmt.Errorf("ai: unmarshal classification: %w", err)
	}
	return classification, nil
}
