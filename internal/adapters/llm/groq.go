// Package llm implements the generation provider on Groq's OpenAI-compatible
// chat completions API.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ariavoice/aria/internal/core"
	"github.com/ariavoice/aria/internal/domain"
)

type GroqConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	// Temperature is optional; nil means the provider default. A pointer
	// keeps an explicit 0 distinct from unset.
	Temperature *float64
}

type GroqProvider struct {
	client openai.Client
	cfg    GroqConfig
}

func NewGroqProvider(cfg GroqConfig) (*GroqProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("llm: groq api key is required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.groq.com/openai/v1"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "llama-3.3-70b-versatile"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	if cfg.Temperature == nil {
		temp := 0.7
		cfg.Temperature = &temp
	}
	client := openai.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
	)
	return &GroqProvider{client: client, cfg: cfg}, nil
}

func (p *GroqProvider) Stream(ctx context.Context, history []domain.Entry) (<-chan core.GenerationEvent, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history))
	for _, e := range history {
		switch e.Role {
		case domain.RoleSystem:
			messages = append(messages, openai.SystemMessage(e.Text))
		case domain.RoleUser:
			messages = append(messages, openai.UserMessage(e.Text))
		case domain.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(e.Text))
		}
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("llm: empty history")
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Model:       p.cfg.Model,
		Messages:    messages,
		MaxTokens:   openai.Int(int64(p.cfg.MaxTokens)),
		Temperature: openai.Float(*p.cfg.Temperature),
	})
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("llm: start stream: %w", err)
	}

	out := make(chan core.GenerationEvent, 64)
	go func() {
		defer close(out)
		defer stream.Close()
		var full strings.Builder
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			full.WriteString(delta)
			select {
			case out <- core.GenerationEvent{Token: delta}:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case out <- core.GenerationEvent{Err: fmt.Errorf("llm: stream: %w", err)}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case out <- core.GenerationEvent{Text: full.String(), Final: true}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

var _ core.GenerationProvider = (*GroqProvider)(nil)
