package llm

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"github.com/triagem-mail/triagem/internal/config"
)

const defaultMaxTokens = 60

// OpenAIGenerator produces reply drafts. In completion mode the raw prompt
// goes to the completions endpoint; in chat mode it is sent as one user
// message.
type OpenAIGenerator struct {
	c           *client
	mode        string
	maxTokens   int
	temperature float32
}

func NewOpenAIGenerator(cfg config.Model, logger zerolog.Logger) *OpenAIGenerator {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	mode := cfg.Mode
	if mode == "" {
		mode = config.ModeCompletion
	}
	return &OpenAIGenerator{
		c:           newClient("generator", cfg, logger),
		mode:        mode,
		maxTokens:   maxTokens,
		temperature: requestTemperature(cfg.Temperature),
	}
}

func (g *OpenAIGenerator) Generate(ctx context.Context, prompt string) ([]Generation, error) {
	var (
		out []Generation
		err error
	)
	if g.mode == config.ModeChat {
		out, err = call(ctx, g.c, func(ctx context.Context) ([]Generation, error) {
			return g.chat(ctx, prompt)
		})
	} else {
		out, err = call(ctx, g.c, func(ctx context.Context) ([]Generation, error) {
			return g.complete(ctx, prompt)
		})
	}
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	return out, nil
}

func (g *OpenAIGenerator) complete(ctx context.Context, prompt string) ([]Generation, error) {
	resp, err := g.c.api.CreateCompletion(ctx, openai.CompletionRequest{
		Model:       g.c.model,
		Prompt:      prompt,
		MaxTokens:   g.maxTokens,
		Temperature: g.temperature,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyGeneration
	}

	gens := make([]Generation, 0, len(resp.Choices))
	for _, c := range resp.Choices {
		gens = append(gens, Generation{Text: c.Text})
	}
	return gens, nil
}

func (g *OpenAIGenerator) chat(ctx context.Context, prompt string) ([]Generation, error) {
	resp, err := g.c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   g.maxTokens,
		Temperature: g.temperature,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyGeneration
	}

	gens := make([]Generation, 0, len(resp.Choices))
	for _, c := range resp.Choices {
		gens = append(gens, Generation{Text: c.Message.Content})
	}
	return gens, nil
}
