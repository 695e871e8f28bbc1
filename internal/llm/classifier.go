package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"github.com/triagem-mail/triagem/internal/config"
)

const classifierSystemPrompt = `Você é um classificador zero-shot de e-mails.
Para cada rótulo candidato, avalie a hipótese indicada e estime a probabilidade de ela ser verdadeira para o e-mail.
Responda somente com JSON no formato {"labels": ["..."], "scores": [0.0]}, usando exatamente os rótulos fornecidos.`

// OpenAIClassifier performs zero-shot classification through a chat model
type OpenAIClassifier struct {
	c   *client
	log zerolog.Logger
}

func NewOpenAIClassifier(cfg config.Model, logger zerolog.Logger) *OpenAIClassifier {
	return &OpenAIClassifier{
		c:   newClient("classifier", cfg, logger),
		log: logger.With().Str("component", "classifier").Logger(),
	}
}

// Classify asks the model to score every label and returns the ranking
// restricted to the candidate labels, best first.
func (o *OpenAIClassifier) Classify(ctx context.Context, text string, labels []string, hypothesisTemplate string) (Ranking, error) {
	if len(labels) == 0 {
		return Ranking{}, ErrNoLabel
	}

	req := openai.ChatCompletionRequest{
		Model:       o.c.model,
		Temperature: deterministicTemperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: classifierSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: classifierUserPrompt(text, labels, hypothesisTemplate)},
		},
	}

	content, err := call(ctx, o.c, func(ctx context.Context) (string, error) {
		resp, err := o.c.api.CreateChatCompletion(ctx, req)
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", ErrNoLabel
		}
		return resp.Choices[0].Message.Content, nil
	})
	if err != nil {
		return Ranking{}, fmt.Errorf("classify: %w", err)
	}

	ranking, err := ParseRanking(content, labels)
	if err != nil {
		o.log.Debug().Str("content", content).Msg("unusable classifier output")
		return Ranking{}, err
	}
	return ranking, nil
}

func classifierUserPrompt(text string, labels []string, hypothesisTemplate string) string {
	var b strings.Builder
	b.WriteString("Rótulos e hipóteses:\n")
	for _, l := range labels {
		fmt.Fprintf(&b, "- %s: %s\n", l, strings.ReplaceAll(hypothesisTemplate, "{}", l))
	}
	b.WriteString("\nE-mail:\n")
	b.WriteString(text)
	return b.String()
}

// ParseRanking decodes the model output into a Ranking. The first JSON
// object in content is used, labels outside candidates are dropped (matching
// is case-insensitive, the candidate spelling is kept) and the result is
// sorted by descending score. A ranking with no label is ErrNoLabel.
func ParseRanking(content string, candidates []string) (Ranking, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return Ranking{}, ErrNoLabel
	}

	var raw Ranking
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return Ranking{}, fmt.Errorf("%w: %v", ErrNoLabel, err)
	}

	canonical := make(map[string]string, len(candidates))
	for _, c := range candidates {
		canonical[strings.ToLower(strings.TrimSpace(c))] = c
	}

	type scored struct {
		label string
		score float64
	}
	seen := make(map[string]bool)
	var kept []scored
	for i, l := range raw.Labels {
		name, ok := canonical[strings.ToLower(strings.TrimSpace(l))]
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		s := 0.0
		if i < len(raw.Scores) {
			s = raw.Scores[i]
		}
		kept = append(kept, scored{name, s})
	}
	if len(kept) == 0 {
		return Ranking{}, ErrNoLabel
	}

	sort.SliceStable(kept, func(i, j int) bool { return kept[i].score > kept[j].score })

	r := Ranking{
		Labels: make([]string, len(kept)),
		Scores: make([]float64, len(kept)),
	}
	for i, k := range kept {
		r.Labels[i] = k.label
		r.Scores[i] = k.score
	}
	return r, nil
}
