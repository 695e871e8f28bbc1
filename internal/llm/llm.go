// Package llm reaches the external zero-shot classifier and the reply
// generator. Both sit behind small interfaces so the triage pipeline can run
// against stubs, and both degrade to ErrUnavailable when not configured.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/triagem-mail/triagem/internal/config"
)

var (
	// ErrUnavailable is returned by collaborators that are not configured
	ErrUnavailable = errors.New("llm: collaborator unavailable")
	// ErrNoLabel is returned when the classifier produced no usable label
	ErrNoLabel = errors.New("llm: no usable label")
	// ErrEmptyGeneration is returned when the generator produced no choices
	ErrEmptyGeneration = errors.New("llm: empty generation")
)

// Ranking is a classifier result: labels ordered by descending score, with
// Scores[i] belonging to Labels[i].
type Ranking struct {
	Labels []string  `json:"labels"`
	Scores []float64 `json:"scores"`
}

// Top returns the best label and its score
func (r Ranking) Top() (string, float64, bool) {
	if len(r.Labels) == 0 {
		return "", 0, false
	}
	score := 0.0
	if len(r.Scores) > 0 {
		score = r.Scores[0]
	}
	return r.Labels[0], score, true
}

// Classifier ranks candidate labels for a text. hypothesisTemplate contains
// "{}" where each label is substituted.
type Classifier interface {
	Classify(ctx context.Context, text string, labels []string, hypothesisTemplate string) (Ranking, error)
}

// Generation is one candidate produced by a Generator
type Generation struct {
	Text string
}

// Generator completes a prompt. Callers use the first generation.
type Generator interface {
	Generate(ctx context.Context, prompt string) ([]Generation, error)
}

// Unavailable is the collaborator used when no provider is configured
type Unavailable struct{}

func (Unavailable) Classify(context.Context, string, []string, string) (Ranking, error) {
	return Ranking{}, ErrUnavailable
}

func (Unavailable) Generate(context.Context, string) ([]Generation, error) {
	return nil, ErrUnavailable
}

// NewClassifier builds the classifier described by cfg
func NewClassifier(cfg config.Model, logger zerolog.Logger) (Classifier, error) {
	switch cfg.Provider {
	case "", config.ProviderNone:
		return Unavailable{}, nil
	case config.ProviderOpenAI:
		return NewOpenAIClassifier(cfg, logger), nil
	default:
		return nil, fmt.Errorf("classifier: unknown provider %q", cfg.Provider)
	}
}

// NewGenerator builds the generator described by cfg
func NewGenerator(cfg config.Model, logger zerolog.Logger) (Generator, error) {
	switch cfg.Provider {
	case "", config.ProviderNone:
		return Unavailable{}, nil
	case config.ProviderOpenAI:
		return NewOpenAIGenerator(cfg, logger), nil
	default:
		return nil, fmt.Errorf("generator: unknown provider %q", cfg.Provider)
	}
}
