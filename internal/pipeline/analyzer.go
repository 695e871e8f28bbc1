// Package pipeline runs the triage of one email: normalize, apply the ordered
// heuristics, fall back to the external classifier, then pick or generate a
// reply and finalize it.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/triagem-mail/triagem/internal/classify"
	"github.com/triagem-mail/triagem/internal/config"
	"github.com/triagem-mail/triagem/internal/llm"
	"github.com/triagem-mail/triagem/internal/reply"
	"github.com/triagem-mail/triagem/internal/taxonomy"
	"github.com/triagem-mail/triagem/internal/textclean"
)

// Options wires the analyzer. Nil collaborators fall back to the embedded
// defaults and to llm.Unavailable.
type Options struct {
	Heuristic          *classify.Heuristic
	Classifier         llm.Classifier
	Generator          llm.Generator
	Bank               *reply.Bank
	Prompts            *reply.PromptBuilder
	CandidateLabels    []string
	HypothesisTemplate string
	MaxSentences       int
	Logger             zerolog.Logger
}

// Analyzer is safe for concurrent use; every call works on its own values.
type Analyzer struct {
	heuristic    *classify.Heuristic
	classifier   llm.Classifier
	generator    llm.Generator
	bank         *reply.Bank
	prompts      *reply.PromptBuilder
	labels       []string
	hypothesis   string
	maxSentences int
	log          zerolog.Logger
}

func New(opts Options) (*Analyzer, error) {
	a := &Analyzer{
		heuristic:    opts.Heuristic,
		classifier:   opts.Classifier,
		generator:    opts.Generator,
		bank:         opts.Bank,
		prompts:      opts.Prompts,
		labels:       opts.CandidateLabels,
		hypothesis:   opts.HypothesisTemplate,
		maxSentences: opts.MaxSentences,
		log:          opts.Logger.With().Str("component", "pipeline").Logger(),
	}

	if a.heuristic == nil {
		a.heuristic = classify.NewHeuristic(taxonomy.Default(), classify.DefaultInternalDomain)
	}
	if a.classifier == nil {
		a.classifier = llm.Unavailable{}
	}
	if a.generator == nil {
		a.generator = llm.Unavailable{}
	}
	if a.bank == nil {
		bank, err := reply.DefaultBank()
		if err != nil {
			return nil, err
		}
		a.bank = bank
	}
	if a.maxSentences <= 0 {
		a.maxSentences = textclean.DefaultMaxSentences
	}
	if a.prompts == nil {
		prompts, err := reply.NewPromptBuilder(a.maxSentences)
		if err != nil {
			return nil, err
		}
		a.prompts = prompts
	}
	if len(a.labels) == 0 {
		a.labels = []string{string(classify.CategoryProductive), string(classify.CategoryUnproductive)}
	}
	if a.hypothesis == "" {
		a.hypothesis = "Este e-mail é {}."
	}
	return a, nil
}

// NewFromConfig builds the analyzer and its collaborators from cfg
func NewFromConfig(cfg *config.Config, logger zerolog.Logger) (*Analyzer, error) {
	cls, err := llm.NewClassifier(cfg.Classifier, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create classifier: %w", err)
	}
	gen, err := llm.NewGenerator(cfg.Generator, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create generator: %w", err)
	}

	return New(Options{
		Heuristic:          classify.NewHeuristic(taxonomy.Default(), cfg.Analysis.InternalDomain),
		Classifier:         cls,
		Generator:          gen,
		CandidateLabels:    cfg.Analysis.CandidateLabels,
		HypothesisTemplate: cfg.Analysis.HypothesisTemplate,
		MaxSentences:       cfg.Analysis.MaxSentences,
		Logger:             logger,
	})
}

// run carries the values of a single analysis
type run struct {
	in     Input
	clean  string
	result Result
	log    zerolog.Logger
}

func (r *run) enter(s State) {
	r.result.Trace = append(r.result.Trace, s)
	r.log.Debug().Str("id", r.result.ID).Str("state", string(s)).Msg("state entered")
}

// Analyze classifies one email and produces its reply. It never fails:
// collaborator errors are recovered and recorded in Result.Reason.
func (a *Analyzer) Analyze(ctx context.Context, in Input) Result {
	start := time.Now()
	r := &run{
		in:  in,
		log: a.log,
		result: Result{
			ID:             uuid.New().String(),
			Classification: classify.CategoryUndetermined,
			Subcategory:    classify.SubNone,
		},
	}
	r.enter(StateStart)

	r.clean = textclean.Normalize(in.Body)
	r.enter(StateNormalized)

	decision, matched := a.heuristic.Classify(r.clean, in.Sender)
	r.enter(StateHeuristicEvaluated)
	a.log.Debug().Str("id", r.result.ID).Bool("matched", matched).Str("rule", decision.Rule).Msg("heuristics evaluated")

	if matched {
		r.result.Classification = decision.Category
		r.result.Subcategory = decision.Subcategory
		r.result.Rule = decision.Rule

		switch text, ok := a.bank.Pick(decision.Subcategory); {
		case ok:
			r.enter(StateTemplateSelected)
			a.setReply(r, text, SourceTemplate)
		case decision.Category == classify.CategoryUnproductive:
			a.setReply(r, a.bank.Unproductive(), SourceGeneric)
		default:
			a.generate(ctx, r)
		}
	} else {
		a.classifyExternal(ctx, r)
		switch r.result.Classification {
		case classify.CategoryProductive:
			a.generate(ctx, r)
		case classify.CategoryUnproductive:
			a.setReply(r, a.bank.Unproductive(), SourceGeneric)
		default:
			a.setReply(r, a.bank.Received(), SourceGeneric)
		}
	}

	a.finalize(r)

	a.log.Info().
		Str("id", r.result.ID).
		Str("category", string(r.result.Classification)).
		Str("subcategory", string(r.result.Subcategory)).
		Str("source", string(r.result.Source)).
		Str("reason", string(r.result.Reason)).
		Dur("duration", time.Since(start)).
		Msg("email analyzed")

	return r.result
}

// AnalyzeAll runs Analyze on every input sequentially, keeping order
func (a *Analyzer) AnalyzeAll(ctx context.Context, inputs []Input) []Result {
	results := make([]Result, 0, len(inputs))
	for _, in := range inputs {
		results = append(results, a.Analyze(ctx, in))
	}
	return results
}

func (a *Analyzer) classifyExternal(ctx context.Context, r *run) {
	r.enter(StateExternalClassifyPending)

	text := r.clean
	if text == "" {
		text = " "
	}

	ranking, err := a.classifier.Classify(ctx, text, a.labels, a.hypothesis)
	if err != nil {
		a.log.Warn().Err(err).Str("id", r.result.ID).Msg("external classifier failed")
		r.result.Reason = ReasonClassifierUnavailable
		return
	}

	label, score, ok := ranking.Top()
	if !ok {
		r.result.Reason = ReasonClassifierUnavailable
		return
	}
	category, known := classify.ParseCategory(label)
	if !known {
		a.log.Warn().Str("id", r.result.ID).Str("label", label).Msg("external classifier returned an unknown label")
		r.result.Reason = ReasonClassifierUnavailable
		return
	}

	r.result.Classification = category
	a.log.Debug().Str("id", r.result.ID).Str("label", label).Float64("score", score).Msg("external classification")
}

func (a *Analyzer) generate(ctx context.Context, r *run) {
	r.enter(StateGenerationPending)

	prompt, err := a.prompts.Build(r.in.Body, r.result.Classification)
	if err != nil {
		a.log.Warn().Err(err).Str("id", r.result.ID).Msg("failed to build prompt")
		a.fallback(r, ReasonGenerationUnavailable)
		return
	}

	gens, err := a.generator.Generate(ctx, prompt)
	if err != nil || len(gens) == 0 {
		if err == nil {
			err = llm.ErrEmptyGeneration
		}
		a.log.Warn().Err(err).Str("id", r.result.ID).Msg("generation failed")
		a.fallback(r, ReasonGenerationUnavailable)
		return
	}

	text := a.cleanGeneration(gens[0].Text, prompt)
	if textclean.IsDegenerate(text) {
		a.log.Warn().Str("id", r.result.ID).Str("text", text).Msg("generated reply rejected")
		a.fallback(r, ReasonDegenerateOutput)
		return
	}
	a.setReply(r, text, SourceGenerated)
}

// cleanGeneration strips an echoed prompt, drops repeated sentences and
// truncates to the configured sentence count.
func (a *Analyzer) cleanGeneration(text, prompt string) string {
	if rest, ok := strings.CutPrefix(text, prompt); ok {
		text = rest
	}
	text = strings.TrimSpace(text)
	text = textclean.RemoveDuplicates(text)
	return textclean.FirstSentences(text, a.maxSentences)
}

func (a *Analyzer) fallback(r *run, reason Reason) {
	r.result.Reason = reason
	a.setReply(r, a.bank.Fallback(), SourceFallback)
}

func (a *Analyzer) setReply(r *run, text string, source Source) {
	r.result.Reply = text
	r.result.Source = source
}

// finalize collapses whitespace and guarantees a non-empty, terminated reply
func (a *Analyzer) finalize(r *run) {
	text := textclean.CollapseSpaces(r.result.Reply)
	if text == "" {
		text = textclean.CollapseSpaces(a.bank.Received())
		r.result.Source = SourceGeneric
	}
	r.result.Reply = textclean.EnsureTerminal(text)
	r.enter(StateFinalized)
}
