package pipeline

import (
	"github.com/triagem-mail/triagem/internal/classify"
)

// State is a step of the analysis state machine
type State string

const (
	StateStart                   State = "start"
	StateNormalized              State = "normalized"
	StateHeuristicEvaluated      State = "heuristic_evaluated"
	StateTemplateSelected        State = "template_selected"
	StateExternalClassifyPending State = "external_classify_pending"
	StateGenerationPending       State = "generation_pending"
	StateFinalized               State = "finalized"
)

// Source tells where the reply text came from
type Source string

const (
	SourceTemplate  Source = "template"  // Drawn from the subcategory's template list
	SourceGenerated Source = "generated" // Accepted generator output
	SourceFallback  Source = "fallback"  // Request template used after a failed generation
	SourceGeneric   Source = "generic"   // Generic unproductive or received note
)

// Reason records a failure that was recovered during the analysis
type Reason string

const (
	ReasonNone                  Reason = ""
	ReasonClassifierUnavailable Reason = "classifier_unavailable"
	ReasonGenerationUnavailable Reason = "generation_unavailable"
	ReasonDegenerateOutput      Reason = "degenerate_output"
)

// Input is one email to analyze
type Input struct {
	Body   string `json:"body"`
	Sender string `json:"sender,omitempty"`
}

// Result is the outcome of one analysis. Reply is never empty and always
// ends with '.', '!' or '?'.
type Result struct {
	ID             string               `json:"id"`
	Classification classify.Category    `json:"classification"`
	Subcategory    classify.Subcategory `json:"subcategory"`
	Reply          string               `json:"reply"`
	Source         Source               `json:"source"`
	Reason         Reason               `json:"reason,omitempty"`
	Rule           string               `json:"rule,omitempty"`
	Trace          []State              `json:"trace,omitempty"`
}

// Summary counts results by category and reply source
type Summary struct {
	Total        int `json:"total"`
	Productive   int `json:"productive"`
	Unproductive int `json:"unproductive"`
	Undetermined int `json:"undetermined"`
	Templated    int `json:"templated"`
	Generated    int `json:"generated"`
	Fallback     int `json:"fallback"`
	Generic      int `json:"generic"`
	Recovered    int `json:"recovered"` // Results with a non-empty Reason
}

// Summarize generates a summary of analysis results
func Summarize(results []Result) Summary {
	summary := Summary{Total: len(results)}

	for _, r := range results {
		switch r.Classification {
		case classify.CategoryProductive:
			summary.Productive++
		case classify.CategoryUnproductive:
			summary.Unproductive++
		default:
			summary.Undetermined++
		}

		switch r.Source {
		case SourceTemplate:
			summary.Templated++
		case SourceGenerated:
			summary.Generated++
		case SourceFallback:
			summary.Fallback++
		case SourceGeneric:
			summary.Generic++
		}

		if r.Reason != ReasonNone {
			summary.Recovered++
		}
	}

	return summary
}
