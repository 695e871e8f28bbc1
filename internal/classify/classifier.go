package classify

import (
	"net/mail"
	"strings"

	"github.com/triagem-mail/triagem/internal/taxonomy"
)

// Category is the business-relevance label of an email
type Category string

const (
	CategoryProductive   Category = "Produtivo"   // Needs a work action
	CategoryUnproductive Category = "Improdutivo" // No action needed
	CategoryUndetermined Category = "Indefinido"  // Neither heuristics nor the model produced a label
)

// ParseCategory maps a label returned by an external classifier to a
// Category. Unknown labels yield CategoryUndetermined and false.
func ParseCategory(label string) (Category, bool) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "produtivo", "productive":
		return CategoryProductive, true
	case "improdutivo", "unproductive":
		return CategoryUnproductive, true
	default:
		return CategoryUndetermined, false
	}
}

// Subcategory is the reason code attached to a classification
type Subcategory string

const (
	SubOffer        Subcategory = "offer"
	SubInvite       Subcategory = "invite"
	SubInvoice      Subcategory = "invoice"
	SubReport       Subcategory = "report"
	SubGreeting     Subcategory = "greeting"
	SubRequest      Subcategory = "request"
	SubHighPriority Subcategory = "high_priority"
	SubNone         Subcategory = "none" // Label came from the external classifier
)

// DefaultInternalDomain is the sender suffix trusted as internal mail.
const DefaultInternalDomain = "@empresa.com"

// maxGreetingTokens bounds the greeting rule to short courtesy messages
const maxGreetingTokens = 6

// attachmentPhrases count as invoice signals on top of the invoice keywords
var attachmentPhrases = []string{"em anexo", "anexo"}

// Decision is the outcome of a heuristic rule
type Decision struct {
	Category    Category
	Subcategory Subcategory
	Rule        string // Human-readable name of the rule that fired
}

// Heuristic evaluates the ordered rule list. It holds no mutable state.
type Heuristic struct {
	taxonomy       *taxonomy.Taxonomy
	internalDomain string
}

// NewHeuristic creates a classifier over the given taxonomy. An empty
// internalDomain disables the sender rule.
func NewHeuristic(tax *taxonomy.Taxonomy, internalDomain string) *Heuristic {
	if tax == nil {
		tax = taxonomy.Default()
	}
	return &Heuristic{
		taxonomy:       tax,
		internalDomain: strings.ToLower(strings.TrimSpace(internalDomain)),
	}
}

// Classify applies the rules in order on normalized text; the first match
// wins. It returns false when no rule fires.
func (h *Heuristic) Classify(text, sender string) (Decision, bool) {
	low := strings.ToLower(text)

	// Sender trust comes first, even for an empty body
	if h.isInternalSender(sender) {
		return Decision{CategoryProductive, SubHighPriority, "internal sender"}, true
	}

	if h.taxonomy.Matches(taxonomy.Urgent, low) {
		return Decision{CategoryProductive, SubHighPriority, "urgent keyword"}, true
	}

	if h.taxonomy.Matches(taxonomy.Request, low) {
		return Decision{CategoryProductive, SubRequest, "request keyword"}, true
	}

	if h.taxonomy.Matches(taxonomy.Offer, low) {
		return Decision{CategoryUnproductive, SubOffer, "offer keyword"}, true
	}

	if h.taxonomy.Matches(taxonomy.Invite, low) {
		return Decision{CategoryUnproductive, SubInvite, "invite keyword"}, true
	}

	if h.taxonomy.Matches(taxonomy.Invoice, low) || taxonomy.ContainsAny(low, attachmentPhrases) {
		return Decision{CategoryProductive, SubInvoice, "invoice keyword"}, true
	}

	if h.taxonomy.Matches(taxonomy.Report, low) {
		return Decision{CategoryProductive, SubReport, "report keyword"}, true
	}

	// Long messages that merely say thanks are left to the model
	if h.taxonomy.Matches(taxonomy.Greeting, low) && len(strings.Fields(low)) < maxGreetingTokens {
		return Decision{CategoryUnproductive, SubGreeting, "short greeting"}, true
	}

	return Decision{Category: CategoryUndetermined, Subcategory: SubNone}, false
}

func (h *Heuristic) isInternalSender(sender string) bool {
	if h.internalDomain == "" {
		return false
	}
	addr := strings.TrimSpace(sender)
	if parsed, err := mail.ParseAddress(addr); err == nil {
		addr = parsed.Address
	}
	addr = strings.ToLower(addr)
	return addr != "" && strings.HasSuffix(addr, h.internalDomain)
}
