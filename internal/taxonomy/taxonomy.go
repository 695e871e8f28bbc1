// Package taxonomy holds the keyword sets that drive heuristic
// classification. The sets are built once and never modified afterwards, so a
// *Taxonomy can be shared by any number of goroutines.
package taxonomy

import (
	"strings"
	"sync"
)

// Name identifies a keyword set.
type Name string

const (
	Offer    Name = "offer"
	Invoice  Name = "invoice"
	Report   Name = "report"
	Invite   Name = "invite"
	Greeting Name = "greeting"
	Request  Name = "request"
	Urgent   Name = "urgent"
)

// KeywordSet is a named list of lowercase phrase fragments.
type KeywordSet struct {
	Name     Name
	Keywords []string
}

// ContainsAny reports whether text contains any keyword of the set, ignoring
// case. Matching is plain substring containment, so "nf" also matches inside
// "conferência".
func (s KeywordSet) ContainsAny(text string) bool {
	return ContainsAny(text, s.Keywords)
}

// ContainsAny is the membership test behind every rule: case-insensitive
// substring search, stopping at the first hit.
func ContainsAny(text string, keywords []string) bool {
	if len(keywords) == 0 || text == "" {
		return false
	}
	low := strings.ToLower(text)
	for _, k := range keywords {
		if k != "" && strings.Contains(low, k) {
			return true
		}
	}
	return false
}

// Taxonomy is the read-only collection of keyword sets.
type Taxonomy struct {
	sets map[Name]KeywordSet
}

// New builds a taxonomy from the given sets. Keywords are lowercased and
// copied, so later changes to the arguments are not observed.
func New(sets ...KeywordSet) *Taxonomy {
	t := &Taxonomy{sets: make(map[Name]KeywordSet, len(sets))}
	for _, s := range sets {
		kws := make([]string, 0, len(s.Keywords))
		for _, k := range s.Keywords {
			kws = append(kws, strings.ToLower(k))
		}
		t.sets[s.Name] = KeywordSet{Name: s.Name, Keywords: kws}
	}
	return t
}

// Set returns the named set; an unknown name yields an empty set that never
// matches.
func (t *Taxonomy) Set(name Name) KeywordSet {
	if t == nil {
		return KeywordSet{Name: name}
	}
	return t.sets[name]
}

// Matches reports whether text contains any keyword of the named set.
func (t *Taxonomy) Matches(name Name, text string) bool {
	return t.Set(name).ContainsAny(text)
}

var (
	defaultOnce sync.Once
	defaultTax  *Taxonomy
)

// Default returns the process-wide Portuguese business taxonomy.
func Default() *Taxonomy {
	defaultOnce.Do(func() {
		defaultTax = New(
			KeywordSet{Name: Offer, Keywords: offerKeywords},
			KeywordSet{Name: Invoice, Keywords: invoiceKeywords},
			KeywordSet{Name: Report, Keywords: reportKeywords},
			KeywordSet{Name: Invite, Keywords: inviteKeywords},
			KeywordSet{Name: Greeting, Keywords: greetingKeywords},
			KeywordSet{Name: Request, Keywords: requestKeywords},
			KeywordSet{Name: Urgent, Keywords: urgentKeywords},
		)
	})
	return defaultTax
}

var (
	offerKeywords = []string{
		"oferta", "venda", "comprar", "consultor", "apresentar", "apresentação",
		"demo", "demonstração", "proposta", "comercial", "promoção", "preço",
		"agendar", "minuto", "contato comercial", "solução",
	}

	invoiceKeywords = []string{
		"nota fiscal", "nota_fiscal", "nota", "fatura", "nf", "anexo",
	}

	reportKeywords = []string{
		"relatório", "relatorios", "dre", "fechamento", "balanço", "extrato",
	}

	inviteKeywords = []string{
		"cafe", "café", "almoço", "jantar", "vamos", "encontro", "convite", "tomar um café",
	}

	greetingKeywords = []string{
		"feliz natal", "feliz ano", "parabéns", "bom trabalho", "obrigado", "grato",
	}

	requestKeywords = []string{
		"solicito", "solicitamos", "solicitação", "poderia", "poderiam",
		"favor enviar", "por favor, envie", "preciso que", "precisamos que",
		"aguardo retorno", "aguardamos retorno", "status do chamado", "atualização sobre",
	}

	urgentKeywords = []string{
		"urgente", "urgência", "imediatamente", "o quanto antes", "prioridade máxima",
		"asap", "crítico", "sem falta",
	}
)
