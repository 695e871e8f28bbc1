// Package reply selects and builds reply texts: the template bank for
// subcategories with canned answers and the few-shot prompt for the generator.
package reply

import (
	"embed"
	"fmt"
	"math/rand"
	"sync"

	"github.com/triagem-mail/triagem/internal/classify"
	"gopkg.in/yaml.v3"
)

//go:embed templates/*
var embeddedTemplates embed.FS

// Source picks an index in [0, n). Tests substitute a deterministic one.
// Out-of-range answers are wrapped into range by Pick.
type Source interface {
	IntN(n int) int
}

type globalSource struct{}

// IntN uses the runtime-seeded global generator, which is safe for
// concurrent use.
func (globalSource) IntN(n int) int { return rand.Intn(n) }

// DefaultSource returns the shared pseudo-random source.
func DefaultSource() Source { return globalSource{} }

type bankFile struct {
	Templates map[classify.Subcategory][]string `yaml:"templates"`
	Generic   struct {
		Unproductive string `yaml:"unproductive"`
		Received     string `yaml:"received"`
	} `yaml:"generic"`
}

// Bank maps subcategories to candidate replies. It is read-only after
// construction.
type Bank struct {
	templates    map[classify.Subcategory][]string
	unproductive string
	received     string
	src          Source
}

// NewBank parses a bank from YAML. A nil src uses DefaultSource.
func NewBank(data []byte, src Source) (*Bank, error) {
	var f bankFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse reply templates: %w", err)
	}
	if f.Generic.Unproductive == "" || f.Generic.Received == "" {
		return nil, fmt.Errorf("reply templates: generic.unproductive and generic.received are required")
	}
	if len(f.Templates[classify.SubRequest]) == 0 {
		return nil, fmt.Errorf("reply templates: %q list is required as the generation fallback", classify.SubRequest)
	}

	b := &Bank{
		templates:    make(map[classify.Subcategory][]string, len(f.Templates)),
		unproductive: f.Generic.Unproductive,
		received:     f.Generic.Received,
		src:          src,
	}
	for sub, list := range f.Templates {
		var kept []string
		for _, s := range list {
			if s != "" {
				kept = append(kept, s)
			}
		}
		if len(kept) > 0 {
			b.templates[sub] = kept
		}
	}
	if b.src == nil {
		b.src = DefaultSource()
	}
	return b, nil
}

var (
	defaultOnce sync.Once
	defaultBank *Bank
	defaultErr  error
)

// DefaultBank returns the embedded bank using the shared random source.
func DefaultBank() (*Bank, error) {
	defaultOnce.Do(func() {
		data, err := embeddedTemplates.ReadFile("templates/replies.yaml")
		if err != nil {
			defaultErr = fmt.Errorf("failed to read embedded reply templates: %w", err)
			return
		}
		defaultBank, defaultErr = NewBank(data, nil)
	})
	return defaultBank, defaultErr
}

// WithSource returns a copy of the bank drawing from src. The template lists
// are shared, not copied.
func (b *Bank) WithSource(src Source) *Bank {
	cp := *b
	cp.src = src
	return &cp
}

// Has reports whether sub has at least one candidate.
func (b *Bank) Has(sub classify.Subcategory) bool {
	return len(b.templates[sub]) > 0
}

// Candidates returns a copy of the candidate list for sub.
func (b *Bank) Candidates(sub classify.Subcategory) []string {
	return append([]string(nil), b.templates[sub]...)
}

// Pick draws uniformly among the candidates for sub.
func (b *Bank) Pick(sub classify.Subcategory) (string, bool) {
	list := b.templates[sub]
	if len(list) == 0 {
		return "", false
	}
	n := len(list)
	i := b.src.IntN(n) % n
	if i < 0 {
		i += n
	}
	return list[i], true
}

// Fallback is the reply used when generation fails or is rejected.
func (b *Bank) Fallback() string {
	s, _ := b.Pick(classify.SubRequest)
	return s
}

// Unproductive is the note for unproductive mail without a template.
func (b *Bank) Unproductive() string { return b.unproductive }

// Received is the reply when no label could be determined.
func (b *Bank) Received() string { return b.received }
