package reply

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/triagem-mail/triagem/internal/classify"
	"github.com/triagem-mail/triagem/internal/textclean"
)

// Example is a fixed email/reply pair shown to the generator
type Example struct {
	Email string
	Reply string
}

// Examples are the few-shot pairs embedded in every prompt, in order
var Examples = []Example{
	{
		Email: "Bom dia, poderiam me enviar o relatório de despesas de setembro até sexta?",
		Reply: "Bom dia! Vou levantar o relatório de despesas de setembro e envio até sexta.",
	},
	{
		Email: "Oi pessoal, vamos fazer um happy hour na quinta depois do expediente?",
		Reply: "Obrigado pelo convite! Infelizmente não consigo participar desta vez.",
	},
	{
		Email: "Segue em anexo a nota fiscal referente aos serviços de outubro.",
		Reply: "Recebemos a nota fiscal, obrigado. Vamos conferir e retornamos se houver pendências.",
	},
	{
		Email: "URGENTE: o pagamento do fornecedor foi recusado, precisamos resolver hoje.",
		Reply: "Entendido, vou verificar o pagamento com prioridade. Retorno ainda hoje com uma posição.",
	},
}

type promptData struct {
	MaxSentences int
	Examples     []Example
	Category     classify.Category
	Body         string
}

// PromptBuilder renders the generation prompt. It is safe for concurrent use.
type PromptBuilder struct {
	tmpl         *template.Template
	maxSentences int
}

// NewPromptBuilder loads the embedded prompt template. maxSentences is the
// reply length stated in the instructions; values below 1 use the default.
func NewPromptBuilder(maxSentences int) (*PromptBuilder, error) {
	content, err := embeddedTemplates.ReadFile("templates/prompt.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded prompt template: %w", err)
	}

	tmpl, err := template.New("prompt").Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt template: %w", err)
	}

	if maxSentences < 1 {
		maxSentences = textclean.DefaultMaxSentences
	}
	return &PromptBuilder{tmpl: tmpl, maxSentences: maxSentences}, nil
}

// Build renders the prompt for body. The category annotation is left out
// when it is empty or Indefinido.
func (p *PromptBuilder) Build(body string, category classify.Category) (string, error) {
	if category == classify.CategoryUndetermined {
		category = ""
	}
	data := promptData{
		MaxSentences: p.maxSentences,
		Examples:     Examples,
		Category:     category,
		Body:         strings.TrimSpace(body),
	}

	var buf bytes.Buffer
	if err := p.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}
	return strings.TrimRight(buf.String(), " \n"), nil
}
