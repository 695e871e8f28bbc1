package taxonomy

import "testing"

func TestContainsAny(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		keywords []string
		expected bool
	}{
		{name: "empty set", text: "qualquer coisa", keywords: nil, expected: false},
		{name: "empty text", text: "", keywords: []string{"nota"}, expected: false},
		{name: "case insensitive", text: "Segue a NOTA FISCAL", keywords: []string{"nota fiscal"}, expected: true},
		{name: "diacritics case folded", text: "RELATÓRIO mensal", keywords: []string{"relatório"}, expected: true},
		{name: "substring inside word", text: "conferência anual", keywords: []string{"nf"}, expected: true},
		{name: "no match", text: "bom dia", keywords: []string{"fatura", "extrato"}, expected: false},
		{name: "empty keyword ignored", text: "bom dia", keywords: []string{""}, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ContainsAny(tt.text, tt.keywords); got != tt.expected {
				t.Errorf("ContainsAny(%q, %v) = %v, want %v", tt.text, tt.keywords, got, tt.expected)
			}
		})
	}
}

func TestDefaultTaxonomy(t *testing.T) {
	tax := Default()
	if tax != Default() {
		t.Fatal("Default should return the same instance")
	}

	tests := []struct {
		set      Name
		text     string
		expected bool
	}{
		{Offer, "Temos uma proposta comercial para você", true},
		{Invoice, "Em anexo a Nota Fiscal", true},
		{Report, "Solicito o DRE de setembro", true},
		{Invite, "Bora tomar um café", true},
		{Greeting, "Feliz Natal a todos", true},
		{Request, "Poderia me enviar o contrato", true},
		{Urgent, "URGENTE: sistema fora do ar", true},
		{Urgent, "Bom dia, tudo bem", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.set), func(t *testing.T) {
			if got := tax.Matches(tt.set, tt.text); got != tt.expected {
				t.Errorf("Matches(%s, %q) = %v, want %v", tt.set, tt.text, got, tt.expected)
			}
		})
	}
}

func TestNewCopiesAndLowercases(t *testing.T) {
	kws := []string{"Fatura"}
	tax := New(KeywordSet{Name: Invoice, Keywords: kws})
	kws[0] = "outra"

	if !tax.Matches(Invoice, "sua fatura chegou") {
		t.Error("expected lowercased copy of keyword to match")
	}
	if tax.Matches(Offer, "oferta") {
		t.Error("unknown set should never match")
	}
}
