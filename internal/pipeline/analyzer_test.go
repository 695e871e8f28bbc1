package pipeline

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/triagem-mail/triagem/internal/classify"
	"github.com/triagem-mail/triagem/internal/llm"
	"github.com/triagem-mail/triagem/internal/reply"
)

type stubClassifier struct {
	mu       sync.Mutex
	ranking  llm.Ranking
	err      error
	calls    int
	lastText string
}

func (s *stubClassifier) Classify(_ context.Context, text string, _ []string, _ string) (llm.Ranking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastText = text
	return s.ranking, s.err
}

func (s *stubClassifier) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// stubGenerator returns prefix+text, so an echoing model can be simulated
// by setting echo.
type stubGenerator struct {
	mu         sync.Mutex
	text       string
	echo       bool
	err        error
	empty      bool
	calls      int
	lastPrompt string
}

func (s *stubGenerator) Generate(_ context.Context, prompt string) ([]llm.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastPrompt = prompt
	if s.err != nil {
		return nil, s.err
	}
	if s.empty {
		return nil, nil
	}
	text := s.text
	if s.echo {
		text = prompt + text
	}
	return []llm.Generation{{Text: text}}, nil
}

func (s *stubGenerator) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fixedSource int

func (s fixedSource) IntN(n int) int { return int(s) % n }

func ranked(label string) llm.Ranking {
	return llm.Ranking{Labels: []string{label}, Scores: []float64{0.9}}
}

func newAnalyzer(t *testing.T, cls llm.Classifier, gen llm.Generator) *Analyzer {
	t.Helper()
	bank, err := reply.DefaultBank()
	if err != nil {
		t.Fatal(err)
	}
	a, err := New(Options{
		Classifier: cls,
		Generator:  gen,
		Bank:       bank.WithSource(fixedSource(0)),
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return a
}

func defaultBank(t *testing.T) *reply.Bank {
	t.Helper()
	bank, err := reply.DefaultBank()
	if err != nil {
		t.Fatal(err)
	}
	return bank
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func assertTerminated(t *testing.T, r Result) {
	t.Helper()
	if r.Reply == "" {
		t.Fatal("reply is empty")
	}
	if last := r.Reply[len(r.Reply)-1]; last != '.' && last != '!' && last != '?' {
		t.Errorf("reply %q does not end with a terminal mark", r.Reply)
	}
}

func TestScenarioInvoice(t *testing.T) {
	cls := &stubClassifier{err: llm.ErrUnavailable}
	gen := &stubGenerator{err: llm.ErrUnavailable}
	a := newAnalyzer(t, cls, gen)

	r := a.Analyze(context.Background(), Input{Body: "Em anexo a Nota Fiscal do mês de agosto."})

	if r.Classification != classify.CategoryProductive || r.Subcategory != classify.SubInvoice {
		t.Fatalf("got (%s, %s), want (Produtivo, invoice)", r.Classification, r.Subcategory)
	}
	if !contains(defaultBank(t).Candidates(classify.SubInvoice), r.Reply) {
		t.Errorf("reply %q is not an invoice template", r.Reply)
	}
	if r.Source != SourceTemplate || r.Reason != ReasonNone {
		t.Errorf("source=%s reason=%s", r.Source, r.Reason)
	}
	assertTerminated(t, r)

	if cls.Calls() != 0 || gen.Calls() != 0 {
		t.Error("templated results must not call the collaborators")
	}

	want := []State{StateStart, StateNormalized, StateHeuristicEvaluated, StateTemplateSelected, StateFinalized}
	if !equalTrace(r.Trace, want) {
		t.Errorf("trace = %v, want %v", r.Trace, want)
	}
	if r.ID == "" {
		t.Error("result should have an ID")
	}
}

func TestStateTransitionsAreLogged(t *testing.T) {
	var buf bytes.Buffer
	a, err := New(Options{
		Bank:   defaultBank(t).WithSource(fixedSource(0)),
		Logger: zerolog.New(&buf).Level(zerolog.DebugLevel),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	r := a.Analyze(context.Background(), Input{Body: "Em anexo a Nota Fiscal do mês de agosto."})

	var logged []State
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var entry struct {
			ID      string `json:"id"`
			State   State  `json:"state"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(line, &entry); err != nil {
			t.Fatalf("bad log line %s: %v", line, err)
		}
		if entry.Message != "state entered" {
			continue
		}
		if entry.ID != r.ID {
			t.Errorf("state line id = %q, want %q", entry.ID, r.ID)
		}
		logged = append(logged, entry.State)
	}
	if !equalTrace(logged, r.Trace) {
		t.Errorf("logged states %v, trace %v", logged, r.Trace)
	}
}

func TestScenarioInvite(t *testing.T) {
	a := newAnalyzer(t, nil, nil)

	r := a.Analyze(context.Background(), Input{Body: "Bora tomar um café essa semana?"})

	if r.Classification != classify.CategoryUnproductive || r.Subcategory != classify.SubInvite {
		t.Fatalf("got (%s, %s), want (Improdutivo, invite)", r.Classification, r.Subcategory)
	}
	if !contains(defaultBank(t).Candidates(classify.SubInvite), r.Reply) {
		t.Errorf("reply %q is not an invite template", r.Reply)
	}
	assertTerminated(t, r)
}

func TestScenarioEmptyInput(t *testing.T) {
	cls := &stubClassifier{err: llm.ErrUnavailable}
	gen := &stubGenerator{}
	a := newAnalyzer(t, cls, gen)

	r := a.Analyze(context.Background(), Input{Body: ""})

	if r.Classification != classify.CategoryUndetermined {
		t.Fatalf("classification = %s, want Indefinido", r.Classification)
	}
	if r.Reply != defaultBank(t).Received() {
		t.Errorf("reply = %q, want the received text", r.Reply)
	}
	if r.Reason != ReasonClassifierUnavailable || r.Source != SourceGeneric {
		t.Errorf("source=%s reason=%s", r.Source, r.Reason)
	}
	if cls.lastText != " " {
		t.Errorf("classifier should receive a single space for empty input, got %q", cls.lastText)
	}
	if gen.Calls() != 0 {
		t.Error("generator should not run for an undetermined email")
	}
}

func TestScenarioInternalSender(t *testing.T) {
	a := newAnalyzer(t, nil, nil)

	r := a.Analyze(context.Background(), Input{
		Body:   "Solicito envio do DRE até dia 30/09.",
		Sender: "joao@empresa.com",
	})

	if r.Classification != classify.CategoryProductive || r.Subcategory != classify.SubHighPriority {
		t.Fatalf("got (%s, %s), want (Produtivo, high_priority)", r.Classification, r.Subcategory)
	}
	if !contains(defaultBank(t).Candidates(classify.SubHighPriority), r.Reply) {
		t.Errorf("reply %q is not a high priority template", r.Reply)
	}
}

func TestGreetingUsesUnproductiveText(t *testing.T) {
	a := newAnalyzer(t, nil, nil)

	r := a.Analyze(context.Background(), Input{Body: "Obrigado pelo retorno, abraços"})

	if r.Subcategory != classify.SubGreeting {
		t.Fatalf("subcategory = %s, want greeting", r.Subcategory)
	}
	if r.Reply != defaultBank(t).Unproductive() || r.Source != SourceGeneric {
		t.Errorf("reply = %q (%s), want the generic unproductive text", r.Reply, r.Source)
	}
}

func TestExternalUnproductive(t *testing.T) {
	cls := &stubClassifier{ranking: ranked("Improdutivo")}
	gen := &stubGenerator{text: "não deveria"}
	a := newAnalyzer(t, cls, gen)

	r := a.Analyze(context.Background(), Input{Body: "Segue o link do repositório"})

	if r.Classification != classify.CategoryUnproductive || r.Subcategory != classify.SubNone {
		t.Fatalf("got (%s, %s)", r.Classification, r.Subcategory)
	}
	if r.Reply != defaultBank(t).Unproductive() {
		t.Errorf("reply = %q", r.Reply)
	}
	if cls.lastText != "Segue o link do repositório" {
		t.Errorf("classifier should receive normalized text, got %q", cls.lastText)
	}
	if gen.Calls() != 0 {
		t.Error("generator should not run for unproductive mail")
	}
}

func TestExternalUnknownLabel(t *testing.T) {
	cls := &stubClassifier{ranking: ranked("Spam")}
	a := newAnalyzer(t, cls, nil)

	r := a.Analyze(context.Background(), Input{Body: "Segue o link do repositório"})

	if r.Classification != classify.CategoryUndetermined || r.Reason != ReasonClassifierUnavailable {
		t.Errorf("got (%s, %s), want Indefinido with classifier_unavailable", r.Classification, r.Reason)
	}
	if r.Reply != defaultBank(t).Received() {
		t.Errorf("reply = %q", r.Reply)
	}
}

func TestGeneration(t *testing.T) {
	body := "Segue o link do repositório"
	requests := defaultBank(t).Candidates(classify.SubRequest)

	tests := []struct {
		name       string
		gen        *stubGenerator
		wantReply  string
		wantSource Source
		wantReason Reason
	}{
		{
			name:       "accepted and truncated",
			gen:        &stubGenerator{text: "Certo, vou verificar o acesso. Retorno amanhã. Obrigado pela paciência."},
			wantReply:  "Certo, vou verificar o acesso. Retorno amanhã.",
			wantSource: SourceGenerated,
		},
		{
			name:       "echoed prompt stripped",
			gen:        &stubGenerator{text: " Ok, farei isso hoje.", echo: true},
			wantReply:  "Ok, farei isso hoje.",
			wantSource: SourceGenerated,
		},
		{
			name:       "duplicates removed",
			gen:        &stubGenerator{text: "Vou verificar. vou verificar. Retorno em breve."},
			wantReply:  "Vou verificar. Retorno em breve.",
			wantSource: SourceGenerated,
		},
		{
			name:       "terminal mark added",
			gen:        &stubGenerator{text: "Certo, vou analisar o repositório"},
			wantReply:  "Certo, vou analisar o repositório.",
			wantSource: SourceGenerated,
		},
		{
			name:       "degenerate phrase",
			gen:        &stubGenerator{text: "I am a doctor, meu amigo."},
			wantSource: SourceFallback,
			wantReason: ReasonDegenerateOutput,
		},
		{
			name:       "repeated token",
			gen:        &stubGenerator{text: strings.Repeat("ok ", 20)},
			wantSource: SourceFallback,
			wantReason: ReasonDegenerateOutput,
		},
		{
			name:       "too short",
			gen:        &stubGenerator{text: "Ok."},
			wantSource: SourceFallback,
			wantReason: ReasonDegenerateOutput,
		},
		{
			name:       "generator error",
			gen:        &stubGenerator{err: errors.New("connection refused")},
			wantSource: SourceFallback,
			wantReason: ReasonGenerationUnavailable,
		},
		{
			name:       "no generations",
			gen:        &stubGenerator{empty: true},
			wantSource: SourceFallback,
			wantReason: ReasonGenerationUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cls := &stubClassifier{ranking: ranked("Produtivo")}
			a := newAnalyzer(t, cls, tt.gen)

			r := a.Analyze(context.Background(), Input{Body: body})

			if r.Classification != classify.CategoryProductive {
				t.Fatalf("classification = %s", r.Classification)
			}
			if r.Source != tt.wantSource || r.Reason != tt.wantReason {
				t.Errorf("source=%s reason=%s, want %s/%s", r.Source, r.Reason, tt.wantSource, tt.wantReason)
			}
			if tt.wantReply != "" && r.Reply != tt.wantReply {
				t.Errorf("reply = %q, want %q", r.Reply, tt.wantReply)
			}
			if tt.wantSource == SourceFallback && !contains(requests, r.Reply) {
				t.Errorf("fallback reply %q is not a request template", r.Reply)
			}
			assertTerminated(t, r)

			if !strings.Contains(tt.gen.lastPrompt, "E-mail: "+body) {
				t.Error("prompt should carry the raw body")
			}

			want := []State{StateStart, StateNormalized, StateHeuristicEvaluated, StateExternalClassifyPending, StateGenerationPending, StateFinalized}
			if !equalTrace(r.Trace, want) {
				t.Errorf("trace = %v, want %v", r.Trace, want)
			}
		})
	}
}

func TestTotality(t *testing.T) {
	inputs := []Input{
		{},
		{Body: "   \n\t "},
		{Body: "$$$ ### !!!"},
		{Body: strings.Repeat("palavra ", 500)},
		{Body: "Urgente!!! <script>alert(1)</script>"},
		{Body: "oi", Sender: "not an address"},
		{Body: "\x00\xff\xfe inválido"},
	}
	collaborators := []struct {
		name string
		cls  llm.Classifier
		gen  llm.Generator
	}{
		{"unavailable", nil, nil},
		{"productive with bad generator", &stubClassifier{ranking: ranked("Produtivo")}, &stubGenerator{text: "..."}},
		{"productive with empty generation", &stubClassifier{ranking: ranked("Produtivo")}, &stubGenerator{text: "   "}},
		{"unproductive", &stubClassifier{ranking: ranked("Improdutivo")}, nil},
	}

	for _, c := range collaborators {
		a := newAnalyzer(t, c.cls, c.gen)
		for _, in := range inputs {
			r := a.Analyze(context.Background(), in)
			assertTerminated(t, r)
			if r.Classification == "" || r.Source == "" {
				t.Errorf("%s: incomplete result for %q: %+v", c.name, in.Body, r)
			}
			if len(r.Trace) == 0 || r.Trace[len(r.Trace)-1] != StateFinalized {
				t.Errorf("%s: trace should end finalized: %v", c.name, r.Trace)
			}
		}
	}
}

func TestDeterministicTemplateSelection(t *testing.T) {
	bank := defaultBank(t)
	candidates := bank.Candidates(classify.SubInvoice)

	for i := range candidates {
		a, err := New(Options{Bank: bank.WithSource(fixedSource(i)), Logger: zerolog.Nop()})
		if err != nil {
			t.Fatal(err)
		}
		r := a.Analyze(context.Background(), Input{Body: "Fatura de setembro"})
		if r.Reply != candidates[i] {
			t.Errorf("source %d: reply = %q, want %q", i, r.Reply, candidates[i])
		}
	}
}

func TestAnalyzeConcurrent(t *testing.T) {
	cls := &stubClassifier{ranking: ranked("Produtivo")}
	gen := &stubGenerator{text: "Certo, vou verificar e retorno."}
	a := newAnalyzer(t, cls, gen)

	bodies := []string{
		"Em anexo a Nota Fiscal",
		"Segue o link do repositório",
		"Bora tomar um café?",
		"",
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := a.Analyze(context.Background(), Input{Body: bodies[i%len(bodies)]})
			if r.Reply == "" {
				t.Error("empty reply")
			}
		}(i)
	}
	wg.Wait()
}

func TestAnalyzeAllKeepsOrder(t *testing.T) {
	a := newAnalyzer(t, nil, nil)

	results := a.AnalyzeAll(context.Background(), []Input{
		{Body: "Fatura de setembro"},
		{Body: "Bora tomar um café?"},
		{Body: "Urgente: servidor fora do ar"},
	})

	want := []classify.Subcategory{classify.SubInvoice, classify.SubInvite, classify.SubHighPriority}
	if len(results) != len(want) {
		t.Fatalf("got %d results", len(results))
	}
	for i, r := range results {
		if r.Subcategory != want[i] {
			t.Errorf("result %d: subcategory = %s, want %s", i, r.Subcategory, want[i])
		}
	}
}

func TestSummarize(t *testing.T) {
	results := []Result{
		{Classification: classify.CategoryProductive, Source: SourceTemplate},
		{Classification: classify.CategoryProductive, Source: SourceGenerated},
		{Classification: classify.CategoryProductive, Source: SourceFallback, Reason: ReasonDegenerateOutput},
		{Classification: classify.CategoryUnproductive, Source: SourceGeneric},
		{Classification: classify.CategoryUndetermined, Source: SourceGeneric, Reason: ReasonClassifierUnavailable},
	}

	s := Summarize(results)
	want := Summary{
		Total:        5,
		Productive:   3,
		Unproductive: 1,
		Undetermined: 1,
		Templated:    1,
		Generated:    1,
		Fallback:     1,
		Generic:      2,
		Recovered:    2,
	}
	if s != want {
		t.Errorf("Summarize() = %+v, want %+v", s, want)
	}
}

func equalTrace(got, want []State) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
