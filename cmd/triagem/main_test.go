package main

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/triagem-mail/triagem/internal/config"
)

func TestCollectInputs(t *testing.T) {
	dir := t.TempDir()
	txt := filepath.Join(dir, "fatura.txt")
	if err := os.WriteFile(txt, []byte("Segue a fatura"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "planilha.xlsx"), []byte("PK"), 0600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		args    []string
		files   []string
		stdin   string
		want    []string
		wantErr bool
	}{
		{name: "args joined", args: []string{"Segue", "a", "nota"}, want: []string{"Segue a nota"}},
		{name: "args and file", args: []string{"Oi"}, files: []string{txt}, want: []string{"Oi", "Segue a fatura"}},
		{name: "stdin ignored with args", args: []string{"Oi"}, stdin: "outro", want: []string{"Oi"}},
		{name: "stdin", stdin: "Relatório em anexo", want: []string{"Relatório em anexo"}},
		{name: "nothing", stdin: "  \n", wantErr: true},
		{name: "missing file", files: []string{filepath.Join(dir, "nao-existe.txt")}, wantErr: true},
		{name: "unsupported file", files: []string{filepath.Join(dir, "planilha.xlsx")}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inputs, err := collectInputs(tt.args, tt.files, "joana@x.com", strings.NewReader(tt.stdin), 1<<20)
			if (err != nil) != tt.wantErr {
				t.Fatalf("collectInputs() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(inputs) != len(tt.want) {
				t.Fatalf("got %d inputs, want %d", len(inputs), len(tt.want))
			}
			for i, in := range inputs {
				if in.Body != tt.want[i] || in.Sender != "joana@x.com" {
					t.Errorf("input %d = %+v", i, in)
				}
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.Log{Level: "warn", Format: "json"}, &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Str("component", "test").Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info should be filtered at warn level")
	}
	if !strings.Contains(out, `"component":"test"`) || !strings.Contains(out, `"message":"shown"`) {
		t.Errorf("unexpected json output: %s", out)
	}
}

func TestNewLoggerBadLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.Log{Level: "verbose", Format: "json"}, &buf)

	logger.Debug().Msg("debug")
	logger.Info().Msg("info")

	if strings.Contains(buf.String(), `"debug"`) || !strings.Contains(buf.String(), `"info"`) {
		t.Errorf("output = %s", buf.String())
	}
}

func TestRunInitWritesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfgFile = path
	t.Cleanup(func() { cfgFile = "" })

	answers := strings.Join([]string{
		"Financeiro.com.br", // internal domain
		"",                  // no model
		"",                  // no inbox
	}, "\n") + "\n"

	if err := runInit(bufio.NewReader(strings.NewReader(answers))); err != nil {
		t.Fatalf("runInit() error = %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Analysis.InternalDomain != "@financeiro.com.br" {
		t.Errorf("InternalDomain = %q", cfg.Analysis.InternalDomain)
	}
	if cfg.Classifier.Enabled() || cfg.Generator.Enabled() {
		t.Error("models should stay disabled")
	}
	if cfg.Inbox.Enabled {
		t.Error("inbox should stay disabled")
	}
}

func TestTruncateString(t *testing.T) {
	if got := truncateString("Relatório", 20); got != "Relatório" {
		t.Errorf("got %q", got)
	}
	if got := truncateString("Relatório mensal de fechamento", 12); got != "Relatório..." {
		t.Errorf("got %q", got)
	}
}
