// Package extract turns uploaded files into plain text for analysis.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/triagem-mail/triagem/internal/inbox"
)

// ErrUnsupported is returned for file types that cannot be read
var ErrUnsupported = errors.New("extract: unsupported file type")

// Supported lists the accepted extensions, for form hints and CLI help
var Supported = []string{".txt", ".pdf", ".eml"}

// FromFile extracts text from a file's content based on its name.
func FromFile(name string, data []byte) (string, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt":
		return Text(data), nil
	case ".pdf":
		return PDF(data)
	case ".eml":
		return EML(data)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupported, name)
	}
}

// Text decodes UTF-8, dropping invalid byte sequences
func Text(data []byte) string {
	return strings.ToValidUTF8(string(data), "")
}

// PDF returns the text of every page, one page per line
func PDF(data []byte) (text string, err error) {
	// The pdf package panics on some malformed files
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open pdf: %w", err)
	}

	var pages []string
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		content, err := p.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("failed to read pdf page %d: %w", i, err)
		}
		if content = strings.TrimSpace(content); content != "" {
			pages = append(pages, content)
		}
	}
	return strings.Join(pages, "\n"), nil
}

// EML returns the triage text of a saved email message
func EML(data []byte) (string, error) {
	e, err := inbox.ParseMessage(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	return e.TriageText(), nil
}

// Reader extracts text from r, reading at most limit bytes. A larger input
// is an error rather than a silent truncation.
func Reader(name string, r io.Reader, limit int64) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", name, err)
	}
	if int64(len(data)) > limit {
		return "", fmt.Errorf("%s exceeds %d bytes", name, limit)
	}
	return FromFile(name, data)
}
