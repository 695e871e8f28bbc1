package inbox

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	_ "github.com/emersion/go-message/charset" // Decodes ISO-8859-1 and friends
	"github.com/emersion/go-message/mail"
)

// Lines that introduce a quoted reply; everything after them is history
var quoteIntro = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^em .+ escreveu:$`),
	regexp.MustCompile(`(?i)^on .+ wrote:$`),
	regexp.MustCompile(`(?i)^-{2,}\s*(mensagem original|original message)\s*-{2,}$`),
}

// Block elements that start a new line when HTML is flattened
const blockSelector = "p, div, br, li, tr, h1, h2, h3, h4, h5, h6, blockquote"

// ParseMessage reads a raw RFC 5322 message (an .eml file or an IMAP body
// section) into an Email. Header fields that fail to parse are left empty.
func ParseMessage(r io.Reader) (*Email, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	defer mr.Close()

	email := &Email{}
	h := mr.Header
	if subject, err := h.Subject(); err == nil {
		email.Subject = subject
	}
	if id, err := h.MessageID(); err == nil {
		email.MessageID = id
	}
	if date, err := h.Date(); err == nil {
		email.ReceivedAt = date
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		email.From = from[0].Address
		email.FromName = from[0].Name
		if at := strings.LastIndex(from[0].Address, "@"); at >= 0 {
			email.FromDomain = strings.ToLower(from[0].Address[at+1:])
		}
	}

	readParts(mr, email)
	return email, nil
}

// readParts fills Body and HTMLBody with the first text/plain and text/html
// inline parts. Attachments are skipped.
func readParts(mr *mail.Reader, email *Email) {
	for {
		p, err := mr.NextPart()
		if err != nil {
			// io.EOF or a malformed part; keep what was read
			return
		}

		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		body, err := io.ReadAll(p.Body)
		if err != nil {
			continue
		}

		if strings.HasPrefix(ct, "text/plain") && email.Body == "" {
			email.Body = string(body)
		} else if strings.HasPrefix(ct, "text/html") && email.HTMLBody == "" {
			email.HTMLBody = string(body)
		}
	}
}

// HTMLToText flattens an HTML body into plain text, dropping scripts and
// styles and keeping one line per block element.
func HTMLToText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}

	doc.Find("script, style, head, noscript").Remove()
	doc.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		s.BeforeHtml("\n")
	})

	var lines []string
	for _, line := range strings.Split(doc.Text(), "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// StripQuoted removes quoted history from a reply: lines starting with '>'
// and everything after a "wrote:" introduction line.
func StripQuoted(text string) string {
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if introducesQuote(trimmed) {
			break
		}
		if strings.HasPrefix(trimmed, ">") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func introducesQuote(line string) bool {
	for _, re := range quoteIntro {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// Text is the content used for triage: the plain part when present,
// otherwise the flattened HTML part, without quoted history.
func (e Email) Text() string {
	body := strings.TrimSpace(e.Body)
	if body == "" && e.HTMLBody != "" {
		body = HTMLToText(e.HTMLBody)
	}
	return StripQuoted(body)
}

// TriageText prefixes the subject, which often carries the urgency or the
// request itself.
func (e Email) TriageText() string {
	text := e.Text()
	subject := strings.TrimSpace(e.Subject)
	if subject == "" {
		return text
	}
	if text == "" {
		return subject
	}
	return subject + "\n\n" + text
}
