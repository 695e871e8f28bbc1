package email

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/triagem-mail/triagem/internal/config"
)

// Message is a plain-text reply. InReplyTo and References hold the
// Message-ID of the mail being answered so mail clients thread the reply.
type Message struct {
	To         string
	From       string
	Subject    string
	Body       string
	InReplyTo  string
	References string // Space separated Message-IDs, oldest first
}

type Result struct {
	Success   bool
	MessageID string
	Error     error
}

type Sender interface {
	Send(ctx context.Context, msg Message) Result
	Name() string
}

// NewSender builds the sender for the configured provider
func NewSender(cfg config.EmailConfig) (Sender, error) {
	switch cfg.Provider {
	case "", "smtp":
		return NewSMTPSender(cfg.SMTP, cfg.From), nil
	case "resend":
		if cfg.ResendAPIKey == "" {
			return nil, fmt.Errorf("resend: api key is required")
		}
		return NewResendSender(cfg.ResendAPIKey), nil
	case "sendgrid":
		if cfg.SendgridAPIKey == "" {
			return nil, fmt.Errorf("sendgrid: api key is required")
		}
		return NewSendgridSender(cfg.SendgridAPIKey), nil
	default:
		return nil, fmt.Errorf("unknown email provider: %s (smtp, resend or sendgrid)", cfg.Provider)
	}
}

// ValidateEmail checks for injection characters and RFC 5322 compliance
func ValidateEmail(email string) error {
	if strings.ContainsAny(email, "\r\n,;") {
		return fmt.Errorf("email contains invalid characters")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("invalid email format: %w", err)
	}
	return nil
}

func validateMessage(msg Message) error {
	if err := ValidateEmail(msg.From); err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if err := ValidateEmail(msg.To); err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	// Reject headers with CRLF to prevent injection
	if strings.ContainsAny(msg.Subject, "\r\n") {
		return fmt.Errorf("subject contains invalid characters")
	}
	if strings.ContainsAny(msg.InReplyTo+msg.References, "\r\n") {
		return fmt.Errorf("thread headers contain invalid characters")
	}
	if strings.TrimSpace(msg.Body) == "" {
		return fmt.Errorf("message body is empty")
	}
	return nil
}

// threadHeaders returns the In-Reply-To and References headers for msg.
// The map is empty when the message starts a new thread.
func threadHeaders(msg Message) map[string]string {
	headers := make(map[string]string, 2)

	inReplyTo := messageIDHeader(msg.InReplyTo)
	if inReplyTo != "" {
		headers["In-Reply-To"] = inReplyTo
	}

	var refs []string
	for _, id := range strings.Fields(msg.References) {
		refs = append(refs, messageIDHeader(id))
	}
	if len(refs) == 0 && inReplyTo != "" {
		refs = []string{inReplyTo}
	}
	if len(refs) > 0 {
		headers["References"] = strings.Join(refs, " ")
	}
	return headers
}

// messageIDHeader wraps a Message-ID in angle brackets
func messageIDHeader(id string) string {
	id = strings.Trim(strings.TrimSpace(id), "<>")
	if id == "" {
		return ""
	}
	return "<" + id + ">"
}
