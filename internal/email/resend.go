package email

import (
	"context"
	"fmt"

	"github.com/resend/resend-go/v2"
)

// ResendSender delivers replies through the Resend API
type ResendSender struct {
	client *resend.Client
}

func NewResendSender(apiKey string) *ResendSender {
	return &ResendSender{client: resend.NewClient(apiKey)}
}

func (s *ResendSender) Name() string { return "resend" }

func (s *ResendSender) Send(ctx context.Context, msg Message) Result {
	if err := validateMessage(msg); err != nil {
		return Result{Success: false, Error: err}
	}

	resp, err := s.client.Emails.SendWithContext(ctx, resendRequest(msg))
	if err != nil {
		return Result{Success: false, Error: fmt.Errorf("resend: %w", err)}
	}

	return Result{Success: true, MessageID: resp.Id}
}

func resendRequest(msg Message) *resend.SendEmailRequest {
	req := &resend.SendEmailRequest{
		From:    msg.From,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Text:    msg.Body,
	}
	if headers := threadHeaders(msg); len(headers) > 0 {
		req.Headers = headers
	}
	return req
}
