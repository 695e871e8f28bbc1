package inbox

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"github.com/triagem-mail/triagem/internal/classify"
	"github.com/triagem-mail/triagem/internal/email"
	"github.com/triagem-mail/triagem/internal/pipeline"
)

// Analyzer is the part of the pipeline the triage loop needs
type Analyzer interface {
	Analyze(ctx context.Context, in pipeline.Input) pipeline.Result
}

// TriageOptions controls what happens after each message is analyzed
type TriageOptions struct {
	Replier             email.Sender // Nil disables replies
	From                string       // Reply sender address
	ArchiveUnproductive bool
}

// Outcome is the triage of one message
type Outcome struct {
	Email   Email
	Result  pipeline.Result
	Replied bool
	Reply   *email.Result // Set when a reply was attempted
	Archive bool          // Message should be moved to the archive folder
}

// Triager analyzes incoming mail and optionally answers it
type Triager struct {
	analyzer Analyzer
	opts     TriageOptions
	log      zerolog.Logger
}

func NewTriager(a Analyzer, opts TriageOptions, logger zerolog.Logger) *Triager {
	return &Triager{
		analyzer: a,
		opts:     opts,
		log:      logger.With().Str("component", "triage").Logger(),
	}
}

// Process triages one message. Only Produtivo results are answered; the
// reply of an unproductive message is an internal note.
func (t *Triager) Process(ctx context.Context, e Email) Outcome {
	out := Outcome{Email: e}
	out.Result = t.analyzer.Analyze(ctx, pipeline.Input{Body: e.TriageText(), Sender: e.From})

	switch out.Result.Classification {
	case classify.CategoryProductive:
		if t.opts.Replier != nil && e.From != "" {
			if e.Answered {
				t.log.Debug().Uint32("uid", e.UID).Msg("already answered, reply skipped")
				break
			}
			res := t.opts.Replier.Send(ctx, email.Message{
				To:         e.From,
				From:       t.opts.From,
				Subject:    ReplySubject(e.Subject),
				Body:       out.Result.Reply,
				InReplyTo:  e.MessageID,
				References: e.MessageID,
			})
			out.Reply = &res
			out.Replied = res.Success
			if !res.Success {
				t.log.Warn().Err(res.Error).Str("to", e.From).Str("provider", t.opts.Replier.Name()).Msg("failed to send reply")
			}
		}
	case classify.CategoryUnproductive:
		out.Archive = t.opts.ArchiveUnproductive && e.UID != 0
	}

	return out
}

// ProcessAll triages messages in order
func (t *Triager) ProcessAll(ctx context.Context, emails []Email) []Outcome {
	outcomes := make([]Outcome, 0, len(emails))
	for _, e := range emails {
		if ctx.Err() != nil {
			break
		}
		outcomes = append(outcomes, t.Process(ctx, e))
	}
	return outcomes
}

// ArchiveUIDs lists the UIDs of outcomes marked for archiving
func ArchiveUIDs(outcomes []Outcome) []uint32 {
	var uids []uint32
	for _, o := range outcomes {
		if o.Archive {
			uids = append(uids, o.Email.UID)
		}
	}
	return uids
}

// AnsweredUIDs lists the UIDs of messages replied to in this run, to be
// flagged \Answered on the server
func AnsweredUIDs(outcomes []Outcome) []uint32 {
	var uids []uint32
	for _, o := range outcomes {
		if o.Replied && o.Email.UID != 0 {
			uids = append(uids, o.Email.UID)
		}
	}
	return uids
}

// Results extracts the analysis results, e.g. for pipeline.Summarize
func Results(outcomes []Outcome) []pipeline.Result {
	results := make([]pipeline.Result, len(outcomes))
	for i, o := range outcomes {
		results[i] = o.Result
	}
	return results
}

// ReplySubject prefixes "Re: " unless the subject already is a reply.
// Line breaks are dropped so the subject is safe as a header.
func ReplySubject(subject string) string {
	subject = strings.Join(strings.Fields(subject), " ")
	if subject == "" {
		return "Re: sua mensagem"
	}
	low := strings.ToLower(subject)
	if strings.HasPrefix(low, "re:") || strings.HasPrefix(low, "res:") {
		return subject
	}
	return "Re: " + subject
}
