// Package inbox reads mail over IMAP so it can be triaged, and files away
// the messages that need no action.
package inbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/rs/zerolog"
	"github.com/triagem-mail/triagem/internal/config"
)

// Monitor handles IMAP connection and email monitoring
type Monitor struct {
	config config.InboxConfig
	client *client.Client
	log    zerolog.Logger
	seen   map[uint32]bool // UIDs already handed to a watch callback
}

// Email represents a parsed incoming email
type Email struct {
	UID        uint32 // IMAP UID for operations like move/delete
	MessageID  string
	From       string
	FromName   string // Sender display name
	FromDomain string
	Subject    string
	Body       string
	HTMLBody   string
	ReceivedAt time.Time
	Flags      []string // IMAP flags at fetch time
	Answered   bool     // \Answered was set, the message already has a reply
}

// NewMonitor creates a new inbox monitor
func NewMonitor(cfg config.InboxConfig, logger zerolog.Logger) *Monitor {
	return &Monitor{
		config: cfg,
		log:    logger.With().Str("component", "inbox").Logger(),
		seen:   make(map[uint32]bool),
	}
}

// Connect establishes IMAP connection
func (m *Monitor) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", m.config.Server, m.config.Port)

	m.log.Info().Str("addr", addr).Msg("connecting to IMAP server")

	c, err := client.DialTLS(addr, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	if err := c.Login(m.config.Email, m.config.Password); err != nil {
		c.Logout()
		return fmt.Errorf("failed to login: %w", err)
	}

	m.client = c
	m.log.Info().Str("user", m.config.Email).Msg("login successful")
	return nil
}

// Disconnect closes the IMAP connection
func (m *Monitor) Disconnect() error {
	if m.client != nil {
		return m.client.Logout()
	}
	return nil
}

// FetchRecentEmails fetches emails from the last N days, oldest first
func (m *Monitor) FetchRecentEmails(ctx context.Context, days int) ([]Email, error) {
	if m.client == nil {
		return nil, fmt.Errorf("not connected to IMAP server")
	}

	mbox, err := m.client.Select(m.config.Folder, false)
	if err != nil {
		return nil, fmt.Errorf("failed to select mailbox %s: %w", m.config.Folder, err)
	}

	m.log.Debug().Str("folder", m.config.Folder).Uint32("messages", mbox.Messages).Msg("mailbox selected")

	if mbox.Messages == 0 {
		return nil, nil
	}

	since := time.Now().AddDate(0, 0, -days)
	criteria := imap.NewSearchCriteria()
	criteria.Since = since

	uids, err := m.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search emails: %w", err)
	}

	m.log.Info().Int("count", len(uids)).Str("since", since.Format("2006-01-02")).Msg("emails found")

	if len(uids) == 0 {
		return nil, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	// Peek so triage does not mark mail as read
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- m.client.UidFetch(seqSet, items, messages)
	}()

	var emails []Email
	for msg := range messages {
		email := parseMessage(msg, section)
		if email != nil {
			emails = append(emails, *email)
		}
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	sort.Slice(emails, func(i, j int) bool { return emails[i].UID < emails[j].UID })
	return emails, nil
}

// parseMessage converts an IMAP message to our Email struct
func parseMessage(msg *imap.Message, section *imap.BodySectionName) *Email {
	if msg == nil || msg.Envelope == nil {
		return nil
	}

	email := &Email{
		UID:        msg.Uid,
		MessageID:  msg.Envelope.MessageId,
		Subject:    msg.Envelope.Subject,
		ReceivedAt: msg.Envelope.Date,
		Flags:      msg.Flags,
	}
	for _, f := range msg.Flags {
		if strings.EqualFold(f, imap.AnsweredFlag) {
			email.Answered = true
		}
	}

	if len(msg.Envelope.From) > 0 {
		from := msg.Envelope.From[0]
		email.From = from.Address()
		email.FromName = from.PersonalName
		if from.HostName != "" {
			email.FromDomain = strings.ToLower(from.HostName)
		}
	}

	r := msg.GetBody(section)
	if r == nil {
		return email
	}

	mr, err := mail.CreateReader(r)
	if err != nil {
		return email // Return without body on parse error
	}
	readParts(mr, email)
	return email
}

// WatchForNewEmails monitors for new emails (blocking). Each message is
// handed to callback once, including the ones fetched before watching began
// when MarkSeen was called for them.
func (m *Monitor) WatchForNewEmails(ctx context.Context, callback func(Email)) error {
	if m.client == nil {
		return fmt.Errorf("not connected to IMAP server")
	}

	if _, err := m.client.Select(m.config.Folder, false); err != nil {
		return fmt.Errorf("failed to select mailbox: %w", err)
	}

	// Buffered: the client blocks on unread updates, and the callback may
	// move messages while IDLE is paused
	updates := make(chan client.Update, 64)
	m.client.Updates = updates

	stop := make(chan struct{})
	idleDone := make(chan error, 1)

	go func() {
		idleDone <- m.client.Idle(stop, nil)
	}()

	m.log.Info().Str("folder", m.config.Folder).Msg("watching for new emails")

	for {
		select {
		case <-ctx.Done():
			close(stop)
			<-idleDone
			return ctx.Err()
		case update := <-updates:
			u, ok := update.(*client.MailboxUpdate)
			if !ok {
				continue
			}
			m.log.Info().Uint32("messages", u.Mailbox.Messages).Msg("new mail detected")

			close(stop)
			<-idleDone

			emails, err := m.FetchRecentEmails(ctx, 1)
			if err != nil {
				m.log.Error().Err(err).Msg("failed to fetch new email")
			}
			for _, email := range emails {
				if m.seen[email.UID] {
					continue
				}
				m.seen[email.UID] = true
				callback(email)
			}

			stop = make(chan struct{})
			go func() {
				idleDone <- m.client.Idle(stop, nil)
			}()
		case err := <-idleDone:
			if err != nil {
				return fmt.Errorf("IDLE error: %w", err)
			}
			return nil
		}
	}
}

// MarkSeen records UIDs already triaged so a later watch skips them
func (m *Monitor) MarkSeen(emails []Email) {
	for _, e := range emails {
		m.seen[e.UID] = true
	}
}

// EnsureFolderExists creates a folder/label if it doesn't already exist
func (m *Monitor) EnsureFolderExists(name string) error {
	if m.client == nil {
		return fmt.Errorf("not connected to IMAP server")
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- m.client.List("", "*", mailboxes)
	}()

	exists := false
	for mbox := range mailboxes {
		if strings.EqualFold(mbox.Name, name) {
			exists = true
		}
	}

	if err := <-done; err != nil {
		return fmt.Errorf("failed to list folders: %w", err)
	}

	if exists {
		return nil
	}

	if err := m.client.Create(name); err != nil {
		return fmt.Errorf("failed to create folder '%s': %w", name, err)
	}

	m.log.Info().Str("folder", name).Msg("created folder")
	return nil
}

// MarkAnswered sets \Answered on the given messages so later runs do not
// reply to them again
func (m *Monitor) MarkAnswered(uids []uint32) error {
	if m.client == nil {
		return fmt.Errorf("not connected to IMAP server")
	}
	if len(uids) == 0 {
		return nil
	}

	if _, err := m.client.Select(m.config.Folder, false); err != nil {
		return fmt.Errorf("failed to select mailbox: %w", err)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.AnsweredFlag}
	if err := m.client.UidStore(seqSet, item, flags, nil); err != nil {
		return fmt.Errorf("failed to flag emails as answered: %w", err)
	}

	m.log.Debug().Int("count", len(uids)).Msg("flagged emails as answered")
	return nil
}

// ArchiveEmails moves multiple emails to the archive folder
func (m *Monitor) ArchiveEmails(uids []uint32, folder string) error {
	if m.client == nil {
		return fmt.Errorf("not connected to IMAP server")
	}

	if len(uids) == 0 {
		return nil
	}

	// Re-select the monitored folder; a watch may have left another selected
	if _, err := m.client.Select(m.config.Folder, false); err != nil {
		return fmt.Errorf("failed to select mailbox: %w", err)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	// Try MOVE first (RFC 6851)
	if err := m.client.UidMove(seqSet, folder); err != nil {
		m.log.Debug().Err(err).Msg("MOVE not supported, falling back to COPY+DELETE")

		if err := m.client.UidCopy(seqSet, folder); err != nil {
			return fmt.Errorf("failed to copy emails to '%s': %w", folder, err)
		}

		item := imap.FormatFlagsOp(imap.AddFlags, true)
		flags := []interface{}{imap.DeletedFlag}
		if err := m.client.UidStore(seqSet, item, flags, nil); err != nil {
			return fmt.Errorf("failed to mark emails as deleted: %w", err)
		}

		if err := m.client.Expunge(nil); err != nil {
			return fmt.Errorf("failed to expunge deleted emails: %w", err)
		}
	}

	m.log.Info().Int("count", len(uids)).Str("folder", folder).Msg("archived emails")
	return nil
}
