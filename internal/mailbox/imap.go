package mailbox

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/sirupsen/logrus"

	"payout-sheet-sync/internal/config"
)

// IMAPSource implements Source over IMAP. Message ids have the form
// "<uid>@<mailbox>" since UIDs are only unique within one mailbox.
type IMAPSource struct {
	client    *client.Client
	mailboxes []string
	selected  string
	subject   string
	from      string
}

// NewIMAPSource connects and logs in to the IMAP server
func NewIMAPSource(cfg *config.GmailConfig) (*IMAPSource, error) {
	c, err := client.DialTLS(fmt.Sprintf("%s:%d", cfg.IMAPHost, cfg.IMAPPort), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	if err := c.Login(cfg.IMAPUser, cfg.IMAPPassword); err != nil {
		c.Logout()
		return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	return &IMAPSource{
		client:    c,
		mailboxes: SearchMailboxes(cfg),
		subject:   cfg.IMAPSubject,
		from:      cfg.IMAPFrom,
	}, nil
}

// SearchMailboxes returns the mailboxes to search. Gmail keeps spam and trash
// out of All Mail, so they are added when include_spam_trash is set.
func SearchMailboxes(cfg *config.GmailConfig) []string {
	boxes := []string{cfg.IMAPMailbox}
	if cfg.IncludeSpamTrash {
		for _, box := range []string{cfg.IMAPSpamMailbox, cfg.IMAPTrashMailbox} {
			if box != "" {
				boxes = append(boxes, box)
			}
		}
	}
	return boxes
}

// List searches every mailbox by subject and sender
func (s *IMAPSource) List(ctx context.Context) ([]MessageRef, error) {
	var refs []MessageRef
	for _, box := range s.mailboxes {
		if err := s.selectMailbox(box); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrListing, err)
		}

		uids, err := s.client.UidSearch(SearchCriteria(s.subject, s.from))
		if err != nil {
			return nil, fmt.Errorf("%w: search %s: %v", ErrListing, box, err)
		}

		for _, uid := range uids {
			refs = append(refs, MessageRef{ID: MessageID(box, uid)})
		}
	}
	return refs, nil
}

func (s *IMAPSource) selectMailbox(box string) error {
	if s.selected == box {
		return nil
	}
	if _, err := s.client.Select(box, true); err != nil {
		return fmt.Errorf("failed to select %s: %w", box, err)
	}
	s.selected = box
	return nil
}

// MessageID joins a UID and its mailbox into a message id
func MessageID(mailbox string, uid uint32) string {
	return strconv.FormatUint(uint64(uid), 10) + "@" + mailbox
}

// ParseMessageID splits a message id built by MessageID
func ParseMessageID(id string) (string, uint32, error) {
	uidText, mailbox, ok := strings.Cut(id, "@")
	if !ok || mailbox == "" {
		return "", 0, fmt.Errorf("missing mailbox")
	}
	uid, err := strconv.ParseUint(uidText, 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("invalid uid: %w", err)
	}
	return mailbox, uint32(uid), nil
}

// SearchCriteria builds the payout filter
func SearchCriteria(subject, from string) *imap.SearchCriteria {
	criteria := imap.NewSearchCriteria()
	if subject != "" {
		criteria.Header.Add("Subject", subject)
	}
	if from != "" {
		criteria.Header.Add("From", from)
	}
	return criteria
}

// Body fetches one message by id and returns its plain text body
func (s *IMAPSource) Body(ctx context.Context, id string) (string, error) {
	mailbox, uid, err := ParseMessageID(id)
	if err != nil {
		return "", fmt.Errorf("%w %s: %v", ErrFetch, id, err)
	}
	if err := s.selectMailbox(mailbox); err != nil {
		return "", fmt.Errorf("%w %s: %v", ErrFetch, id, err)
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	section := &imap.BodySectionName{Peek: true}
	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)

	go func() {
		done <- s.client.UidFetch(seqset, []imap.FetchItem{section.FetchItem()}, messages)
	}()

	var body io.Reader
	for msg := range messages {
		if r := msg.GetBody(section); r != nil {
			body = r
		}
	}

	if err := <-done; err != nil {
		return "", fmt.Errorf("%w %s: %v", ErrFetch, id, err)
	}
	if body == nil {
		return "", fmt.Errorf("%w %s: message not found", ErrFetch, id)
	}

	return PlainTextBody(body)
}

// Close logs out of the IMAP server
func (s *IMAPSource) Close() error {
	return s.client.Logout()
}

// PlainTextBody reads an RFC 5322 message and returns the first top-level
// text/plain part of a multipart message, or the body of a single part one.
// A multipart message with no text/plain part yields an empty string.
func PlainTextBody(r io.Reader) (string, error) {
	entity, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return "", fmt.Errorf("%w: %v", ErrDecode, err)
	}

	if mr := entity.MultipartReader(); mr != nil {
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				return "", nil
			}
			if err != nil && !message.IsUnknownCharset(err) {
				return "", fmt.Errorf("%w: failed to read part: %v", ErrDecode, err)
			}

			mediaType, _, err := p.Header.ContentType()
			if err != nil {
				logrus.Debugf("Skipping part with unparsable content type: %v", err)
				continue
			}
			if mediaType == mimeTextPlain {
				return readAll(p.Body)
			}
		}
	}

	return readAll(entity.Body)
}

func readAll(r io.Reader) (string, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return string(content), nil
}
