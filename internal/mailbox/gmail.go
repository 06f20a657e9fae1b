package mailbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"payout-sheet-sync/internal/config"
)

const mimeTextPlain = "text/plain"

// GmailSource implements Source using the Gmail API
type GmailSource struct {
	service          *gmail.Service
	userID           string
	query            string
	includeSpamTrash bool
}

// NewGmailSource creates a Gmail API source. Credentials are passed in opts.
func NewGmailSource(ctx context.Context, cfg *config.GmailConfig, opts ...option.ClientOption) (*GmailSource, error) {
	service, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return &GmailSource{
		service:          service,
		userID:           cfg.UserID,
		query:            cfg.Query,
		includeSpamTrash: cfg.IncludeSpamTrash,
	}, nil
}

// List runs the payout query. Only the first result page is used.
func (s *GmailSource) List(ctx context.Context) ([]MessageRef, error) {
	resp, err := s.service.Users.Messages.List(s.userID).
		Q(s.query).
		IncludeSpamTrash(s.includeSpamTrash).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrListing, err)
	}

	if resp.NextPageToken != "" {
		logrus.Warnf("Query %q matched more than one page, only the first %d messages are processed", s.query, len(resp.Messages))
	}

	refs := make([]MessageRef, 0, len(resp.Messages))
	for _, msg := range resp.Messages {
		refs = append(refs, MessageRef{ID: msg.Id, ThreadID: msg.ThreadId})
	}
	return refs, nil
}

// Body fetches the full message and decodes its plain text body
func (s *GmailSource) Body(ctx context.Context, id string) (string, error) {
	msg, err := s.service.Users.Messages.Get(s.userID, id).Format("full").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("%w %s: %v", ErrFetch, id, err)
	}
	return DecodeBody(msg.Payload)
}

// Close is a no-op for the Gmail API
func (s *GmailSource) Close() error {
	return nil
}

// DecodeBody picks the text of a Gmail payload. A multipart payload yields its
// first direct text/plain part, or an empty string when there is none; a
// single part payload yields its own body. Nested multiparts are not searched.
func DecodeBody(payload *gmail.MessagePart) (string, error) {
	if payload == nil {
		return "", nil
	}

	var data string
	if len(payload.Parts) > 0 {
		for _, part := range payload.Parts {
			if part.MimeType == mimeTextPlain {
				if part.Body != nil {
					data = part.Body.Data
				}
				break
			}
		}
	} else if payload.Body != nil {
		data = payload.Body.Data
	}

	decoded, err := decodeData(data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecode, err)
	}

	if !utf8.Valid(decoded) {
		return "", fmt.Errorf("%w: body is not valid UTF-8", ErrDecode)
	}

	return string(decoded), nil
}

// decodeData decodes base64url body data. Gmail may omit the padding, but
// padding that is present must be exactly what the length requires.
func decodeData(data string) ([]byte, error) {
	if strings.Contains(data, "=") {
		return base64.URLEncoding.DecodeString(data)
	}
	return base64.RawURLEncoding.DecodeString(data)
}
