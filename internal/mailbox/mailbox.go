// Package mailbox lists payout notification emails and decodes their bodies.
package mailbox

import (
	"context"
	"errors"
)

var (
	// ErrListing marks a failed mailbox query. It aborts the run.
	ErrListing = errors.New("failed to list messages")
	// ErrFetch marks a failure retrieving a single message
	ErrFetch = errors.New("failed to fetch message")
	// ErrDecode marks a message body that is not valid base64url or UTF-8
	ErrDecode = errors.New("failed to decode message body")
)

// MessageRef identifies one message in the mailbox
type MessageRef struct {
	ID       string
	ThreadID string
}

// Source is a queryable message store
type Source interface {
	// List returns the messages matching the payout filter, in mailbox order
	List(ctx context.Context) ([]MessageRef, error)
	// Body returns the decoded plain text body of one message
	Body(ctx context.Context, id string) (string, error)
	Close() error
}
