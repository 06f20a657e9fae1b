package pipeline

import (
	"fmt"
	"io"
)

// Reporter prints one console line per terminal outcome
type Reporter struct {
	out io.Writer
}

// NewReporter creates a reporter writing to out
func NewReporter(out io.Writer) *Reporter {
	return &Reporter{out: out}
}

// NoMatches reports an empty mailbox query
func (r *Reporter) NoMatches() {
	fmt.Fprintln(r.out, "No matching emails found.")
}

// Outcome reports the result for one message
func (r *Reporter) Outcome(o Outcome) {
	switch o.Status {
	case StatusAppended:
		fmt.Fprintf(r.out, "Added: %s at %s\n", o.Record.ItemName, o.Record.SalePrice)
	case StatusDuplicate:
		fmt.Fprintf(r.out, "Duplicate skipped: %s at %s\n", o.Record.ItemName, o.Record.SalePrice)
	case StatusFailed:
		fmt.Fprintf(r.out, "Error processing email %s: %v\n", o.MessageID, o.Err)
	}
}
