package store

import "fmt"

const ticketNumberPad = 3

// FormatTicketCode builds the citizen-facing code for a ticket, e.g.
// prefix REV with sequence 5 yields REV-005. Sequence numbers beyond the
// pad width keep all their digits (REV-1234).
func FormatTicketCode(prefix string, seq int) string {
	return fmt.Sprintf("%s-%0*d", prefix, ticketNumberPad, seq)
}
