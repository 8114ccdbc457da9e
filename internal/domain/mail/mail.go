package mail

import "context"

// Message is one fully-prepared outbound email with both plain-text and
// HTML alternatives.
type Message struct {
	Subject string
	Text    string
	HTML    string
	From    string
	To      string
}

// Courier delivers a single message to a single address. Implementations
// report success or failure; callers own retry policy. This decouples the
// dispatch loop from the concrete mail transport.
type Courier interface {
	Send(ctx context.Context, msg Message) error
}

// Notifier is a best-effort side channel for operational alerts such as
// "digest ready for review" and dispatch failures. Callers log its errors
// and never escalate them.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}
