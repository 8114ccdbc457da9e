package mail

import (
	"context"
	"errors"
	"fmt"

	domainmail "newsletter_digest/internal/domain/mail"
)

// CourierNotifier sends operational alerts as plain-text mails through a
// Courier. It implements the best-effort notification sink; callers log its
// errors and move on.
type CourierNotifier struct {
	courier    domainmail.Courier
	from       string
	recipients []string
}

func NewCourierNotifier(courier domainmail.Courier, from string, recipients []string) *CourierNotifier {
	return &CourierNotifier{courier: courier, from: from, recipients: recipients}
}

func (n *CourierNotifier) Notify(ctx context.Context, subject, body string) error {
	var errs []error
	for _, to := range n.recipients {
		err := n.courier.Send(ctx, domainmail.Message{
			Subject: subject,
			Text:    body,
			From:    n.from,
			To:      to,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("notifying %s: %w", to, err))
		}
	}
	return errors.Join(errs...)
}

// MultiNotifier fans a notification out to several sinks.
type MultiNotifier []domainmail.Notifier

func (m MultiNotifier) Notify(ctx context.Context, subject, body string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, subject, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
