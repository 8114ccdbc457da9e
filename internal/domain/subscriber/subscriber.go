package subscriber

import (
	"time"

	"newsletter_digest/internal/domain/period"
)

// Subscriber is one confirmed or unconfirmed newsletter subscription. The
// engine treats subscribers as read-only input: sign-up, confirmation and
// unsubscription are handled elsewhere.
type Subscriber struct {
	ID           int64
	Email        string
	Kind         period.Kind
	Confirmed    bool
	SubscribedAt time.Time
}
