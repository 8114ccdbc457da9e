package digest

import (
	"time"

	"newsletter_digest/internal/domain/period"
)

// Digest is one generated newsletter issue covering one period window.
// Numbers are unique and strictly increasing within a period kind and are
// never reused, even across regeneration.
type Digest struct {
	ID          int64
	Kind        period.Kind
	Number      int
	WindowStart time.Time // first day of the aggregation window
	BodyText    string
	BodyHTML    string
	Reviewed    bool
	Pending     bool // still has sendings outstanding
	CreatedAt   time.Time
}

// DeliveryRecord marks one confirmed successful delivery of a digest to one
// subscriber. At most one record exists per (digest, subscriber) pair; this
// row, not any transport-level idempotency, is what deduplicates sends.
// Records are owned by their digest and are deleted with it.
type DeliveryRecord struct {
	ID           int64
	DigestID     int64
	SubscriberID int64
	SentAt       time.Time
}
