package subscriber

import (
	"context"

	"newsletter_digest/internal/domain/digest"
)

// Repository reads the subscriber directory.
type Repository interface {
	// ListEligible returns the subscribers still owed the given digest:
	// confirmed, matching its period kind, subscribed before the digest was
	// created, and without a delivery record for it. The slice is a snapshot
	// in stable (email) order; one dispatch pass iterates it exactly once.
	ListEligible(ctx context.Context, d *digest.Digest) ([]*Subscriber, error)
}
