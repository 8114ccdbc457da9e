package digest

import (
	"context"
	"time"

	"newsletter_digest/internal/domain/period"
)

// Repository defines persistence for digests and their delivery records.
type Repository interface {
	// Find returns the digest for the given kind and window start day.
	Find(ctx context.Context, kind period.Kind, windowStart time.Time) (*Digest, error)
	FindByID(ctx context.Context, id int64) (*Digest, error)

	// NextNumber returns one more than the highest existing number for the
	// kind, or 1 when none exist. Implementations must serialize it against
	// concurrent Create calls for the same kind.
	NextNumber(ctx context.Context, kind period.Kind) (int, error)

	// Create persists a new digest, assigning its Number via NextNumber when
	// it is zero. It fails with ErrDuplicateWindow when a digest already
	// exists for the (kind, windowStart) pair.
	Create(ctx context.Context, d *Digest) error

	// Delete removes a digest and cascades its delivery records.
	Delete(ctx context.Context, id int64) error

	// ListSendable returns digests with pending sendings, optionally limited
	// to reviewed ones, in stable order.
	ListSendable(ctx context.Context, onlyReviewed bool) ([]*Digest, error)

	// List returns digests for display, optionally limited to pending ones.
	List(ctx context.Context, onlyPending bool) ([]*Digest, error)

	MarkSent(ctx context.Context, id int64) error
	MarkReviewed(ctx context.Context, id int64) error

	// RecordDelivery inserts a delivery record for the pair, failing with
	// ErrDeliveryAlreadyRecorded when one exists.
	RecordDelivery(ctx context.Context, digestID, subscriberID int64) error
}
