package period

import (
	"fmt"
	"time"
)

// Kind is the cadence of a newsletter digest. It governs both window
// computation and subscriber matching.
type Kind string

const (
	Daily   Kind = "daily"
	Weekly  Kind = "weekly"
	Monthly Kind = "monthly"
)

// Kinds lists every known kind in display order.
var Kinds = []Kind{Daily, Weekly, Monthly}

// ErrUnknownKind is returned for any kind outside Daily/Weekly/Monthly.
var ErrUnknownKind = fmt.Errorf("unknown period kind")

func (k Kind) Valid() bool {
	switch k {
	case Daily, Weekly, Monthly:
		return true
	}
	return false
}

func (k Kind) String() string {
	return string(k)
}

// WindowFor computes the aggregation window for a digest generated on
// reference day:
//
//   - Daily: the full calendar day before the reference date.
//   - Weekly: the most recently completed Monday-Sunday week.
//   - Monthly: the full calendar month before the month containing the
//     reference date.
//
// from is the first instant of the window, to its last second (window end
// minus one second). Results carry the reference's location.
func WindowFor(kind Kind, reference time.Time) (from, to time.Time, err error) {
	midnight := time.Date(reference.Year(), reference.Month(), reference.Day(), 0, 0, 0, 0, reference.Location())

	switch kind {
	case Daily:
		from = midnight.AddDate(0, 0, -1)
		to = from.AddDate(0, 0, 1).Add(-time.Second)
	case Weekly:
		// Weekday is Sunday-based; shift so Monday is 0.
		weekday := (int(reference.Weekday()) + 6) % 7
		from = midnight.AddDate(0, 0, -(weekday + 7))
		to = from.AddDate(0, 0, 7).Add(-time.Second)
	case Monthly:
		firstOfCurrent := time.Date(reference.Year(), reference.Month(), 1, 0, 0, 0, 0, reference.Location())
		from = firstOfCurrent.AddDate(0, -1, 0)
		to = firstOfCurrent.Add(-time.Second)
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return from, to, nil
}
