package app

// In-memory repositories and collaborator stubs shared by the generator and
// dispatcher tests.

import (
	"context"
	"fmt"
	"sort"
	"time"

	"newsletter_digest/internal/domain/digest"
	domainmail "newsletter_digest/internal/domain/mail"
	"newsletter_digest/internal/domain/period"
	"newsletter_digest/internal/domain/subscriber"
	idb "newsletter_digest/internal/infra/database"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month() && a.Day() == b.Day()
}

type deliveryKey struct {
	digestID     int64
	subscriberID int64
}

type memDigestRepo struct {
	nextID     int64
	digests    map[int64]*digest.Digest
	deliveries map[deliveryKey]time.Time
	now        func() time.Time

	createErr   error
	createHook  func(*digest.Digest) error
	markSentErr error
	recordErr   error
}

func newMemDigestRepo() *memDigestRepo {
	return &memDigestRepo{
		digests:    make(map[int64]*digest.Digest),
		deliveries: make(map[deliveryKey]time.Time),
		now:        time.Now,
	}
}

func (m *memDigestRepo) Find(_ context.Context, kind period.Kind, windowStart time.Time) (*digest.Digest, error) {
	for _, d := range m.digests {
		if d.Kind == kind && sameDay(d.WindowStart, windowStart) {
			return d, nil
		}
	}
	return nil, idb.ErrDigestNotFound
}

func (m *memDigestRepo) FindByID(_ context.Context, id int64) (*digest.Digest, error) {
	d, ok := m.digests[id]
	if !ok {
		return nil, idb.ErrDigestNotFound
	}
	return d, nil
}

func (m *memDigestRepo) NextNumber(_ context.Context, kind period.Kind) (int, error) {
	max := 0
	for _, d := range m.digests {
		if d.Kind == kind && d.Number > max {
			max = d.Number
		}
	}
	return max + 1, nil
}

func (m *memDigestRepo) Create(ctx context.Context, d *digest.Digest) error {
	if m.createErr != nil {
		return m.createErr
	}
	if m.createHook != nil {
		if err := m.createHook(d); err != nil {
			return err
		}
	}
	if _, err := m.Find(ctx, d.Kind, d.WindowStart); err == nil {
		return idb.ErrDuplicateWindow
	}
	if d.Number == 0 {
		number, _ := m.NextNumber(ctx, d.Kind)
		d.Number = number
	}
	m.nextID++
	d.ID = m.nextID
	d.CreatedAt = m.now()
	m.digests[d.ID] = d
	return nil
}

func (m *memDigestRepo) Delete(_ context.Context, id int64) error {
	if _, ok := m.digests[id]; !ok {
		return idb.ErrDigestNotFound
	}
	delete(m.digests, id)
	for key := range m.deliveries {
		if key.digestID == id {
			delete(m.deliveries, key)
		}
	}
	return nil
}

func (m *memDigestRepo) ListSendable(_ context.Context, onlyReviewed bool) ([]*digest.Digest, error) {
	out := make([]*digest.Digest, 0)
	for _, d := range m.digests {
		if !d.Pending {
			continue
		}
		if onlyReviewed && !d.Reviewed {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Number < out[j].Number
	})
	return out, nil
}

func (m *memDigestRepo) List(_ context.Context, onlyPending bool) ([]*digest.Digest, error) {
	out := make([]*digest.Digest, 0)
	for _, d := range m.digests {
		if onlyPending && !d.Pending {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].WindowStart.Equal(out[j].WindowStart) {
			return out[i].WindowStart.Before(out[j].WindowStart)
		}
		return out[i].Number < out[j].Number
	})
	return out, nil
}

func (m *memDigestRepo) MarkSent(_ context.Context, id int64) error {
	if m.markSentErr != nil {
		return m.markSentErr
	}
	d, ok := m.digests[id]
	if !ok {
		return idb.ErrDigestNotFound
	}
	d.Pending = false
	return nil
}

func (m *memDigestRepo) MarkReviewed(_ context.Context, id int64) error {
	d, ok := m.digests[id]
	if !ok {
		return idb.ErrDigestNotFound
	}
	d.Reviewed = true
	return nil
}

func (m *memDigestRepo) RecordDelivery(_ context.Context, digestID, subscriberID int64) error {
	if m.recordErr != nil {
		return m.recordErr
	}
	key := deliveryKey{digestID, subscriberID}
	if _, ok := m.deliveries[key]; ok {
		return idb.ErrDeliveryAlreadyRecorded
	}
	m.deliveries[key] = m.now()
	return nil
}

func (m *memDigestRepo) hasDelivery(digestID, subscriberID int64) bool {
	_, ok := m.deliveries[deliveryKey{digestID, subscriberID}]
	return ok
}

type memSubscriberRepo struct {
	subs    []*subscriber.Subscriber
	digests *memDigestRepo
	listErr error
}

func (m *memSubscriberRepo) ListEligible(_ context.Context, d *digest.Digest) ([]*subscriber.Subscriber, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]*subscriber.Subscriber, 0)
	for _, s := range m.subs {
		if s.Kind != d.Kind || !s.Confirmed || s.SubscribedAt.After(d.CreatedAt) {
			continue
		}
		if m.digests.hasDelivery(d.ID, s.ID) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

// stubRenderer renders a deterministic one-line body.
type stubRenderer struct {
	err error
}

func (r *stubRenderer) Render(name string, data map[string]any) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	return fmt.Sprintf("%s #%v", name, data["number"]), nil
}

// recordingNotifier captures every alert it is given.
type recordingNotifier struct {
	subjects []string
	err      error
}

func (n *recordingNotifier) Notify(_ context.Context, subject, _ string) error {
	n.subjects = append(n.subjects, subject)
	return n.err
}

// countingMetrics tallies recorder calls.
type countingMetrics struct {
	generated       int
	skipped         int
	deliverySuccess int
	deliveryFailure int
	digestsSent     int
}

func (m *countingMetrics) RecordDigestGenerated(string)   { m.generated++ }
func (m *countingMetrics) RecordGenerationSkipped(string) { m.skipped++ }
func (m *countingMetrics) RecordDeliverySuccess()         { m.deliverySuccess++ }
func (m *countingMetrics) RecordDeliveryFailure()         { m.deliveryFailure++ }
func (m *countingMetrics) RecordDigestSent()              { m.digestsSent++ }

// stubCourier records recipients in delivery order and can fail on chosen
// addresses.
type stubCourier struct {
	sent   []string
	failOn map[string]error
}

func (c *stubCourier) Send(_ context.Context, msg domainmail.Message) error {
	if err, ok := c.failOn[msg.To]; ok {
		return err
	}
	c.sent = append(c.sent, msg.To)
	return nil
}
