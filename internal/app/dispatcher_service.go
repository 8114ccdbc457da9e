package app

import (
	"context"
	"errors"
	"fmt"

	"newsletter_digest/internal/domain/digest"
	domainmail "newsletter_digest/internal/domain/mail"
	"newsletter_digest/internal/domain/period"
	"newsletter_digest/internal/domain/subscriber"
	idb "newsletter_digest/internal/infra/database"
	"newsletter_digest/internal/infra/metrics"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DispatchFilter narrows one dispatch pass. The zero value selects every
// sendable reviewed digest.
type DispatchFilter struct {
	DigestID          int64 // 0 means all
	IncludeUnreviewed bool
}

// Skip reasons reported for a directly targeted digest that was not
// dispatched.
const (
	SkipNotFound    = "not found"
	SkipAlreadySent = "already sent"
	SkipNotReviewed = "not reviewed"
)

// DigestReport is the per-digest outcome of a dispatch pass.
type DigestReport struct {
	DigestID   int64
	Number     int
	Kind       period.Kind
	Attempted  int
	Delivered  int
	MarkedSent bool
	Skipped    string
	Err        error
}

// DispatchReport summarizes one dispatch run.
type DispatchReport struct {
	RunID   string
	Results []DigestReport
}

// Failed counts digests whose batch ended in an error.
func (r *DispatchReport) Failed() int {
	failed := 0
	for _, res := range r.Results {
		if res.Err != nil {
			failed++
		}
	}
	return failed
}

// DispatcherService delivers sendable digests to their eligible subscribers,
// recording each success in the delivery ledger so that interrupted runs
// resume without re-sending.
type DispatcherService struct {
	digests     digest.Repository
	subscribers subscriber.Repository
	courier     domainmail.Courier
	notifier    domainmail.Notifier // optional failure side channel
	metrics     metrics.Recorder
	logger      *logrus.Logger
	siteName    string
	fromEmail   string
}

func NewDispatcherService(
	digests digest.Repository,
	subscribers subscriber.Repository,
	courier domainmail.Courier,
	notifier domainmail.Notifier,
	recorder metrics.Recorder,
	logger *logrus.Logger,
	siteName string,
	fromEmail string,
) *DispatcherService {
	return &DispatcherService{
		digests:     digests,
		subscribers: subscribers,
		courier:     courier,
		notifier:    notifier,
		metrics:     recorder,
		logger:      logger,
		siteName:    siteName,
		fromEmail:   fromEmail,
	}
}

// Dispatch runs one delivery pass. A failure inside one digest's batch stops
// that batch, leaves the digest pending and is reported; it never blocks the
// remaining digests. Selecting zero candidates is not an error: a targeted
// digest gets its skip reason in the report, an unfiltered pass returns an
// empty report.
func (s *DispatcherService) Dispatch(ctx context.Context, filter DispatchFilter) (*DispatchReport, error) {
	report := &DispatchReport{RunID: uuid.NewString()}
	log := s.logger.WithField("run_id", report.RunID)

	candidates, err := s.digests.ListSendable(ctx, !filter.IncludeUnreviewed)
	if err != nil {
		return nil, fmt.Errorf("listing sendable digests: %w", err)
	}
	if filter.DigestID != 0 {
		narrowed := candidates[:0]
		for _, d := range candidates {
			if d.ID == filter.DigestID {
				narrowed = append(narrowed, d)
			}
		}
		candidates = narrowed
	}

	if len(candidates) == 0 {
		if filter.DigestID != 0 {
			report.Results = append(report.Results, s.explainSkipped(ctx, filter.DigestID))
		} else {
			log.Info("No digests to send")
		}
		return report, nil
	}

	for _, d := range candidates {
		report.Results = append(report.Results, s.dispatchOne(ctx, d, log))
	}
	return report, nil
}

func (s *DispatcherService) dispatchOne(ctx context.Context, d *digest.Digest, log *logrus.Entry) DigestReport {
	res := DigestReport{DigestID: d.ID, Number: d.Number, Kind: d.Kind}
	log = log.WithFields(logrus.Fields{"kind": d.Kind, "number": d.Number})

	recipients, err := s.subscribers.ListEligible(ctx, d)
	if err != nil {
		res.Err = fmt.Errorf("listing eligible subscribers for digest #%d: %w", d.Number, err)
		s.reportFailure(ctx, d, res.Err, log)
		return res
	}
	log.WithField("subscribers", len(recipients)).Info("Sending newsletter")

	subject := fmt.Sprintf("[%s] Newsletter #%d", s.siteName, d.Number)
	for _, sub := range recipients {
		res.Attempted++
		err := s.courier.Send(ctx, domainmail.Message{
			Subject: subject,
			Text:    d.BodyText,
			HTML:    d.BodyHTML,
			From:    s.fromEmail,
			To:      sub.Email,
		})
		if err != nil {
			res.Err = fmt.Errorf("delivering digest #%d to %s: %w", d.Number, sub.Email, err)
			s.metrics.RecordDeliveryFailure()
			s.reportFailure(ctx, d, res.Err, log)
			return res
		}
		// A duplicate here means the ledger handed us a subscriber that was
		// already recorded mid-pass; treat it as a batch failure rather than
		// silently tolerating it.
		if err := s.digests.RecordDelivery(ctx, d.ID, sub.ID); err != nil {
			res.Err = fmt.Errorf("recording delivery of digest #%d to %s: %w", d.Number, sub.Email, err)
			s.reportFailure(ctx, d, res.Err, log)
			return res
		}
		res.Delivered++
		s.metrics.RecordDeliverySuccess()
		log.WithField("email", sub.Email).Debug("Sent")
	}

	if err := s.digests.MarkSent(ctx, d.ID); err != nil {
		res.Err = fmt.Errorf("marking digest #%d sent: %w", d.Number, err)
		s.reportFailure(ctx, d, res.Err, log)
		return res
	}
	res.MarkedSent = true
	s.metrics.RecordDigestSent()
	log.WithField("delivered", res.Delivered).Info("Newsletter fully sent")
	return res
}

func (s *DispatcherService) reportFailure(ctx context.Context, d *digest.Digest, cause error, log *logrus.Entry) {
	log.WithError(cause).Error("Newsletter batch stopped; digest stays pending")
	if s.notifier == nil {
		return
	}
	subject := fmt.Sprintf("[%s] Error sending newsletter #%d", s.siteName, d.Number)
	if err := s.notifier.Notify(ctx, subject, cause.Error()); err != nil {
		log.WithError(err).Warn("Failure notification could not be delivered")
	}
}

func (s *DispatcherService) explainSkipped(ctx context.Context, id int64) DigestReport {
	d, err := s.digests.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, idb.ErrDigestNotFound) {
			return DigestReport{DigestID: id, Skipped: SkipNotFound}
		}
		return DigestReport{DigestID: id, Err: err}
	}
	res := DigestReport{DigestID: d.ID, Number: d.Number, Kind: d.Kind}
	switch {
	case !d.Pending:
		res.Skipped = SkipAlreadySent
	default:
		res.Skipped = SkipNotReviewed
	}
	return res
}
