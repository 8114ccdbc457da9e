package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"newsletter_digest/internal/domain/digest"
	domainmail "newsletter_digest/internal/domain/mail"
	"newsletter_digest/internal/domain/period"
	idb "newsletter_digest/internal/infra/database"
	"newsletter_digest/internal/infra/metrics"

	"github.com/sirupsen/logrus"
)

// Aggregator turns an aggregation window into named content sections. It is
// injected by the calling code at startup and may query its own stores; for
// identical windows it must be idempotent.
type Aggregator interface {
	Aggregate(ctx context.Context, from, to time.Time) (map[string]any, error)
}

// AggregatorFunc adapts a plain function to Aggregator.
type AggregatorFunc func(ctx context.Context, from, to time.Time) (map[string]any, error)

func (f AggregatorFunc) Aggregate(ctx context.Context, from, to time.Time) (map[string]any, error) {
	return f(ctx, from, to)
}

// Renderer materializes a named template with the given data.
type Renderer interface {
	Render(name string, data map[string]any) (string, error)
}

// Outcome classifies the result of one generation run.
type Outcome string

const (
	OutcomeCreated       Outcome = "created"
	OutcomeAlreadyExists Outcome = "already-exists"
	OutcomeNoContent     Outcome = "no-content"
)

// GenerateResult reports what a generation run did. Digest is nil only for
// OutcomeNoContent.
type GenerateResult struct {
	Outcome Outcome
	Digest  *digest.Digest
}

// GeneratorService builds digests: it computes the period window, collects
// content, renders the bodies and persists the numbered digest.
type GeneratorService struct {
	digests    digest.Repository
	aggregator Aggregator
	renderer   Renderer
	notifier   domainmail.Notifier // optional reviewer side channel
	metrics    metrics.Recorder
	logger     *logrus.Logger
	siteName   string
	adminLink  string
	now        func() time.Time
}

func NewGeneratorService(
	digests digest.Repository,
	aggregator Aggregator,
	renderer Renderer,
	notifier domainmail.Notifier,
	recorder metrics.Recorder,
	logger *logrus.Logger,
	siteName string,
	adminLink string,
) *GeneratorService {
	return &GeneratorService{
		digests:    digests,
		aggregator: aggregator,
		renderer:   renderer,
		notifier:   notifier,
		metrics:    recorder,
		logger:     logger,
		siteName:   siteName,
		adminLink:  adminLink,
		now:        time.Now,
	}
}

// Generate creates the digest for the window preceding today, if any content
// exists for it. Without regenerate an existing digest for the window is
// returned untouched. With regenerate the existing digest is deleted first,
// which also drops its delivery records: previously reached recipients will
// receive the regenerated digest again. The regenerated digest keeps the old
// pending flag but always takes a fresh number.
func (s *GeneratorService) Generate(ctx context.Context, kind period.Kind, regenerate bool) (*GenerateResult, error) {
	from, to, err := period.WindowFor(kind, s.now())
	if err != nil {
		return nil, err
	}
	log := s.logger.WithFields(logrus.Fields{
		"kind":         kind,
		"window_start": from.Format("2006-01-02"),
	})

	sections, err := s.aggregator.Aggregate(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("aggregating content for %s window starting %s: %w", kind, from.Format("2006-01-02"), err)
	}
	sections = pruneEmptySections(sections)
	if len(sections) == 0 {
		log.Info("No content for window, no digest created")
		s.metrics.RecordGenerationSkipped("no_content")
		return &GenerateResult{Outcome: OutcomeNoContent}, nil
	}

	pending := true
	minNumber := 1
	existing, err := s.digests.Find(ctx, kind, from)
	if err != nil && !errors.Is(err, idb.ErrDigestNotFound) {
		return nil, fmt.Errorf("looking up digest for %s window starting %s: %w", kind, from.Format("2006-01-02"), err)
	}
	if existing != nil {
		if !regenerate {
			log.WithField("number", existing.Number).Info("Digest already generated for window")
			s.metrics.RecordGenerationSkipped("already_exists")
			return &GenerateResult{Outcome: OutcomeAlreadyExists, Digest: existing}, nil
		}
		pending = existing.Pending
		minNumber = existing.Number + 1
		if err := s.digests.Delete(ctx, existing.ID); err != nil {
			return nil, fmt.Errorf("deleting digest #%d for regeneration: %w", existing.Number, err)
		}
		log.WithField("number", existing.Number).Warn("Regenerating digest; its delivery history was discarded")
	}

	number, err := s.digests.NextNumber(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("reserving digest number for %s: %w", kind, err)
	}
	// After deleting the period's highest digest, max+1 would hand the same
	// number back out; regeneration must consume a fresh one.
	if number < minNumber {
		number = minNumber
	}

	data := map[string]any{
		"site":     s.siteName,
		"number":   number,
		"period":   string(kind),
		"from":     from.Format("2006-01-02"),
		"to":       to.Format("2006-01-02"),
		"sections": sections,
	}
	bodyText, err := s.renderer.Render("newsletter_email.txt", data)
	if err != nil {
		return nil, fmt.Errorf("rendering text body for %s digest #%d: %w", kind, number, err)
	}
	bodyHTML, err := s.renderer.Render("newsletter_email.html", data)
	if err != nil {
		return nil, fmt.Errorf("rendering html body for %s digest #%d: %w", kind, number, err)
	}

	d := &digest.Digest{
		Kind:        kind,
		Number:      number,
		WindowStart: from,
		BodyText:    bodyText,
		BodyHTML:    bodyHTML,
		Pending:     pending,
	}
	if err := s.digests.Create(ctx, d); err != nil {
		if errors.Is(err, idb.ErrDuplicateWindow) || errors.Is(err, idb.ErrDuplicateNumber) {
			// Lost a race against a concurrent generation run. A duplicate
			// number means both runs reserved the same value before either
			// committed, which only happens for the same window.
			winner, ferr := s.digests.Find(ctx, kind, from)
			if ferr != nil {
				return nil, fmt.Errorf("digest creation conflicted but winner not found: %w", err)
			}
			log.WithField("number", winner.Number).Info("Concurrent run already generated this window")
			s.metrics.RecordGenerationSkipped("already_exists")
			return &GenerateResult{Outcome: OutcomeAlreadyExists, Digest: winner}, nil
		}
		return nil, fmt.Errorf("creating %s digest #%d: %w", kind, number, err)
	}

	log.WithField("number", d.Number).Info("Digest generated")
	s.metrics.RecordDigestGenerated(string(kind))
	s.notifyReviewer(ctx, d)
	return &GenerateResult{Outcome: OutcomeCreated, Digest: d}, nil
}

// notifyReviewer is best-effort: a notification failure never fails the
// generation that triggered it.
func (s *GeneratorService) notifyReviewer(ctx context.Context, d *digest.Digest) {
	if s.notifier == nil {
		return
	}
	body, err := s.renderer.Render("reviewer_email.txt", map[string]any{
		"site":       s.siteName,
		"number":     d.Number,
		"period":     string(d.Kind),
		"admin_link": s.adminLink,
	})
	if err != nil {
		s.logger.WithError(err).Warn("Could not render reviewer notification")
		return
	}
	subject := fmt.Sprintf("[%s] Newsletter #%d ready to be reviewed", s.siteName, d.Number)
	if err := s.notifier.Notify(ctx, subject, body); err != nil {
		s.logger.WithError(err).WithField("number", d.Number).Warn("Reviewer notification failed")
	}
}

func pruneEmptySections(sections map[string]any) map[string]any {
	pruned := make(map[string]any, len(sections))
	for name, value := range sections {
		if !isEmptySection(value) {
			pruned[name] = value
		}
	}
	return pruned
}

func isEmptySection(value any) bool {
	if value == nil {
		return true
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Ptr, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
