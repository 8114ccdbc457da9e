package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"newsletter_digest/internal/domain/digest"
	"newsletter_digest/internal/domain/period"
	"newsletter_digest/internal/domain/subscriber"
	"newsletter_digest/internal/infra/metrics"
)

type dispatchFixture struct {
	repo     *memDigestRepo
	subs     *memSubscriberRepo
	courier  *stubCourier
	notifier *recordingNotifier
	svc      *DispatcherService
}

func newDispatchFixture() *dispatchFixture {
	repo := newMemDigestRepo()
	repo.now = func() time.Time { return testNow }
	subs := &memSubscriberRepo{digests: repo}
	courier := &stubCourier{failOn: map[string]error{}}
	notifier := &recordingNotifier{}
	svc := NewDispatcherService(repo, subs, courier, notifier, metrics.Noop{}, testLogger(), "Example", "news@example.com")
	return &dispatchFixture{repo: repo, subs: subs, courier: courier, notifier: notifier, svc: svc}
}

func (f *dispatchFixture) addDigest(kind period.Kind, number int, reviewed, pending bool) *digest.Digest {
	d := &digest.Digest{
		Kind:        kind,
		Number:      number,
		WindowStart: testNow.AddDate(0, 0, -7*number),
		BodyText:    "text",
		BodyHTML:    "<p>html</p>",
		Reviewed:    reviewed,
		Pending:     pending,
	}
	if err := f.repo.Create(context.Background(), d); err != nil {
		panic(err)
	}
	return d
}

func (f *dispatchFixture) addSubscriber(id int64, email string, kind period.Kind) *subscriber.Subscriber {
	s := &subscriber.Subscriber{
		ID:           id,
		Email:        email,
		Kind:         kind,
		Confirmed:    true,
		SubscribedAt: testNow.AddDate(0, -1, 0),
	}
	f.subs.subs = append(f.subs.subs, s)
	return s
}

func TestDispatchDeliversAndMarksSent(t *testing.T) {
	f := newDispatchFixture()
	d := f.addDigest(period.Weekly, 1, true, true)
	f.addSubscriber(1, "alice@example.com", period.Weekly)
	f.addSubscriber(2, "bob@example.com", period.Weekly)

	report, err := f.svc.Dispatch(context.Background(), DispatchFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Failed() != 0 {
		t.Fatalf("failed = %d, want 0", report.Failed())
	}
	if len(report.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(report.Results))
	}
	res := report.Results[0]
	if res.Delivered != 2 || !res.MarkedSent {
		t.Errorf("delivered = %d markedSent = %v, want 2 and true", res.Delivered, res.MarkedSent)
	}
	if !f.repo.hasDelivery(d.ID, 1) || !f.repo.hasDelivery(d.ID, 2) {
		t.Error("every delivery should be recorded")
	}
	if f.repo.digests[d.ID].Pending {
		t.Error("fully delivered digest should no longer be pending")
	}
	if got := []string{"alice@example.com", "bob@example.com"}; len(f.courier.sent) != 2 || f.courier.sent[0] != got[0] || f.courier.sent[1] != got[1] {
		t.Errorf("sent = %v, want %v", f.courier.sent, got)
	}
}

func TestDispatchStopsBatchOnFirstFailure(t *testing.T) {
	f := newDispatchFixture()
	d := f.addDigest(period.Weekly, 1, true, true)
	f.addSubscriber(1, "alice@example.com", period.Weekly)
	f.addSubscriber(2, "bob@example.com", period.Weekly)
	f.addSubscriber(3, "carol@example.com", period.Weekly)
	f.courier.failOn["bob@example.com"] = errors.New("mailbox full")

	report, err := f.svc.Dispatch(context.Background(), DispatchFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Failed() != 1 {
		t.Fatalf("failed = %d, want 1", report.Failed())
	}
	res := report.Results[0]
	if res.Delivered != 1 {
		t.Errorf("delivered = %d, want 1 before the failure", res.Delivered)
	}
	if res.MarkedSent {
		t.Error("partially delivered digest must not be marked sent")
	}
	if !f.repo.hasDelivery(d.ID, 1) {
		t.Error("successful delivery before the failure should be recorded")
	}
	if f.repo.hasDelivery(d.ID, 2) || f.repo.hasDelivery(d.ID, 3) {
		t.Error("the failed and unreached recipients must not be recorded")
	}
	if !f.repo.digests[d.ID].Pending {
		t.Error("digest should stay pending after a batch failure")
	}
	if len(f.notifier.subjects) != 1 {
		t.Fatalf("failure notifications = %d, want 1", len(f.notifier.subjects))
	}
	if want := "[Example] Error sending newsletter #1"; f.notifier.subjects[0] != want {
		t.Errorf("notification subject = %q, want %q", f.notifier.subjects[0], want)
	}
}

func TestDispatchFailureDoesNotBlockOtherDigests(t *testing.T) {
	f := newDispatchFixture()
	broken := f.addDigest(period.Daily, 3, true, true)
	healthy := f.addDigest(period.Weekly, 1, true, true)
	f.addSubscriber(1, "daily@example.com", period.Daily)
	f.addSubscriber(2, "weekly@example.com", period.Weekly)
	f.courier.failOn["daily@example.com"] = errors.New("connection refused")

	report, err := f.svc.Dispatch(context.Background(), DispatchFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(report.Results))
	}
	if report.Failed() != 1 {
		t.Fatalf("failed = %d, want 1", report.Failed())
	}
	if !f.repo.digests[broken.ID].Pending {
		t.Error("failed digest should stay pending")
	}
	if f.repo.digests[healthy.ID].Pending {
		t.Error("the other digest should still go out and be marked sent")
	}
}

func TestDispatchResumesWithoutResending(t *testing.T) {
	f := newDispatchFixture()
	d := f.addDigest(period.Weekly, 1, true, true)
	f.addSubscriber(1, "alice@example.com", period.Weekly)
	f.addSubscriber(2, "bob@example.com", period.Weekly)
	f.courier.failOn["bob@example.com"] = errors.New("transient")

	if report, err := f.svc.Dispatch(context.Background(), DispatchFilter{}); err != nil || report.Failed() != 1 {
		t.Fatalf("first pass: err = %v failed = %d, want nil and 1", err, report.Failed())
	}

	delete(f.courier.failOn, "bob@example.com")
	report, err := f.svc.Dispatch(context.Background(), DispatchFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Failed() != 0 {
		t.Fatalf("second pass failed = %d, want 0", report.Failed())
	}
	res := report.Results[0]
	if res.Attempted != 1 || res.Delivered != 1 {
		t.Errorf("second pass attempted = %d delivered = %d, want 1 and 1", res.Attempted, res.Delivered)
	}
	// Alice got the first-pass copy; resuming must only reach Bob.
	want := []string{"alice@example.com", "bob@example.com"}
	if len(f.courier.sent) != 2 || f.courier.sent[0] != want[0] || f.courier.sent[1] != want[1] {
		t.Errorf("sent = %v, want each address exactly once: %v", f.courier.sent, want)
	}
	if f.repo.digests[d.ID].Pending {
		t.Error("digest should be marked sent once everyone is reached")
	}
}

func TestDispatchDuplicateDeliveryRecordFailsBatch(t *testing.T) {
	f := newDispatchFixture()
	d := f.addDigest(period.Weekly, 1, true, true)
	f.addSubscriber(1, "alice@example.com", period.Weekly)
	f.subs.digests = newMemDigestRepo() // hide the existing record from eligibility
	if err := f.repo.RecordDelivery(context.Background(), d.ID, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	report, err := f.svc.Dispatch(context.Background(), DispatchFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Failed() != 1 {
		t.Fatalf("failed = %d, want 1 when the ledger already has the row", report.Failed())
	}
	if !f.repo.digests[d.ID].Pending {
		t.Error("digest should stay pending")
	}
}

func TestDispatchFailureMetricCountsOnlyCourierFailures(t *testing.T) {
	f := newDispatchFixture()
	counts := &countingMetrics{}
	f.svc = NewDispatcherService(f.repo, f.subs, f.courier, f.notifier, counts, testLogger(), "Example", "news@example.com")
	f.addDigest(period.Weekly, 1, true, true)
	f.addSubscriber(1, "alice@example.com", period.Weekly)
	f.addSubscriber(2, "bob@example.com", period.Weekly)
	f.courier.failOn["bob@example.com"] = errors.New("mailbox full")

	if report, err := f.svc.Dispatch(context.Background(), DispatchFilter{}); err != nil || report.Failed() != 1 {
		t.Fatalf("err = %v failed = %d, want nil and 1", err, report.Failed())
	}
	if counts.deliveryFailure != 1 {
		t.Errorf("delivery failures = %d, want 1 for the refused recipient", counts.deliveryFailure)
	}
	if counts.deliverySuccess != 1 {
		t.Errorf("delivery successes = %d, want 1", counts.deliverySuccess)
	}

	// A batch that dies after every send succeeded is not a delivery failure.
	delete(f.courier.failOn, "bob@example.com")
	f.repo.markSentErr = errors.New("connection reset")
	if report, err := f.svc.Dispatch(context.Background(), DispatchFilter{}); err != nil || report.Failed() != 1 {
		t.Fatalf("err = %v failed = %d, want nil and 1", err, report.Failed())
	}
	if counts.deliveryFailure != 1 {
		t.Errorf("delivery failures = %d, want unchanged after a mark-sent error", counts.deliveryFailure)
	}
}

func TestDispatchSkipsUnreviewedUnlessForced(t *testing.T) {
	f := newDispatchFixture()
	d := f.addDigest(period.Weekly, 1, false, true)
	f.addSubscriber(1, "alice@example.com", period.Weekly)

	report, err := f.svc.Dispatch(context.Background(), DispatchFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Results) != 0 {
		t.Fatalf("results = %d, want unreviewed digest excluded", len(report.Results))
	}
	if !f.repo.digests[d.ID].Pending {
		t.Error("unreviewed digest should stay pending")
	}

	report, err = f.svc.Dispatch(context.Background(), DispatchFilter{IncludeUnreviewed: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Results) != 1 || report.Results[0].Delivered != 1 {
		t.Fatalf("forced pass should deliver the unreviewed digest, got %+v", report.Results)
	}
}

func TestDispatchTargetedSkipReasons(t *testing.T) {
	f := newDispatchFixture()
	sent := f.addDigest(period.Weekly, 1, true, false)
	unreviewed := f.addDigest(period.Weekly, 2, false, true)

	cases := []struct {
		name string
		id   int64
		want string
	}{
		{"not found", 12345, SkipNotFound},
		{"already sent", sent.ID, SkipAlreadySent},
		{"not reviewed", unreviewed.ID, SkipNotReviewed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			report, err := f.svc.Dispatch(context.Background(), DispatchFilter{DigestID: tc.id})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(report.Results) != 1 {
				t.Fatalf("results = %d, want 1", len(report.Results))
			}
			if got := report.Results[0].Skipped; got != tc.want {
				t.Errorf("skip reason = %q, want %q", got, tc.want)
			}
			if report.Results[0].Err != nil {
				t.Errorf("skip must not be an error, got %v", report.Results[0].Err)
			}
		})
	}
}

func TestDispatchTargetedDigestOnly(t *testing.T) {
	f := newDispatchFixture()
	target := f.addDigest(period.Weekly, 1, true, true)
	other := f.addDigest(period.Daily, 1, true, true)
	f.addSubscriber(1, "weekly@example.com", period.Weekly)
	f.addSubscriber(2, "daily@example.com", period.Daily)

	report, err := f.svc.Dispatch(context.Background(), DispatchFilter{DigestID: target.ID})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Results) != 1 || report.Results[0].DigestID != target.ID {
		t.Fatalf("results = %+v, want only the targeted digest", report.Results)
	}
	if f.repo.digests[other.ID].Pending != true {
		t.Error("the untargeted digest must be left alone")
	}
}

func TestDispatchEligibilityFilters(t *testing.T) {
	f := newDispatchFixture()
	d := f.addDigest(period.Weekly, 1, true, true)

	f.addSubscriber(1, "ok@example.com", period.Weekly)
	unconfirmed := f.addSubscriber(2, "unconfirmed@example.com", period.Weekly)
	unconfirmed.Confirmed = false
	f.addSubscriber(3, "daily@example.com", period.Daily)
	late := f.addSubscriber(4, "late@example.com", period.Weekly)
	late.SubscribedAt = d.CreatedAt.Add(time.Hour)

	report, err := f.svc.Dispatch(context.Background(), DispatchFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res := report.Results[0]
	if res.Delivered != 1 {
		t.Fatalf("delivered = %d, want only the confirmed on-time weekly subscriber", res.Delivered)
	}
	if len(f.courier.sent) != 1 || f.courier.sent[0] != "ok@example.com" {
		t.Errorf("sent = %v, want [ok@example.com]", f.courier.sent)
	}
}

// Mirrors a weekly cycle: generate, partial failure, resume, regenerate and
// send the replacement to everyone again.
func TestWeeklyCycle(t *testing.T) {
	f := newDispatchFixture()
	gen := newTestGenerator(f.repo, sectionsOf(map[string]any{"objects": []string{"story"}}), &stubRenderer{}, nil)
	ctx := context.Background()

	created, err := gen.Generate(ctx, period.Weekly, false)
	if err != nil || created.Outcome != OutcomeCreated {
		t.Fatalf("generate: err = %v outcome = %v", err, created.Outcome)
	}
	if err := f.repo.MarkReviewed(ctx, created.Digest.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.addSubscriber(1, "alice@example.com", period.Weekly)
	f.addSubscriber(2, "bob@example.com", period.Weekly)
	f.courier.failOn["bob@example.com"] = errors.New("greylisted")

	if report, _ := f.svc.Dispatch(ctx, DispatchFilter{}); report.Failed() != 1 {
		t.Fatalf("first pass should fail on bob, got %+v", report.Results)
	}

	delete(f.courier.failOn, "bob@example.com")
	if report, _ := f.svc.Dispatch(ctx, DispatchFilter{}); report.Failed() != 0 {
		t.Fatalf("resume pass should succeed, got %+v", report.Results)
	}
	if f.repo.digests[created.Digest.ID].Pending {
		t.Fatal("digest should be sent after the resume pass")
	}

	regen, err := gen.Generate(ctx, period.Weekly, true)
	if err != nil || regen.Outcome != OutcomeCreated {
		t.Fatalf("regenerate: err = %v outcome = %v", err, regen.Outcome)
	}
	if regen.Digest.Number != created.Digest.Number+1 {
		t.Errorf("regenerated number = %d, want %d", regen.Digest.Number, created.Digest.Number+1)
	}
	if regen.Digest.Pending {
		t.Error("regenerated digest keeps the sent state of its predecessor")
	}
}
