package scheduler

import (
	"context"
	"time"

	"newsletter_digest/internal/app"
	"newsletter_digest/internal/domain/period"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Specs holds the cron expressions for serve mode, one generation job per
// period kind plus a dispatch sweep.
type Specs struct {
	Daily    string
	Weekly   string
	Monthly  string
	Dispatch string
}

// DigestScheduler triggers generation and dispatch on a cron schedule. The
// services themselves stay scheduler-free; this is only the clock that kicks
// them, the same batches the CLI runs by hand.
type DigestScheduler struct {
	cronEngine *cron.Cron
	generator  *app.GeneratorService
	dispatcher *app.DispatcherService
	logger     *logrus.Logger
	specs      Specs
}

func NewDigestScheduler(
	generator *app.GeneratorService,
	dispatcher *app.DispatcherService,
	logger *logrus.Logger,
	specs Specs,
) *DigestScheduler {
	return &DigestScheduler{
		cronEngine: cron.New(cron.WithLocation(time.Local)),
		generator:  generator,
		dispatcher: dispatcher,
		logger:     logger,
		specs:      specs,
	}
}

func (s *DigestScheduler) Start() error {
	jobs := []struct {
		spec string
		kind period.Kind
	}{
		{s.specs.Daily, period.Daily},
		{s.specs.Weekly, period.Weekly},
		{s.specs.Monthly, period.Monthly},
	}
	for _, job := range jobs {
		kind := job.kind
		if _, err := s.cronEngine.AddFunc(job.spec, func() { s.runGenerate(kind) }); err != nil {
			return err
		}
	}
	if _, err := s.cronEngine.AddFunc(s.specs.Dispatch, s.runDispatch); err != nil {
		return err
	}

	s.cronEngine.Start()
	s.logger.Info("Digest scheduler started")
	return nil
}

func (s *DigestScheduler) runGenerate(kind period.Kind) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	s.logger.WithField("kind", kind).Info("Cron job triggered: generate")
	result, err := s.generator.Generate(ctx, kind, false)
	if err != nil {
		s.logger.WithError(err).WithField("kind", kind).Error("Scheduled generation failed")
		return
	}
	s.logger.WithFields(logrus.Fields{"kind": kind, "outcome": result.Outcome}).Info("Scheduled generation finished")
}

func (s *DigestScheduler) runDispatch() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	s.logger.Info("Cron job triggered: dispatch")
	report, err := s.dispatcher.Dispatch(ctx, app.DispatchFilter{})
	if err != nil {
		s.logger.WithError(err).Error("Scheduled dispatch failed")
		return
	}
	s.logger.WithFields(logrus.Fields{
		"run_id":  report.RunID,
		"digests": len(report.Results),
		"failed":  report.Failed(),
	}).Info("Scheduled dispatch finished")
}

func (s *DigestScheduler) Stop() {
	s.logger.Info("Stopping digest scheduler...")
	ctx := s.cronEngine.Stop()
	<-ctx.Done()
	s.logger.Info("Digest scheduler gracefully stopped")
}
