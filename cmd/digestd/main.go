package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"newsletter_digest/internal/app"
	domainmail "newsletter_digest/internal/domain/mail"
	"newsletter_digest/internal/domain/period"
	"newsletter_digest/internal/infra/config"
	"newsletter_digest/internal/infra/database"
	"newsletter_digest/internal/infra/logger"
	inframail "newsletter_digest/internal/infra/mail"
	"newsletter_digest/internal/infra/metrics"
	"newsletter_digest/internal/infra/render"
	"newsletter_digest/internal/infra/scheduler"
	"newsletter_digest/internal/infra/telegram"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "digestd",
		Short:         "Periodic newsletter digest generation and delivery",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runtime bundles everything a subcommand needs. Each invocation builds its
// own and closes it when done; generation and dispatch are one-shot batches.
type runtime struct {
	cfg        *config.AppConfig
	log        *logrus.Logger
	db         *sql.DB
	registry   *prometheus.Registry
	digests    *database.PostgresDigestRepository
	generator  *app.GeneratorService
	dispatcher *app.DispatcherService
}

func newRuntime() (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("could not load configuration: %w", err)
	}
	logger.Init(cfg.LogLevel, cfg.Environment)
	log := logger.Get()

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	digestRepo := database.NewPostgresDigestRepository(db)
	subscriberRepo := database.NewPostgresSubscriberRepository(db)
	contentSource := database.NewPostgresContentSource(db)

	engine, err := render.NewEngine()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize templates: %w", err)
	}

	courier := inframail.NewSMTPCourier(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword)

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// The default aggregator reads staged content entries from the database.
	// Host applications embedding this engine inject their own.
	aggregator := app.AggregatorFunc(func(ctx context.Context, from, to time.Time) (map[string]any, error) {
		entries, err := contentSource.ListBetween(ctx, from, to)
		if err != nil {
			return nil, err
		}
		return map[string]any{"entries": entries}, nil
	})

	reviewNotifier, err := buildNotifier(cfg, courier, cfg.ReviewerEmail, log)
	if err != nil {
		db.Close()
		return nil, err
	}
	failureNotifier, err := buildNotifier(cfg, courier, cfg.AdminEmail, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	rt := &runtime{
		cfg:      cfg,
		log:      log,
		db:       db,
		registry: registry,
		digests:  digestRepo,
		generator: app.NewGeneratorService(
			digestRepo, aggregator, engine, reviewNotifier, collector, log,
			cfg.SiteName, cfg.ReviewerAdminLink,
		),
		dispatcher: app.NewDispatcherService(
			digestRepo, subscriberRepo, courier, failureNotifier, collector, log,
			cfg.SiteName, cfg.FromEmail,
		),
	}
	return rt, nil
}

// buildNotifier assembles the configured best-effort sinks for one alert
// audience: a mail sink when the address is set, a Telegram sink when the
// bot token is set. Returns nil when neither is configured.
func buildNotifier(cfg *config.AppConfig, courier domainmail.Courier, mailTo string, log *logrus.Logger) (domainmail.Notifier, error) {
	var sinks inframail.MultiNotifier
	if mailTo != "" {
		sinks = append(sinks, inframail.NewCourierNotifier(courier, cfg.FromEmail, []string{mailTo}))
	}
	if cfg.TelegramToken != "" {
		tg, err := telegram.NewNotifier(cfg.TelegramToken, cfg.ReviewerTelegramID)
		if err != nil {
			return nil, fmt.Errorf("could not initialize Telegram notifier: %w", err)
		}
		sinks = append(sinks, tg)
	}
	if len(sinks) == 0 {
		log.Debug("No notification sink configured")
		return nil, nil
	}
	return sinks, nil
}

func (rt *runtime) Close() {
	rt.db.Close()
}

func generateCmd() *cobra.Command {
	var daily, weekly, monthly, regenerate, doPrint bool

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate the newsletter for the last completed period",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := pickKind(daily, weekly, monthly)
			if err != nil {
				return err
			}

			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			result, err := rt.generator.Generate(cmd.Context(), kind, regenerate)
			if err != nil {
				return err
			}
			switch result.Outcome {
			case app.OutcomeCreated:
				fmt.Printf("Generated %s newsletter #%d\n", kind, result.Digest.Number)
			case app.OutcomeAlreadyExists:
				fmt.Println("Already generated.")
			case app.OutcomeNoContent:
				fmt.Println("No content, no newsletter.")
			}
			if doPrint && result.Digest != nil {
				fmt.Println(result.Digest.BodyText)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&daily, "daily", "d", false, "Daily newsletter")
	cmd.Flags().BoolVarP(&weekly, "weekly", "w", false, "Weekly newsletter")
	cmd.Flags().BoolVarP(&monthly, "monthly", "m", false, "Monthly newsletter")
	cmd.Flags().BoolVarP(&regenerate, "regenerate", "r", false, "Regenerate the newsletter, discarding its delivery history")
	cmd.Flags().BoolVarP(&doPrint, "print", "p", false, "Print the newsletter text body")
	return cmd
}

func pickKind(daily, weekly, monthly bool) (period.Kind, error) {
	picked := make([]period.Kind, 0, 3)
	if daily {
		picked = append(picked, period.Daily)
	}
	if weekly {
		picked = append(picked, period.Weekly)
	}
	if monthly {
		picked = append(picked, period.Monthly)
	}
	if len(picked) == 0 {
		return "", fmt.Errorf("provide one of --daily, --weekly and --monthly")
	}
	if len(picked) > 1 {
		return "", fmt.Errorf("use only one of --daily, --weekly and --monthly")
	}
	return picked[0], nil
}

func dispatchCmd() *cobra.Command {
	var digestID int64
	var forceUnreviewed bool

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Send pending newsletters to their subscribers",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			report, err := rt.dispatcher.Dispatch(cmd.Context(), app.DispatchFilter{
				DigestID:          digestID,
				IncludeUnreviewed: forceUnreviewed,
			})
			if err != nil {
				return err
			}

			if len(report.Results) == 0 {
				fmt.Println("No newsletters to send")
				return nil
			}
			for _, res := range report.Results {
				switch {
				case res.Skipped == app.SkipNotFound:
					fmt.Printf("No newsletter with ID %d\n", res.DigestID)
				case res.Skipped == app.SkipAlreadySent:
					fmt.Printf("Newsletter #%d has already been sent\n", res.Number)
				case res.Skipped == app.SkipNotReviewed:
					fmt.Printf("Newsletter #%d hasn't been reviewed\n", res.Number)
				case res.Err != nil:
					fmt.Printf("Newsletter #%d failed after %d of %d deliveries: %v\n",
						res.Number, res.Delivered, res.Attempted, res.Err)
				default:
					fmt.Printf("Sent %s newsletter #%d to %d subscribers\n", res.Kind, res.Number, res.Delivered)
				}
			}
			if failed := report.Failed(); failed > 0 {
				return fmt.Errorf("%d of %d newsletters failed to send", failed, len(report.Results))
			}
			return nil
		},
	}

	cmd.Flags().Int64VarP(&digestID, "newsletter", "n", 0, "Send only the newsletter with the given ID")
	cmd.Flags().BoolVarP(&forceUnreviewed, "force-unreviewed", "f", false, "Send unreviewed newsletters too")
	return cmd
}

func listCmd() *cobra.Command {
	var onlyPending bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show newsletters grouped by period",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			digests, err := rt.digests.List(cmd.Context(), onlyPending)
			if err != nil {
				return err
			}
			fmt.Print(app.FormatListing(digests))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&onlyPending, "only-pending", "p", false, "Show only newsletters with pending sendings")
	return cmd
}

func reviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "review [newsletter-id]",
		Short: "Mark a newsletter as reviewed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid newsletter ID %q", args[0])
			}

			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.digests.MarkReviewed(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Printf("Newsletter %d marked as reviewed\n", id)
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
				return err
			}
			fmt.Println("Migrations applied")
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run generation and dispatch on a cron schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			sched := scheduler.NewDigestScheduler(rt.generator, rt.dispatcher, rt.log, scheduler.Specs{
				Daily:    rt.cfg.CronSpecDaily,
				Weekly:   rt.cfg.CronSpecWeekly,
				Monthly:  rt.cfg.CronSpecMonthly,
				Dispatch: rt.cfg.CronSpecDispatch,
			})
			if err := sched.Start(); err != nil {
				return fmt.Errorf("could not start scheduler: %w", err)
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler(rt.registry))
			metricsServer := &http.Server{Addr: rt.cfg.MetricsAddr, Handler: mux}
			go func() {
				rt.log.WithField("addr", rt.cfg.MetricsAddr).Info("Metrics endpoint listening")
				if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					rt.log.WithError(err).Error("Metrics server stopped")
				}
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			rt.log.Info("Shutting down...")
			sched.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsServer.Shutdown(shutdownCtx)
			rt.log.Info("Shut down gracefully")
			return nil
		},
	}
}
