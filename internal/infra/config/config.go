package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// AppConfig holds all configuration for the application.
type AppConfig struct {
	DatabaseURL string

	// Outbound mail.
	FromEmail    string
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string

	SiteName string

	// Review side channel. ReviewerEmail empty disables mail notifications;
	// TelegramToken empty disables the Telegram sink.
	ReviewerEmail      string
	ReviewerAdminLink  string
	AdminEmail         string
	TelegramToken      string
	ReviewerTelegramID int64

	LogLevel    string
	Environment string

	// Cron specs for serve mode.
	CronSpecDaily    string
	CronSpecWeekly   string
	CronSpecMonthly  string
	CronSpecDispatch string

	MetricsAddr string
}

// Load reads configuration from environment variables and .env file (if present).
func Load() (*AppConfig, error) {
	// Attempt to load .env file. Errors are ignored if the file doesn't exist.
	// godotenv.Load will not override existing env variables.
	_ = godotenv.Load()

	cfg := &AppConfig{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}

	cfg.FromEmail = os.Getenv("NEWSLETTER_FROM_EMAIL")
	if cfg.FromEmail == "" {
		return nil, fmt.Errorf("NEWSLETTER_FROM_EMAIL is not set")
	}

	cfg.SMTPHost = getenvDefault("SMTP_HOST", "localhost")
	portStr := getenvDefault("SMTP_PORT", "25")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid SMTP_PORT: %w", err)
	}
	cfg.SMTPPort = port
	cfg.SMTPUsername = os.Getenv("SMTP_USERNAME")
	cfg.SMTPPassword = os.Getenv("SMTP_PASSWORD")

	cfg.SiteName = getenvDefault("SITE_NAME", "Newsletter")

	cfg.ReviewerEmail = os.Getenv("NEWSLETTER_REVIEWER_EMAIL")
	cfg.ReviewerAdminLink = os.Getenv("NEWSLETTER_REVIEWER_ADMIN_LINK")
	cfg.AdminEmail = os.Getenv("ADMIN_EMAIL")

	cfg.TelegramToken = os.Getenv("TELEGRAM_TOKEN")
	if reviewerIDStr := os.Getenv("REVIEWER_TELEGRAM_ID"); reviewerIDStr != "" {
		cfg.ReviewerTelegramID, err = strconv.ParseInt(reviewerIDStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid REVIEWER_TELEGRAM_ID: %w", err)
		}
	}
	if cfg.TelegramToken != "" && cfg.ReviewerTelegramID == 0 {
		return nil, fmt.Errorf("TELEGRAM_TOKEN is set but REVIEWER_TELEGRAM_ID is not")
	}

	cfg.LogLevel = strings.ToLower(getenvDefault("LOG_LEVEL", "info"))
	cfg.Environment = strings.ToLower(getenvDefault("ENVIRONMENT", "development"))

	cfg.CronSpecDaily = getenvDefault("CRON_SPEC_DAILY", "0 6 * * *")       // 06:00 every day
	cfg.CronSpecWeekly = getenvDefault("CRON_SPEC_WEEKLY", "0 6 * * 1")     // 06:00 on Mondays
	cfg.CronSpecMonthly = getenvDefault("CRON_SPEC_MONTHLY", "0 6 1 * *")   // 06:00 on the 1st
	cfg.CronSpecDispatch = getenvDefault("CRON_SPEC_DISPATCH", "0 8 * * *") // 08:00 every day

	cfg.MetricsAddr = getenvDefault("METRICS_ADDR", ":9090")

	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
