package config

import (
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Settings carries the tunables of the sync engine. Everything here comes
// from the environment; nothing rate- or batch-related is hardcoded.
type Settings struct {
	UpstreamBaseURL      string `validate:"required,url"`
	UpstreamAPIKey       string `validate:"required"`
	UpstreamRatePerMin   int    `validate:"min=1"`
	UpstreamTimeoutSecs  int    `validate:"min=1"`
	UpstreamPageSize     int    `validate:"min=1,max=500"`
	UpstreamMaxAttempts  int    `validate:"min=1"`
	UpstreamRetryBackoff time.Duration

	DestBaseURL    string `validate:"required,url"`
	DestAPIKey     string `validate:"required"`
	DestRatePerMin int    `validate:"min=1"`
	// DestMaxBatchSize is the destination platform's documented rows-per-call cap.
	DestMaxBatchSize int `validate:"min=1"`

	WorkerCount       int           `validate:"min=1"`
	QueueName         string        `validate:"required"`
	VisibilityTimeout time.Duration
	MaxAttempts       int `validate:"min=1"`
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	FullScanInterval  time.Duration
	// RecentWindow bounds the donation/submission slice re-enqueued by full scans.
	RecentWindow time.Duration

	// PublishCutoff: donations created on or after this date mark the donor
	// as a funder and are mirrored to the destination platform.
	PublishCutoff time.Time

	ReportSpreadsheetID string
	ReportCredentials   string
}

// LoadSettings builds Settings from the environment and validates it.
func LoadSettings() (*Settings, error) {
	cutoff := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	if v := strings.TrimSpace(os.Getenv("PUBLISH_CUTOFF")); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			cutoff = t
		}
	}

	s := &Settings{
		UpstreamBaseURL:      envDefault("UPSTREAM_API_BASE_URL", "https://actionnetwork.org/api/v2"),
		UpstreamAPIKey:       os.Getenv("UPSTREAM_API_KEY"),
		UpstreamRatePerMin:   IntFromEnv("UPSTREAM_RATE_LIMIT_PER_MIN", 240),
		UpstreamTimeoutSecs:  IntFromEnv("UPSTREAM_TIMEOUT_SECONDS", 30),
		UpstreamPageSize:     IntFromEnv("UPSTREAM_PAGE_SIZE", 25),
		UpstreamMaxAttempts:  IntFromEnv("UPSTREAM_MAX_ATTEMPTS", 3),
		UpstreamRetryBackoff: secondsFromEnv("UPSTREAM_RETRY_BACKOFF_SECONDS", 2*time.Second),

		DestBaseURL:      envDefault("DEST_API_BASE_URL", "https://api.airtable.com/v0"),
		DestAPIKey:       os.Getenv("DEST_API_KEY"),
		DestRatePerMin:   IntFromEnv("DEST_RATE_LIMIT_PER_MIN", 300),
		DestMaxBatchSize: IntFromEnv("DEST_MAX_BATCH_SIZE", 10),

		WorkerCount:       IntFromEnv("SYNC_WORKER_COUNT", 4),
		QueueName:         envDefault("SYNC_QUEUE_NAME", "organizer-sync"),
		VisibilityTimeout: secondsFromEnv("SYNC_VISIBILITY_TIMEOUT_SECONDS", 120*time.Second),
		MaxAttempts:       IntFromEnv("SYNC_MAX_ATTEMPTS", 8),
		InitialBackoff:    secondsFromEnv("SYNC_INITIAL_BACKOFF_SECONDS", 5*time.Second),
		MaxBackoff:        secondsFromEnv("SYNC_MAX_BACKOFF_SECONDS", 10*time.Minute),
		FullScanInterval:  secondsFromEnv("SYNC_FULL_SCAN_INTERVAL_SECONDS", time.Hour),
		RecentWindow:      secondsFromEnv("SYNC_RECENT_WINDOW_SECONDS", 7*24*time.Hour),

		PublishCutoff: cutoff,

		ReportSpreadsheetID: os.Getenv("REPORT_SPREADSHEET_ID"),
		ReportCredentials:   os.Getenv("REPORT_CREDENTIALS_FILE"),
	}

	if err := validator.New().Struct(s); err != nil {
		return nil, err
	}
	return s, nil
}

func envDefault(key string, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func secondsFromEnv(key string, def time.Duration) time.Duration {
	n := IntFromEnv(key, -1)
	if n < 0 {
		return def
	}
	return time.Duration(n) * time.Second
}
