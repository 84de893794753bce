package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port               string
	DBConnectionString string

	GitHubToken string
	GitHubUser  string

	WhoopClientID     string
	WhoopClientSecret string
	WhoopTokenURL     string

	QueueEnabled bool
	WorkerCount  int

	Sync SyncConfig
	Poll PollConfig
}

// SyncConfig holds the sync runner knobs.
type SyncConfig struct {
	// MaxLookback bounds a full sync's history window.
	MaxLookback time.Duration
	// IncrementalWindow is the fallback window when no cursor exists yet.
	IncrementalWindow time.Duration
	// AdHocWindow is the fixed window an ad-hoc refresh refetches.
	AdHocWindow time.Duration
	// RunDeadline bounds one runner invocation end to end.
	RunDeadline time.Duration

	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// JobRetention is how many finished jobs are kept for listing.
	JobRetention int
}

// PollConfig holds the status poller contract defaults.
type PollConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

func Load() (*Config, error) {
	maxLookbackDays, err := getEnvInt("SYNC_MAX_LOOKBACK_DAYS", 365)
	if err != nil {
		return nil, err
	}
	incrementalDays, err := getEnvInt("SYNC_INCREMENTAL_WINDOW_DAYS", 30)
	if err != nil {
		return nil, err
	}
	adHocDays, err := getEnvInt("SYNC_ADHOC_WINDOW_DAYS", 90)
	if err != nil {
		return nil, err
	}
	deadlineMinutes, err := getEnvInt("SYNC_RUN_DEADLINE_MINUTES", 30)
	if err != nil {
		return nil, err
	}
	maxRetries, err := getEnvInt("SYNC_MAX_RETRIES", 3)
	if err != nil {
		return nil, err
	}
	workerCount, err := getEnvInt("WORKER_COUNT", 2)
	if err != nil {
		return nil, err
	}
	jobRetention, err := getEnvInt("JOB_RETENTION", 50)
	if err != nil {
		return nil, err
	}
	pollSeconds, err := getEnvInt("POLL_INTERVAL_SECONDS", 5)
	if err != nil {
		return nil, err
	}
	pollTimeoutMinutes, err := getEnvInt("POLL_TIMEOUT_MINUTES", 10)
	if err != nil {
		return nil, err
	}

	return &Config{
		Port:               getEnv("PORT", "8080"),
		DBConnectionString: getEnv("DATABASE_URL", ""),
		GitHubToken:        getEnv("GITHUB_ACCESS_TOKEN", ""),
		GitHubUser:         getEnv("GITHUB_USER", ""),
		WhoopClientID:      getEnv("WHOOP_CLIENT_ID", ""),
		WhoopClientSecret:  getEnv("WHOOP_CLIENT_SECRET", ""),
		WhoopTokenURL:      getEnv("WHOOP_TOKEN_URL", "https://api.prod.whoop.com/oauth/oauth2/token"),
		QueueEnabled:       getEnv("QUEUE_ENABLED", "true") == "true",
		WorkerCount:        workerCount,
		Sync: SyncConfig{
			MaxLookback:       time.Duration(maxLookbackDays) * 24 * time.Hour,
			IncrementalWindow: time.Duration(incrementalDays) * 24 * time.Hour,
			AdHocWindow:       time.Duration(adHocDays) * 24 * time.Hour,
			RunDeadline:       time.Duration(deadlineMinutes) * time.Minute,
			MaxRetries:        maxRetries,
			InitialBackoff:    time.Second,
			MaxBackoff:        time.Minute,
			JobRetention:      jobRetention,
		},
		Poll: PollConfig{
			Interval: time.Duration(pollSeconds) * time.Second,
			Timeout:  time.Duration(pollTimeoutMinutes) * time.Minute,
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(value)
}
