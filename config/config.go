package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Twitter  TwitterConfig
	Reminder ReminderConfig

	PostgresURL        string
	PostgresSecretPath string

	HealthcheckPort int

	LogLevel        log.Level
	LogFormat       LogFormat
	TestModeEnabled bool
}

type TwitterConfig struct {
	BotUserName      string
	SecretPath       string
	TimelinePageSize int
}

type ReminderConfig struct {
	// How often the ingestor polls the mention timeline
	MentionCheckInterval time.Duration
	// How often the dispatcher looks for due reminders
	DispatchInterval time.Duration
	// Longest delay a user may request
	MaxDuration time.Duration
	// Delivery attempts before a reminder is marked failed
	MaxDeliveryAttempts int
	// Base of the exponential backoff between delivery attempts
	DeliveryBackoffBase time.Duration
}

type LogFormat string

const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

const (
	defaultMentionCheckInterval = 60 * time.Second
	defaultDispatchInterval     = 60 * time.Second
	defaultMaxDuration          = 5 * 365 * 24 * time.Hour
	defaultMaxDeliveryAttempts  = 3
	defaultDeliveryBackoffBase  = time.Minute
	defaultTimelinePageSize     = 5
	defaultHealthcheckPort      = 8080
)

type EnvfileKey string

const (
	// Postgres connection string to use for database connections
	EnvfileKeyPostgresURL = "POSTGRES_URL"
	// AWS Secrets Manager path where Postgres connection string can be found
	EnvfileKeyPostgresSecretsPath = "POSTGRES_SECRETS_PATH"

	// AWS Secrets Manager path where Twitter secrets can be found
	EnvfileKeyTwitterSecretPath = "TWITTER_SECRETS_PATH"
	// Twitter username of the bot, used for tracking mentions
	// NOTE: the bot posts under the account configured in twitter secrets
	EnvfileKeyTwitterUserName = "TWITTER_USERNAME"
	// Number of tweets to request per call to the timeline mentions endpoint
	EnvfileKeyTwitterTimelinePageSize = "TWITTER_TIMELINE_PAGE_SIZE"

	// Seconds between mention timeline polls
	EnvfileKeyMentionCheckInterval = "MENTION_CHECK_INTERVAL"
	// Seconds between due-reminder dispatch passes
	EnvfileKeyDispatchInterval = "REMINDER_CHECK_INTERVAL"
	// Maximum requestable reminder delay, in seconds
	EnvfileKeyMaxDuration = "MAX_REMINDER_SECONDS"
	// Delivery attempts before a reminder is marked failed
	EnvfileKeyMaxDeliveryAttempts = "MAX_DELIVERY_ATTEMPTS"
	// Base of the delivery retry backoff, in seconds
	EnvfileKeyDeliveryBackoffBase = "DELIVERY_BACKOFF_SECONDS"

	// Port for the status/healthcheck HTTP server
	EnvfileKeyHealthcheckPort = "HEALTHCHECK_PORT"

	// Log level (e.g. "debug", "info", "warn", "error")
	EnvfileKeyLogLevel = "LOG_LEVEL"
	// Log output format (e.g. "text", "json")
	EnvfileKeyLogFormat = "LOG_FORMAT"
	// Enables "test mode" (server simulates posting, etc.)
	EnvfileKeyTestMode = "TEST_MODE"
)

func FromEnvfile() Config {
	viper.AddConfigPath(".")
	viper.SetConfigName(".env")
	viper.SetConfigType("dotenv")

	err := viper.ReadInConfig()
	if err != nil {
		log.Fatalf("error reading config: %v", err)
	}

	twitterUsername := getConfigString(EnvfileKeyTwitterUserName)
	if twitterUsername == "" {
		log.Fatalf("must supply username for bot")
	}

	twitterTimelineSize := getConfigInt(EnvfileKeyTwitterTimelinePageSize)
	if twitterTimelineSize == 0 {
		twitterTimelineSize = defaultTimelinePageSize
	}

	logLevel, err := log.ParseLevel(getConfigString(EnvfileKeyLogLevel))
	if err != nil {
		// Default to info level but log a warning
		log.Warnf("unable to parse log level: %v", err)
		logLevel = log.InfoLevel
	}

	logFormat, err := parseLogFormat(getConfigString(EnvfileKeyLogFormat))
	if err != nil {
		// Default to text formatter but log a warning
		log.Warnf("unable to parse log format: %v", err)
		logFormat = LogFormatText
	}

	postgresURL := getConfigString(EnvfileKeyPostgresURL)
	postgresSecretsPath := getConfigString(EnvfileKeyPostgresSecretsPath)
	if postgresURL == "" && postgresSecretsPath == "" {
		log.Fatal("postgres not configured")
	}

	healthcheckPort := getConfigInt(EnvfileKeyHealthcheckPort)
	if healthcheckPort == 0 {
		healthcheckPort = defaultHealthcheckPort
	}

	isTestMode := viper.GetBool(EnvfileKeyTestMode)

	return Config{
		Twitter: TwitterConfig{
			BotUserName:      twitterUsername,
			SecretPath:       getConfigString(EnvfileKeyTwitterSecretPath),
			TimelinePageSize: twitterTimelineSize,
		},
		Reminder: ReminderConfig{
			MentionCheckInterval: getConfigSeconds(EnvfileKeyMentionCheckInterval, defaultMentionCheckInterval),
			DispatchInterval:     getConfigSeconds(EnvfileKeyDispatchInterval, defaultDispatchInterval),
			MaxDuration:          getConfigSeconds(EnvfileKeyMaxDuration, defaultMaxDuration),
			MaxDeliveryAttempts:  getConfigIntDefault(EnvfileKeyMaxDeliveryAttempts, defaultMaxDeliveryAttempts),
			DeliveryBackoffBase:  getConfigSeconds(EnvfileKeyDeliveryBackoffBase, defaultDeliveryBackoffBase),
		},
		PostgresURL:        postgresURL,
		PostgresSecretPath: postgresSecretsPath,
		HealthcheckPort:    healthcheckPort,
		LogLevel:           logLevel,
		LogFormat:          logFormat,
		TestModeEnabled:    isTestMode,
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(raw) {
	case LogFormatJSON:
		return LogFormatJSON, nil
	case LogFormatText:
		return LogFormatText, nil
	default:
		return "", fmt.Errorf("unidentified log format: %s", raw)
	}
}

// Gets a config value as a string from env vars or a .env file
func getConfigString(key string) string {
	value := os.Getenv(key)
	if value == "" {
		value = viper.GetString(key)
	}
	return value
}

// Gets a config value as an int from env vars or a .env file
func getConfigInt(key string) int {
	envVarValue := os.Getenv(key)
	if envVarValue == "" {
		return viper.GetInt(key)
	}
	value, err := strconv.Atoi(envVarValue)
	if err != nil {
		return 0
	}
	return value
}

func getConfigIntDefault(key string, fallback int) int {
	if value := getConfigInt(key); value > 0 {
		return value
	}
	return fallback
}

// Gets a config value expressed in whole seconds, falling back when unset
func getConfigSeconds(key string, fallback time.Duration) time.Duration {
	seconds := getConfigInt(key)
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}
