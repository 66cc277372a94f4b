package config

import (
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type LimitRule struct {
	Window time.Duration
	Max    int
}

type RateLimit struct {
	// FailOpen lets requests through when the limiter store cannot be reached.
	FailOpen     bool
	StoreTimeout time.Duration
	Rules        map[string]LimitRule
}

type Queue struct {
	Attempts      int
	BackoffBase   time.Duration
	KeepFailed    int
	KeepCompleted int
	Lease         time.Duration
}

type Worker struct {
	Concurrency    int
	PollInterval   time.Duration
	MaxStoreErrors int
}

type Mail struct {
	From       string
	SMTPAddr   string
	SMTPUser   string
	SMTPPass   string
	RatePerSec float64
}

type Config struct {
	HTTPAddr string
	LogLevel string

	DBDriver    string
	DatabaseURL string
	DBRetries   int
	DBTimeout   time.Duration
	RedisURL    string

	JWTSecret     []byte
	RefreshSecret []byte
	CodeSecret    []byte

	AccessTokenTTL        time.Duration
	RefreshTokenTTL       time.Duration
	RefreshReuseRevokeAll bool
	CodeTTL               time.Duration
	CodeMaxAttempts       int

	RateLimit RateLimit
	Queue     Queue
	Worker    Worker
	Mail      Mail

	KafkaBrokers []string
	KafkaTopic   string

	ESURL        string
	ESUser       string
	ESPassword   string
	ESLoginIndex string

	CSRFEnabled  bool
	CookieSecure bool
}

// Limiter purposes with their default windows.
var defaultRules = map[string]LimitRule{
	"login":               {Window: 15 * time.Minute, Max: 5},
	"register":            {Window: time.Hour, Max: 5},
	"verify-email":        {Window: 15 * time.Minute, Max: 10},
	"resend-verification": {Window: 15 * time.Minute, Max: 3},
	"forgot-password":     {Window: 15 * time.Minute, Max: 3},
	"reset-password":      {Window: 15 * time.Minute, Max: 5},
	"password-change":     {Window: 15 * time.Minute, Max: 5},
	"profile-update":      {Window: 15 * time.Minute, Max: 20},
	"refresh":             {Window: time.Minute, Max: 30},
	"global":              {Window: time.Minute, Max: 300},
}

func LoadConfig() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Notice: .env file not found: %v. Using system environment variables", err)
	}
	return FromEnv(), nil
}

// FromEnv reads the configuration from the process environment only.
func FromEnv() *Config {
	cfg := &Config{
		HTTPAddr: EnvDefault("HTTP_ADDR", ":8080"),
		LogLevel: EnvDefault("LOG_LEVEL", "info"),

		DBDriver:    EnvDefault("DB_DRIVER", "postgres"),
		DatabaseURL: EnvDefault("DATABASE_URL", ""),
		DBRetries:   EnvIntDefault("DB_RETRIES", 3),
		DBTimeout:   EnvDurationDefault("DB_TIMEOUT", 3*time.Second),
		RedisURL:    EnvDefault("REDIS_URL", "redis://localhost:6379/0"),

		JWTSecret:     []byte(EnvDefault("JWT_SECRET", "")),
		RefreshSecret: []byte(EnvDefault("REFRESH_SECRET", "")),
		CodeSecret:    []byte(EnvDefault("CODE_SECRET", "")),

		AccessTokenTTL:        EnvDurationDefault("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL:       EnvDurationDefault("REFRESH_TOKEN_TTL", 7*24*time.Hour),
		RefreshReuseRevokeAll: EnvBoolDefault("REFRESH_REUSE_REVOKE_ALL", false),
		CodeTTL:               EnvDurationDefault("VERIFICATION_CODE_TTL", 15*time.Minute),
		CodeMaxAttempts:       EnvIntDefault("VERIFICATION_CODE_MAX_ATTEMPTS", 5),

		RateLimit: RateLimit{
			FailOpen:     strings.EqualFold(EnvDefault("RATE_LIMIT_FAIL_MODE", "closed"), "open"),
			StoreTimeout: EnvDurationDefault("RATE_LIMIT_STORE_TIMEOUT", 250*time.Millisecond),
			Rules:        make(map[string]LimitRule, len(defaultRules)),
		},
		Queue: Queue{
			Attempts:      EnvIntDefault("QUEUE_ATTEMPTS", 3),
			BackoffBase:   EnvDurationDefault("QUEUE_BACKOFF_BASE", 2*time.Second),
			KeepFailed:    EnvIntDefault("QUEUE_KEEP_FAILED", 50),
			KeepCompleted: EnvIntDefault("QUEUE_KEEP_COMPLETED", 0),
			Lease:         EnvDurationDefault("QUEUE_LEASE", 30*time.Second),
		},
		Worker: Worker{
			Concurrency:    EnvIntDefault("WORKER_CONCURRENCY", 5),
			PollInterval:   EnvDurationDefault("WORKER_POLL_INTERVAL", 500*time.Millisecond),
			MaxStoreErrors: EnvIntDefault("WORKER_MAX_STORE_ERRORS", 5),
		},
		Mail: Mail{
			From:       EnvDefault("MAIL_FROM", "no-reply@localhost"),
			SMTPAddr:   EnvDefault("SMTP_ADDR", ""),
			SMTPUser:   EnvDefault("SMTP_USER", ""),
			SMTPPass:   EnvDefault("SMTP_PASSWORD", ""),
			RatePerSec: EnvFloatDefault("MAIL_RATE_PER_SEC", 10),
		},

		KafkaBrokers: CSV(EnvDefault("KAFKA_BROKERS", "")),
		KafkaTopic:   EnvDefault("KAFKA_TOPIC", "user_events"),

		ESURL:        EnvDefault("ES_URL", ""),
		ESUser:       EnvDefault("ES_USER", ""),
		ESPassword:   EnvDefault("ES_PASSWORD", ""),
		ESLoginIndex: EnvDefault("ES_LOGIN_INDEX", "login-records"),

		CSRFEnabled:  EnvBoolDefault("CSRF_ENABLED", true),
		CookieSecure: EnvBoolDefault("COOKIE_SECURE", true),
	}

	for purpose, def := range defaultRules {
		prefix := "RATE_LIMIT_" + strings.ToUpper(strings.ReplaceAll(purpose, "-", "_"))
		cfg.RateLimit.Rules[purpose] = LimitRule{
			Window: EnvDurationDefault(prefix+"_WINDOW", def.Window),
			Max:    EnvIntDefault(prefix+"_MAX", def.Max),
		}
	}

	return cfg
}

// MustSecrets stops the process when a signing secret is missing.
func (c *Config) MustSecrets() {
	MustNonEmptyBytes(c.JWTSecret, "JWT_SECRET")
	MustNonEmptyBytes(c.RefreshSecret, "REFRESH_SECRET")
	MustNonEmptyBytes(c.CodeSecret, "CODE_SECRET")
}
