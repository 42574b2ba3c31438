package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App          AppConfig
	Postgres     PostgresConfig
	Redis        RedisConfig
	Logger       LoggerConfig
	Auth         AuthConfig
	Notification NotificationConfig
	Gateway      GatewayConfig
	Billing      BillingConfig
	Usage        UsageConfig
	Trial        TrialConfig
	Scheduler    SchedulerConfig
	Plans        PlanCatalogConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN             string
	ApplicationName string
	MaxConns        int32
	MinConns        int32
	RunMigrations   bool
	MigrationsDir   string
	ConnMaxIdleSec  int32
	ConnMaxLifeSec  int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	OpTimeoutMs int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level   string
	Format  string
	Service string
	Version string
}

// AuthConfig defines authentication parameters for the billing API.
type AuthConfig struct {
	JWTSecret             string
	AccessTokenTTLMinutes int
	AdminEmail            string
	AdminPasswordHash     string
	BcryptCost            int
}

// NotificationConfig holds stub notification endpoints.
type NotificationConfig struct {
	EmailFrom          string
	WebhookURL         string
	WebhookWorkers     int
	WebhookQueueSize   int
	WebhookMaxAttempts int
}

// GatewayConfig configures the payment gateway client.
type GatewayConfig struct {
	StripeSecretKey   string
	CallTimeoutSecond int
	RequestsPerSecond float64
	Burst             int
}

// BillingConfig holds reconciliation policy.
type BillingConfig struct {
	SuspendAfterAttempts int
	WarningAttempt       int
	SyncLookbackDays     int
	RetentionYears       int
}

// UsageConfig holds usage gating policy.
type UsageConfig struct {
	CacheTTLSeconds          int
	NearLimitPercent         float64
	ApproachingLimitsPercent float64
}

// TrialConfig holds trial policy.
type TrialConfig struct {
	DefaultTrialDays   int
	MaxTrialDays       int
	ReminderWindowDays int
	MaxExtensionDays   int
}

// SchedulerConfig holds cron expressions for the periodic jobs.
type SchedulerConfig struct {
	Enabled                  bool
	FailedPaymentsSpec       string
	SyncSpec                 string
	CleanupSpec              string
	MonthlyReportSpec        string
	ExpiredTrialsSpec        string
	TrialRemindersSpec       string
	PeriodEndCancelationSpec string
}

// PlanCatalogConfig locates the plan definitions.
type PlanCatalogConfig struct {
	Path string
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	maxConns := int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10))
	minConns := int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2))
	runMigrations := getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true)
	connMaxIdle := int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30))
	connMaxLife := int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300))

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "ticket-billing-service"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Postgres: PostgresConfig{
			DSN:             os.Getenv("POSTGRES_DSN"),
			ApplicationName: getEnv("POSTGRES_APPLICATION_NAME", "ticket-billing"),
			MaxConns:        maxConns,
			MinConns:        minConns,
			RunMigrations:   runMigrations,
			MigrationsDir:   getEnv("POSTGRES_MIGRATIONS_DIR", "migrations"),
			ConnMaxIdleSec:  connMaxIdle,
			ConnMaxLifeSec:  connMaxLife,
		},
		Redis: RedisConfig{
			Addr:        getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:    os.Getenv("REDIS_PASSWORD"),
			DB:          redisDB,
			PoolSize:    getEnvAsInt("REDIS_POOL_SIZE", 0),
			OpTimeoutMs: getEnvAsInt("REDIS_OP_TIMEOUT_MS", 250),
		},
		Logger: LoggerConfig{
			Level:   getEnv("LOG_LEVEL", "info"),
			Format:  getEnv("LOG_FORMAT", "json"),
			Service: getEnv("APP_NAME", "ticket-billing-service"),
			Version: getEnv("APP_VERSION", "dev"),
		},
		Auth: AuthConfig{
			JWTSecret:             getEnv("AUTH_JWT_SECRET", "dev-secret"),
			AccessTokenTTLMinutes: getEnvAsInt("AUTH_ACCESS_TOKEN_TTL_MINUTES", 60),
			AdminEmail:            getEnv("AUTH_ADMIN_EMAIL", "admin@example.com"),
			AdminPasswordHash:     os.Getenv("AUTH_ADMIN_PASSWORD_HASH"),
			BcryptCost:            getEnvAsInt("AUTH_BCRYPT_COST", 12),
		},
		Notification: NotificationConfig{
			EmailFrom:          getEnv("NOTIFY_EMAIL_FROM", "billing@example.com"),
			WebhookURL:         getEnv("NOTIFY_WEBHOOK_URL", ""),
			WebhookWorkers:     getEnvAsInt("NOTIFY_WEBHOOK_WORKERS", 2),
			WebhookQueueSize:   getEnvAsInt("NOTIFY_WEBHOOK_QUEUE_SIZE", 256),
			WebhookMaxAttempts: getEnvAsInt("NOTIFY_WEBHOOK_MAX_ATTEMPTS", 3),
		},
		Gateway: GatewayConfig{
			StripeSecretKey:   os.Getenv("STRIPE_SECRET_KEY"),
			CallTimeoutSecond: getEnvAsInt("GATEWAY_CALL_TIMEOUT_SECONDS", 15),
			RequestsPerSecond: getEnvAsFloat("GATEWAY_REQUESTS_PER_SECOND", 20),
			Burst:             getEnvAsInt("GATEWAY_BURST", 5),
		},
		Billing: BillingConfig{
			SuspendAfterAttempts: getEnvAsInt("BILLING_SUSPEND_AFTER_ATTEMPTS", 4),
			WarningAttempt:       getEnvAsInt("BILLING_WARNING_ATTEMPT", 2),
			SyncLookbackDays:     getEnvAsInt("BILLING_SYNC_LOOKBACK_DAYS", 30),
			RetentionYears:       getEnvAsInt("BILLING_RETENTION_YEARS", 2),
		},
		Usage: UsageConfig{
			CacheTTLSeconds:          getEnvAsInt("USAGE_CACHE_TTL_SECONDS", 30),
			NearLimitPercent:         getEnvAsFloat("USAGE_NEAR_LIMIT_PERCENT", 80),
			ApproachingLimitsPercent: getEnvAsFloat("USAGE_APPROACHING_LIMITS_PERCENT", 75),
		},
		Trial: TrialConfig{
			DefaultTrialDays:   getEnvAsInt("TRIAL_DEFAULT_DAYS", 14),
			MaxTrialDays:       getEnvAsInt("TRIAL_MAX_DAYS", 90),
			ReminderWindowDays: getEnvAsInt("TRIAL_REMINDER_WINDOW_DAYS", 3),
			MaxExtensionDays:   getEnvAsInt("TRIAL_MAX_EXTENSION_DAYS", 90),
		},
		Scheduler: SchedulerConfig{
			Enabled:                  getEnvAsBool("SCHEDULER_ENABLED", false),
			FailedPaymentsSpec:       getEnv("SCHEDULE_FAILED_PAYMENTS", "0 2 * * *"),
			SyncSpec:                 getEnv("SCHEDULE_BILLING_SYNC", "0 3 * * *"),
			CleanupSpec:              getEnv("SCHEDULE_BILLING_CLEANUP", "0 4 * * 0"),
			MonthlyReportSpec:        getEnv("SCHEDULE_MONTHLY_REPORT", "0 6 1 * *"),
			ExpiredTrialsSpec:        getEnv("SCHEDULE_EXPIRED_TRIALS", "15 1 * * *"),
			TrialRemindersSpec:       getEnv("SCHEDULE_TRIAL_REMINDERS", "0 9 * * *"),
			PeriodEndCancelationSpec: getEnv("SCHEDULE_PERIOD_END_CANCELLATIONS", "30 1 * * *"),
		},
		Plans: PlanCatalogConfig{
			Path: os.Getenv("PLAN_CATALOG_PATH"),
		},
	}

	return cfg, nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// CallTimeout bounds a single payment gateway request.
func (g GatewayConfig) CallTimeout() time.Duration {
	if g.CallTimeoutSecond <= 0 {
		return 15 * time.Second
	}
	return time.Duration(g.CallTimeoutSecond) * time.Second
}

// OpTimeout bounds a single Redis command. Usage gating sits on the request path, so
// a slow Redis must fail fast and fall back to the ticket store.
func (r RedisConfig) OpTimeout() time.Duration {
	if r.OpTimeoutMs <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(r.OpTimeoutMs) * time.Millisecond
}

// CacheTTL returns how long usage snapshots may be served from cache.
func (u UsageConfig) CacheTTL() time.Duration {
	if u.CacheTTLSeconds <= 0 {
		return 0
	}
	return time.Duration(u.CacheTTLSeconds) * time.Second
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsFloat(key string, fallback float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}
