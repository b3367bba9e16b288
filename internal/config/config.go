package config // package config loads application configuration from environment variables

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all runtime configuration values. Nested sections are read
// with their own prefix, e.g. DB_HOST fills DB.Host.
type Config struct {
	Env       string `env:"APP_ENV" envDefault:"dev"`
	Port      string `env:"APP_PORT" envDefault:"8080"`
	JWTSecret string `env:"JWT_SECRET,required,notEmpty"`
	Currency  string `env:"CURRENCY" envDefault:"KRW"`

	DB         DB         `envPrefix:"DB_"`
	Redis      Redis      `envPrefix:"REDIS_"`
	RabbitMQ   RabbitMQ   `envPrefix:"RABBITMQ_"`
	Lock       Lock       `envPrefix:"LOCK_"`
	PG         PG         `envPrefix:"PG_"`
	Settlement Settlement `envPrefix:"SETTLEMENT_"`
	Scheduler  Scheduler  `envPrefix:"SCHEDULER_"`
	RateLimit  RateLimit  `envPrefix:"RATE_LIMIT_"`
	Log        Log        `envPrefix:"LOG_"`
}

type DB struct {
	User         string `env:"USER,required,notEmpty"`
	Pass         string `env:"PASS"`
	Host         string `env:"HOST" envDefault:"127.0.0.1"`
	Port         string `env:"PORT" envDefault:"3306"`
	Name         string `env:"NAME,required,notEmpty"`
	MaxOpenConns int    `env:"MAX_OPEN_CONNS" envDefault:"25"`
	Migrate      bool   `env:"MIGRATE" envDefault:"false"`
}

type RabbitMQ struct {
	URL               string `env:"URL"`
	NotificationQueue string `env:"NOTIFICATION_QUEUE" envDefault:"notification.requested"`
	PaymentQueue      string `env:"PAYMENT_QUEUE" envDefault:"payment.events"`
}

// Lock configures the Redis locks taken around capacity changes.
type Lock struct {
	Prefix        string        `env:"PREFIX" envDefault:"lock"`
	TTL           time.Duration `env:"TTL" envDefault:"10s"`
	Wait          time.Duration `env:"WAIT" envDefault:"3s"`
	RetryInterval time.Duration `env:"RETRY_INTERVAL" envDefault:"50ms"`
}

// PG is the payment gateway section. Enabled=false runs without a gateway
// and records refunds locally.
type PG struct {
	Enabled  bool          `env:"ENABLED" envDefault:"false"`
	Provider string        `env:"PROVIDER" envDefault:"portone"`
	BaseURL  string        `env:"BASE_URL" envDefault:"https://api.iamport.kr"`
	APIKey   string        `env:"API_KEY"`
	Secret   string        `env:"API_SECRET"`
	Timeout  time.Duration `env:"TIMEOUT" envDefault:"10s"`

	// Midtrans only.
	ServerKey  string `env:"SERVER_KEY"`
	Production bool   `env:"PRODUCTION" envDefault:"false"`
}

type Settlement struct {
	PlatformFeeRate   float64 `env:"PLATFORM_FEE_RATE" envDefault:"0.1"`
	B2BCommissionRate float64 `env:"B2B_COMMISSION_RATE" envDefault:"0.05"`
	PayoutSalt        string  `env:"PAYOUT_SALT" envDefault:"settlement"`
}

// Scheduler holds cron specs; an empty spec disables that job.
type Scheduler struct {
	Enabled       bool   `env:"ENABLED" envDefault:"true"`
	MonthlySettle string `env:"MONTHLY_SETTLEMENT" envDefault:"0 3 1 * *"`
	WeeklyPayout  string `env:"WEEKLY_PAYOUT" envDefault:"0 10 * * MON"`
	NightlyAudit  string `env:"CAPACITY_AUDIT" envDefault:"30 2 * * *"`
	Timezone      string `env:"TIMEZONE" envDefault:"Asia/Seoul"`
}

type Log struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
}

// Load reads .env when present and parses the environment into Config.
// Missing required variables are returned as an error.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.RateLimit.Capacity < 1 {
		cfg.RateLimit.Capacity = 1
	}
	if cfg.RateLimit.RefillTokens < 1 {
		cfg.RateLimit.RefillTokens = 1
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}
	if minTTL := 5 * cfg.RateLimit.RefillInterval; cfg.RateLimit.TTL < minTTL {
		cfg.RateLimit.TTL = minTTL
	}
	return cfg, nil
}
