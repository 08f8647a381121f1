package config

import (
	"fmt"
	"time"

	env "github.com/caarlos0/env/v11"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	Port        int    `env:"PORT" envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	AppEnv      string `env:"APP_ENV" envDefault:"production"`

	// Empty AMQPURL falls back to log-only notifications.
	AMQPURL string `env:"AMQP_URL"`

	MTNBaseURL         string `env:"MTN_MOMO_API_URL" envDefault:"https://sandbox.momodeveloper.mtn.com"`
	MTNSubscriptionKey string `env:"MTN_MOMO_SUBSCRIPTION_KEY"`
	MTNAPIUser         string `env:"MTN_MOMO_API_USER"`
	MTNAPIKey          string `env:"MTN_MOMO_API_KEY"`
	MTNTargetEnv       string `env:"MTN_MOMO_TARGET_ENV" envDefault:"mtnuganda"`
	MTNCallbackURL     string `env:"MTN_MOMO_CALLBACK_URL"`
	MTNWebhookSecret   string `env:"MTN_MOMO_WEBHOOK_SECRET,required"`

	AirtelBaseURL       string `env:"AIRTEL_MONEY_API_URL" envDefault:"https://openapiuat.airtel.africa"`
	AirtelClientID      string `env:"AIRTEL_MONEY_CLIENT_ID"`
	AirtelClientSecret  string `env:"AIRTEL_MONEY_CLIENT_SECRET"`
	AirtelCountry       string `env:"AIRTEL_MONEY_COUNTRY" envDefault:"UG"`
	AirtelCallbackURL   string `env:"AIRTEL_MONEY_CALLBACK_URL"`
	AirtelWebhookSecret string `env:"AIRTEL_MONEY_WEBHOOK_SECRET,required"`

	// Provider SLAs for confirmation latency are not published; poll
	// cadence and the expiry window stay tunable per environment.
	PollScanInterval time.Duration `env:"POLL_SCAN_INTERVAL" envDefault:"30s"`

	// PollInitiateGrace must cover the worst-case initiate call (token
	// fetch plus a 401 retry) so the scheduler never polls a reference the
	// provider has not registered yet.
	PollInitiateGrace time.Duration `env:"POLL_INITIATE_GRACE" envDefault:"30s"`
	PollFastInterval time.Duration `env:"POLL_FAST_INTERVAL" envDefault:"5s"`
	PollFastAttempts int           `env:"POLL_FAST_ATTEMPTS" envDefault:"6"`
	PollMultiplier   float64       `env:"POLL_MULTIPLIER" envDefault:"2.0"`
	PollMaxInterval  time.Duration `env:"POLL_MAX_INTERVAL" envDefault:"2m"`
	PollBatchSize    int           `env:"POLL_BATCH_SIZE" envDefault:"100"`
	ExpiryWindow     time.Duration `env:"PAYMENT_EXPIRY_WINDOW" envDefault:"15m"`

	// ProviderTimeout must stay below PollFastInterval so a hung call
	// cannot stall a watcher past its tick.
	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"4s"`
	TokenTTLMargin  time.Duration `env:"TOKEN_TTL_MARGIN" envDefault:"5m"`

	DBMaxOpenConns     int `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns     int `env:"DB_MAX_IDLE_CONNS" envDefault:"10"`
	DBConnMaxLifetimeS int `env:"DB_CONN_MAX_LIFETIME_S" envDefault:"300"`
	DBConnMaxIdleTimeS int `env:"DB_CONN_MAX_IDLE_TIME_S" envDefault:"60"`
}

func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}
