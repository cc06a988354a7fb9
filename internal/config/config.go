package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every runtime setting of the service.
type Config struct {
	AppEnv         string `env:"APP_ENV" envDefault:"development"`
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat      string `env:"LOG_FORMAT" envDefault:"text"`
	HTTPListenAddr string `env:"HTTP_LISTEN_ADDR" envDefault:":8080"`
	PublicBasePath string `env:"PUBLIC_BASE_PATH"`

	StoreDriver    string `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL    string `env:"DATABASE_URL"`
	DatabaseSchema string `env:"DATABASE_SCHEMA" envDefault:"public"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisTLS      bool   `env:"REDIS_TLS" envDefault:"false"`

	NATSURL          string `env:"NATS_URL"`
	MetricsNamespace string `env:"METRICS_NAMESPACE" envDefault:"antrian"`

	WhatsAppStorePath string `env:"WHATSAPP_STORE_PATH"`
	WhatsAppLogLevel  string `env:"WHATSAPP_LOG_LEVEL" envDefault:"INFO"`
	WhatsAppAccountID string `env:"WHATSAPP_ACCOUNT_ID"`
	WhatsAppDeviceID  string `env:"WHATSAPP_DEVICE_ID"`

	PairingCodeTTL    time.Duration `env:"PAIRING_CODE_TTL" envDefault:"2m"`
	LeaseTTL          time.Duration `env:"LEASE_TTL" envDefault:"90s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"30s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"10s"`

	SendTimeout          time.Duration `env:"SEND_TIMEOUT" envDefault:"30s"`
	CheckTimeout         time.Duration `env:"CHECK_TIMEOUT" envDefault:"20s"`
	DispatchPollInterval time.Duration `env:"DISPATCH_POLL_INTERVAL" envDefault:"2s"`
	MaxRetries           int           `env:"MAX_RETRIES" envDefault:"3"`
	RetryBaseDelay       time.Duration `env:"RETRY_BASE_DELAY" envDefault:"5s"`
	RetryMaxDelay        time.Duration `env:"RETRY_MAX_DELAY" envDefault:"5m"`

	CircuitTripFailures int           `env:"CIRCUIT_TRIP_FAILURES" envDefault:"3"`
	CircuitBaseDelay    time.Duration `env:"CIRCUIT_BASE_DELAY" envDefault:"30s"`
	CircuitMaxDelay     time.Duration `env:"CIRCUIT_MAX_DELAY" envDefault:"10m"`

	DefaultMinDelaySeconds int `env:"DEFAULT_MIN_DELAY_SECONDS" envDefault:"5"`
	DefaultMaxDelaySeconds int `env:"DEFAULT_MAX_DELAY_SECONDS" envDefault:"15"`

	ClaimRatePerMinute int           `env:"CLAIM_RATE_PER_MINUTE" envDefault:"10"`
	MaxBatchSize       int           `env:"MAX_BATCH_SIZE" envDefault:"5000"`
	ReachabilityTTL    time.Duration `env:"REACHABILITY_TTL" envDefault:"24h"`

	DispatchLockTTL time.Duration `env:"DISPATCH_LOCK_TTL" envDefault:"30s"`
	JanitorSchedule string        `env:"JANITOR_SCHEDULE" envDefault:"@every 1m"`
}

// Load parses the environment into Config and validates it.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks cross-field constraints env tags cannot express.
func (c Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.StoreDriver) {
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when STORE_DRIVER=postgres"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", c.StoreDriver))
	}
	if c.LeaseTTL <= c.HeartbeatInterval {
		errs = append(errs, errors.New("LEASE_TTL must exceed HEARTBEAT_INTERVAL"))
	}
	if c.HeartbeatTimeout <= 0 || c.PairingCodeTTL <= 0 || c.SendTimeout <= 0 || c.CheckTimeout <= 0 {
		errs = append(errs, errors.New("timeouts and TTLs must be positive"))
	}
	if c.DispatchPollInterval <= 0 {
		errs = append(errs, errors.New("DISPATCH_POLL_INTERVAL must be positive"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("MAX_RETRIES must not be negative"))
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		errs = append(errs, errors.New("RETRY_BASE_DELAY must be positive and not exceed RETRY_MAX_DELAY"))
	}
	if c.CircuitTripFailures < 1 || c.CircuitBaseDelay <= 0 || c.CircuitMaxDelay < c.CircuitBaseDelay {
		errs = append(errs, errors.New("circuit breaker settings out of range"))
	}
	if c.DefaultMinDelaySeconds < 0 || c.DefaultMaxDelaySeconds < c.DefaultMinDelaySeconds {
		errs = append(errs, errors.New("DEFAULT_MIN_DELAY_SECONDS must be >= 0 and <= DEFAULT_MAX_DELAY_SECONDS"))
	}
	if c.ClaimRatePerMinute < 1 {
		errs = append(errs, errors.New("CLAIM_RATE_PER_MINUTE must be at least 1"))
	}
	if c.MaxBatchSize < 1 {
		errs = append(errs, errors.New("MAX_BATCH_SIZE must be at least 1"))
	}
	if c.DispatchLockTTL <= 0 {
		errs = append(errs, errors.New("DISPATCH_LOCK_TTL must be positive"))
	}
	if strings.TrimSpace(c.JanitorSchedule) == "" {
		errs = append(errs, errors.New("JANITOR_SCHEDULE is required"))
	}
	if c.WhatsAppStorePath != "" && c.WhatsAppAccountID == "" {
		errs = append(errs, errors.New("WHATSAPP_ACCOUNT_ID is required when WHATSAPP_STORE_PATH is set"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
