package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// DefaultRoundingAccountID is the well-known id of the FX rounding account.
const DefaultRoundingAccountID = "dddddddd-dddd-dddd-dddd-dddddddddddd"

type Config struct {
	Port         string
	StoreBackend string // "memory" or "postgres"
	Log          LogConfig
	Ledger       LedgerConfig
	Outbox       OutboxConfig
	JWT          JWTConfig
	Idempotency  IdempotencyConfig
	DemoUsers    map[string]string // username -> password
}

type LogConfig struct {
	Level  string
	Pretty bool
}

type LedgerConfig struct {
	BaseCurrency      string
	RoundingAccountID uuid.UUID
	FxRates           string
	SeedDemoAccounts  bool
}

type OutboxConfig struct {
	Enabled         bool
	PollInterval    time.Duration
	BatchSize       int
	DeliveryTimeout time.Duration
	WebhookURL      string
}

type JWTConfig struct {
	Secret string
	Expiry time.Duration
}

type IdempotencyConfig struct {
	ClaimTTL time.Duration
}

// Load reads .env (when present) and the environment into a Config.
func Load() (*Config, error) {
	viper.SetConfigFile(".env")
	viper.SetConfigType("env")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.BindEnv("server.port", "PORT")
	viper.BindEnv("store.backend", "STORE_BACKEND")
	viper.BindEnv("log.level", "LOG_LEVEL")
	viper.BindEnv("log.pretty", "LOG_PRETTY")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")
	viper.BindEnv("database.lock_timeout", "DATABASE_LOCK_TIMEOUT")

	viper.BindEnv("redis.enabled", "REDIS_ENABLED")
	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("ledger.base_currency", "LEDGER_BASE_CURRENCY")
	viper.BindEnv("ledger.rounding_account_id", "LEDGER_ROUNDING_ACCOUNT_ID")
	viper.BindEnv("ledger.fx_rates", "LEDGER_FX_RATES")
	viper.BindEnv("ledger.seed_demo_accounts", "LEDGER_SEED_DEMO_ACCOUNTS")

	viper.BindEnv("outbox.enabled", "OUTBOX_ENABLED")
	viper.BindEnv("outbox.poll_interval", "OUTBOX_POLL_INTERVAL")
	viper.BindEnv("outbox.batch_size", "OUTBOX_BATCH_SIZE")
	viper.BindEnv("outbox.delivery_timeout", "OUTBOX_DELIVERY_TIMEOUT")
	viper.BindEnv("outbox.webhook_url", "OUTBOX_WEBHOOK_URL")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry", "JWT_EXPIRY")
	viper.BindEnv("idempotency.claim_ttl", "IDEMPOTENCY_CLAIM_TTL")
	viper.BindEnv("auth.teller_password", "AUTH_TELLER_PASSWORD")
	viper.BindEnv("auth.auditor_password", "AUTH_AUDITOR_PASSWORD")

	setDefaults()

	// A missing .env is fine; the environment and defaults still apply.
	_ = viper.ReadInConfig()

	return fromViper()
}

func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("store.backend", "memory")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.pretty", false)

	viper.SetDefault("ledger.base_currency", "DOP")
	viper.SetDefault("ledger.rounding_account_id", DefaultRoundingAccountID)
	viper.SetDefault("ledger.fx_rates", "USD/DOP=57.14,DOP/USD=0.0175")
	viper.SetDefault("ledger.seed_demo_accounts", true)

	viper.SetDefault("outbox.enabled", true)
	viper.SetDefault("outbox.poll_interval", 2*time.Second)
	viper.SetDefault("outbox.batch_size", 50)
	viper.SetDefault("outbox.delivery_timeout", 5*time.Second)
	viper.SetDefault("outbox.webhook_url", "")

	viper.SetDefault("jwt.secret_key", "dev-only-secret-change-me")
	viper.SetDefault("jwt.expiry", 4*time.Hour)
	viper.SetDefault("idempotency.claim_ttl", 30*time.Second)
	viper.SetDefault("auth.teller_password", "teller123")
	viper.SetDefault("auth.auditor_password", "auditor123")
}

func fromViper() (*Config, error) {
	roundingID, err := uuid.Parse(viper.GetString("ledger.rounding_account_id"))
	if err != nil {
		return nil, fmt.Errorf("invalid ledger.rounding_account_id: %w", err)
	}

	backend := strings.ToLower(viper.GetString("store.backend"))
	if backend != "memory" && backend != "postgres" {
		return nil, fmt.Errorf("unsupported store backend %q", backend)
	}

	base := strings.ToUpper(strings.TrimSpace(viper.GetString("ledger.base_currency")))
	if len(base) != 3 {
		return nil, fmt.Errorf("invalid ledger.base_currency %q", base)
	}

	cfg := &Config{
		Port:         viper.GetString("server.port"),
		StoreBackend: backend,
		Log: LogConfig{
			Level:  viper.GetString("log.level"),
			Pretty: viper.GetBool("log.pretty"),
		},
		Ledger: LedgerConfig{
			BaseCurrency:      base,
			RoundingAccountID: roundingID,
			FxRates:           viper.GetString("ledger.fx_rates"),
			SeedDemoAccounts:  viper.GetBool("ledger.seed_demo_accounts"),
		},
		Outbox: OutboxConfig{
			Enabled:         viper.GetBool("outbox.enabled"),
			PollInterval:    viper.GetDuration("outbox.poll_interval"),
			BatchSize:       viper.GetInt("outbox.batch_size"),
			DeliveryTimeout: viper.GetDuration("outbox.delivery_timeout"),
			WebhookURL:      viper.GetString("outbox.webhook_url"),
		},
		JWT: JWTConfig{
			Secret: viper.GetString("jwt.secret_key"),
			Expiry: viper.GetDuration("jwt.expiry"),
		},
		Idempotency: IdempotencyConfig{
			ClaimTTL: viper.GetDuration("idempotency.claim_ttl"),
		},
		DemoUsers: map[string]string{
			"teller":  viper.GetString("auth.teller_password"),
			"auditor": viper.GetString("auth.auditor_password"),
		},
	}
	if cfg.JWT.Secret == "" {
		return nil, fmt.Errorf("jwt.secret_key must not be empty")
	}
	return cfg, nil
}
