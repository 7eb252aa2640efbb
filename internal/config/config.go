package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds service configuration.
type Config struct {
	DatabaseURL  string `env:"DATABASE_URL"`
	DBMaxConns   int32  `env:"DB_MAX_CONNS"  envDefault:"10"`
	ServerAddr   string `env:"SERVER_ADDR"   envDefault:"0.0.0.0:8080"`
	StoreDriver  string `env:"STORE_DRIVER"  envDefault:"postgres"`
	PubSubDriver string `env:"PUBSUB_DRIVER" envDefault:"local"`
	LogLevel     string `env:"LOG_LEVEL"     envDefault:"info"`

	JWTSecret string        `env:"JWT_SECRET"`
	JWTIssuer string        `env:"JWT_ISSUER" envDefault:"escrow-hub"`
	JWTTTL    time.Duration `env:"JWT_TTL"    envDefault:"24h"`

	AuditSigningKeyHex string `env:"AUDIT_SIGNING_KEY"`

	GatewayBaseURL       string        `env:"GATEWAY_BASE_URL"       envDefault:"https://api.razorpay.com/v1"`
	GatewayKeyID         string        `env:"GATEWAY_KEY_ID"`
	GatewayKeySecret     string        `env:"GATEWAY_KEY_SECRET"`
	GatewayWebhookSecret string        `env:"GATEWAY_WEBHOOK_SECRET"`
	GatewayPayoutAccount string        `env:"GATEWAY_PAYOUT_ACCOUNT"`
	GatewayTimeout       time.Duration `env:"GATEWAY_TIMEOUT"        envDefault:"15s"`
	PaymentGatewayMock   bool          `env:"PAYMENT_GATEWAY_MOCK"   envDefault:"false"`

	HistoryReplayLimit int    `env:"HISTORY_REPLAY_LIMIT" envDefault:"50"`
	MailFrom           string `env:"MAIL_FROM"            envDefault:"escrow@localhost"`
	AdminEmail         string `env:"ADMIN_EMAIL"`
	DecisionPolicy     string `env:"DECISION_POLICY"      envDefault:"scripted"`
}

// Load reads configuration from environment.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	cfg.PubSubDriver = strings.ToLower(strings.TrimSpace(cfg.PubSubDriver))
	cfg.DecisionPolicy = strings.ToLower(strings.TrimSpace(cfg.DecisionPolicy))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.PubSubDriver {
	case "local":
	case "postgres":
		if c.StoreDriver != "postgres" {
			return fmt.Errorf("PUBSUB_DRIVER=postgres needs STORE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("unknown PUBSUB_DRIVER %q", c.PubSubDriver)
	}
	switch c.DecisionPolicy {
	case "scripted", "rules":
	default:
		return fmt.Errorf("unknown DECISION_POLICY %q", c.DecisionPolicy)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if !c.PaymentGatewayMock && (c.GatewayKeyID == "" || c.GatewayKeySecret == "") {
		return fmt.Errorf("GATEWAY_KEY_ID and GATEWAY_KEY_SECRET are required unless PAYMENT_GATEWAY_MOCK is set")
	}
	if _, err := c.AuditSigningKey(); err != nil {
		return err
	}
	return nil
}

// AuditSigningKey decodes the hex audit key. An empty key disables signing.
func (c *Config) AuditSigningKey() ([]byte, error) {
	if c.AuditSigningKeyHex == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.AuditSigningKeyHex)
	if err != nil {
		return nil, fmt.Errorf("AUDIT_SIGNING_KEY must be hex: %w", err)
	}
	return key, nil
}
