package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL,required"`
	JWTSecret   string `env:"JWT_SECRET,required"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Lightning daemon (LND REST)
	LNDRestURL       string `env:"LND_REST_URL" envDefault:"https://localhost:8080"`
	LNDMacaroonHex   string `env:"LND_MACAROON_HEX"`
	LNDTLSSkipVerify bool   `env:"LND_TLS_SKIP_VERIFY" envDefault:"false"`

	// Marketplace tunables
	CommissionRate          float64 `env:"COMMISSION_RATE" envDefault:"0.10"`
	NodeRegistrationFeeSats int64   `env:"NODE_REGISTRATION_FEE_SATS" envDefault:"1000"`
	InvoiceExpirySeconds    int     `env:"INVOICE_EXPIRY_SECONDS" envDefault:"3600"`
	WithdrawalsEnabled      bool    `env:"WITHDRAWALS_ENABLED" envDefault:"false"`

	// Timers
	HeartbeatTimeoutSeconds int `env:"HEARTBEAT_TIMEOUT_SECONDS" envDefault:"60"`
	NodeSweepSeconds        int `env:"NODE_SWEEP_SECONDS" envDefault:"5"`
	InvoicePollSeconds      int `env:"INVOICE_POLL_SECONDS" envDefault:"3"`
	StartingTimeoutSeconds  int `env:"STARTING_TIMEOUT_SECONDS" envDefault:"600"`
	DownloadTimeoutSeconds  int `env:"DOWNLOAD_TIMEOUT_SECONDS" envDefault:"1800"`
	TokenIdleTimeoutSeconds int `env:"TOKEN_IDLE_TIMEOUT_SECONDS" envDefault:"180"`
	AccessTokenExpiryHours  int `env:"ACCESS_TOKEN_EXPIRY_HOURS" envDefault:"24"`
	SessionMinMinutes       int `env:"SESSION_MIN_MINUTES" envDefault:"1"`
	SessionMaxMinutes       int `env:"SESSION_MAX_MINUTES" envDefault:"120"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSeconds) * time.Second
}

func (c *Config) NodeSweepInterval() time.Duration {
	return time.Duration(c.NodeSweepSeconds) * time.Second
}

func (c *Config) InvoicePollInterval() time.Duration {
	return time.Duration(c.InvoicePollSeconds) * time.Second
}

func (c *Config) InvoiceExpiry() time.Duration {
	return time.Duration(c.InvoiceExpirySeconds) * time.Second
}

func (c *Config) StartingTimeout() time.Duration {
	return time.Duration(c.StartingTimeoutSeconds) * time.Second
}

func (c *Config) DownloadTimeout() time.Duration {
	return time.Duration(c.DownloadTimeoutSeconds) * time.Second
}

func (c *Config) TokenIdleTimeout() time.Duration {
	return time.Duration(c.TokenIdleTimeoutSeconds) * time.Second
}

func (c *Config) AccessTokenExpiry() time.Duration {
	return time.Duration(c.AccessTokenExpiryHours) * time.Hour
}

func (c *Config) Validate(isProduction bool) error {
	if c.CommissionRate < 0 || c.CommissionRate >= 1 {
		return fmt.Errorf("COMMISSION_RATE must be in [0, 1), got %v", c.CommissionRate)
	}
	if c.SessionMinMinutes < 1 || c.SessionMaxMinutes < c.SessionMinMinutes {
		return fmt.Errorf("invalid session minute bounds [%d, %d]", c.SessionMinMinutes, c.SessionMaxMinutes)
	}

	if isProduction {
		if err := validateSecret("JWT_SECRET", c.JWTSecret); err != nil {
			return err
		}
		if c.LNDMacaroonHex == "" {
			log.Warn().Msg("LND_MACAROON_HEX is empty in production: invoice creation will fail")
		}
		if c.LNDTLSSkipVerify {
			log.Warn().Msg("LND_TLS_SKIP_VERIFY is set in production: LND certificate will not be verified")
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
