package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete application configuration, loadable from
// environment variables (SOKO_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (SOKO_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	JWTSecret   string `usage:"HMAC secret for signing bearer tokens (SOKO_JWT_SECRET)" flag:"jwt-secret"`
	Mpesa       MpesaConfig
	SMTP        SMTPConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Graceful    GracefulConfig
}

// MpesaConfig holds the Daraja gateway credentials and reconciliation tuning.
type MpesaConfig struct {
	ConsumerKey     string        `usage:"Daraja consumer key" flag:"mpesa-consumer-key"`
	ConsumerSecret  string        `usage:"Daraja consumer secret" flag:"mpesa-consumer-secret"`
	ShortCode       string        `default:"174379" usage:"Business short code" flag:"mpesa-short-code"`
	Passkey         string        `usage:"Lipa Na M-Pesa online passkey" flag:"mpesa-passkey"`
	CallbackURL     string        `usage:"Publicly reachable URL for STK callbacks" flag:"mpesa-callback-url"`
	Env             string        `default:"sandbox" usage:"Gateway environment: sandbox or production" flag:"mpesa-env"`
	BaseURL         string        `usage:"Override the gateway base URL (integration tests)" flag:"mpesa-base-url"`
	PollInterval    time.Duration `default:"10s" usage:"Delay between payment status queries" flag:"mpesa-poll-interval"`
	MaxPollAttempts int           `default:"30" usage:"Status query ceiling before an order times out" flag:"mpesa-max-poll-attempts"`
}

// SMTPConfig holds the optional mail relay used for password reset codes.
// When Host is empty, reset codes are written to the log instead.
type SMTPConfig struct {
	Host     string `usage:"SMTP relay host (empty disables email delivery)" flag:"smtp-host"`
	Port     int    `default:"587" usage:"SMTP relay port" flag:"smtp-port"`
	Username string `usage:"SMTP username" flag:"smtp-username"`
	Password string `usage:"SMTP password" flag:"smtp-password"`
	From     string `usage:"Sender address for account email" flag:"smtp-from"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "SOKO",
		Files:     []string{"config.yaml", "/etc/soko/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set SOKO_DATABASE_URL or DATABASE_URL")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT secret is required: set SOKO_JWT_SECRET")
	}

	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's SOKO_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
