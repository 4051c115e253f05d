package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQL    = "sql"
	BackendTable  = "table"
	NotifierNone  = "none"
	NotifierQueue = "queue"
)

// Config is the process configuration, read from the environment.
type Config struct {
	Debug           bool          `env:"DEBUG"`
	Port            string        `env:"PORT" envDefault:"8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	CORSOrigins     []string      `env:"CORS_ORIGINS" envDefault:"*" envSeparator:","`

	DatabaseURL        string `env:"DATABASE_URL"`
	DBMaxOpenConns     int    `env:"DB_MAX_OPEN_CONNS" envDefault:"20"`
	PositionMaxRetries int    `env:"POSITION_MAX_RETRIES" envDefault:"5"`

	RedisConnectionString string        `env:"REDIS_CONNECTION_STRING"`
	PresenceBackend       string        `env:"PRESENCE_BACKEND" envDefault:"memory"`
	PresenceTTL           time.Duration `env:"PRESENCE_TTL" envDefault:"12h"`
	BackplaneChannel      string        `env:"BACKPLANE_CHANNEL" envDefault:"board-sync:frames"`
	SendBuffer            int           `env:"SEND_BUFFER" envDefault:"64"`

	MembershipBackend  string        `env:"MEMBERSHIP_BACKEND" envDefault:"sql"`
	MembershipCacheTTL time.Duration `env:"MEMBERSHIP_CACHE_TTL" envDefault:"30s"`

	StorageConnectionString string `env:"STORAGE_CONNECTION_STRING"`
	MembersTable            string `env:"MEMBERS_TABLE" envDefault:"BoardMembers"`
	NotificationQueue       string `env:"NOTIFICATION_QUEUE" envDefault:"notifications"`
	Notifier                string `env:"NOTIFIER" envDefault:"none"`

	NotifyWorkers        int           `env:"NOTIFY_WORKERS" envDefault:"4"`
	NotifyBuffer         int           `env:"NOTIFY_BUFFER" envDefault:"256"`
	NotifyTimeout        time.Duration `env:"NOTIFY_TIMEOUT" envDefault:"10s"`
	NotifyHandoffTimeout time.Duration `env:"NOTIFY_HANDOFF_TIMEOUT" envDefault:"25ms"`

	Auth0Domain           string        `env:"AUTH0_DOMAIN"`
	Auth0Audience         string        `env:"AUTH0_AUDIENCE"`
	LocalAuthMode         string        `env:"LOCAL_AUTH_MODE"`
	LocalAuthSharedSecret string        `env:"LOCAL_AUTH_SHARED_SECRET"`
	JWKSCacheTTL          time.Duration `env:"JWKS_CACHE_TTL" envDefault:"15m"`

	RelayToken string `env:"RELAY_TOKEN"`
	RelayQueue string `env:"RELAY_QUEUE"`
	// RelayDedupeTTL is how long relayed message ids are remembered when Redis is configured.
	RelayDedupeTTL time.Duration `env:"RELAY_DEDUPE_TTL" envDefault:"24h"`

	OtelEndpoint    string `env:"OTEL_ENDPOINT"`
	OtelServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"board-sync"`
}

// Load reads files (or .env when none are given) into the environment without
// overriding variables already set, then parses the environment.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && len(files) > 0 {
		return Config{}, fmt.Errorf("load env files: %w", err)
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.PresenceBackend = strings.ToLower(cfg.PresenceBackend)
	cfg.MembershipBackend = strings.ToLower(cfg.MembershipBackend)
	cfg.Notifier = strings.ToLower(cfg.Notifier)
	return cfg, nil
}

// Validate checks the settings the serve command depends on.
func (c Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.PositionMaxRetries < 0 {
		errs = append(errs, errors.New("POSITION_MAX_RETRIES must not be negative"))
	}

	switch c.PresenceBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisConnectionString == "" {
			errs = append(errs, errors.New("REDIS_CONNECTION_STRING is required for the redis presence backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported PRESENCE_BACKEND %q", c.PresenceBackend))
	}

	switch c.MembershipBackend {
	case BackendSQL:
	case BackendTable:
		if c.StorageConnectionString == "" || c.MembersTable == "" {
			errs = append(errs, errors.New("STORAGE_CONNECTION_STRING and MEMBERS_TABLE are required for the table membership backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported MEMBERSHIP_BACKEND %q", c.MembershipBackend))
	}

	switch c.Notifier {
	case NotifierNone:
	case NotifierQueue:
		if c.StorageConnectionString == "" || c.NotificationQueue == "" {
			errs = append(errs, errors.New("STORAGE_CONNECTION_STRING and NOTIFICATION_QUEUE are required for the queue notifier"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported NOTIFIER %q", c.Notifier))
	}

	if c.RelayQueue != "" && c.StorageConnectionString == "" {
		errs = append(errs, errors.New("STORAGE_CONNECTION_STRING is required to consume RELAY_QUEUE"))
	}
	if c.LocalAuthMode == "" && (c.Auth0Domain == "" || c.Auth0Audience == "") {
		errs = append(errs, errors.New("missing Auth0 config"))
	}
	return errors.Join(errs...)
}

// ListenAddr is the address the HTTP server binds.
func (c Config) ListenAddr() string {
	if strings.Contains(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}

// JWKSURL is the Auth0 tenant's key set.
func (c Config) JWKSURL() string {
	return fmt.Sprintf("https://%s/.well-known/jwks.json", c.Auth0Domain)
}

// Issuer is the expected token issuer.
func (c Config) Issuer() string {
	return "https://" + c.Auth0Domain + "/"
}
