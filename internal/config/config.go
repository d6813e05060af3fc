// Package config loads server settings from the environment.
//
// Values come from three places, later ones winning:
//  1. built-in defaults
//  2. a .env file in the working directory (optional) and the process environment
//  3. command-line flags that were explicitly set (see RegisterFlags/ApplyFlags)
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// Storage backends.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	SessionStoreDatabase = "database"
	SessionStoreRedis    = "redis"
)

// MinSecretLength is the shortest SESSION_SECRET accepted.
const MinSecretLength = 16

// Config holds everything the server needs to start.
type Config struct {
	Port int

	DBDriver    string
	DBPath      string
	DatabaseURL string

	SessionStore string
	RedisURL     string

	SessionSecret string
	// SecretGenerated is true when no secret was configured and a random
	// one was made for this process. Sessions will not survive a restart.
	SecretGenerated bool

	SessionTTL          time.Duration
	SessionIdleTimeout  time.Duration
	SessionReapInterval time.Duration
	CookieSecure        bool

	BcryptCost int

	// LoginRateLimit is attempts per minute per client and username.
	// Zero disables rate limiting.
	LoginRateLimit float64
	LoginRateBurst int

	LogLevel  string
	LogFormat string
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:                8080,
		DBDriver:            DriverSQLite,
		DBPath:              "data/users.db",
		SessionStore:        SessionStoreDatabase,
		RedisURL:            "redis://127.0.0.1:6379/0",
		SessionTTL:          24 * time.Hour,
		SessionIdleTimeout:  2 * time.Hour,
		SessionReapInterval: 10 * time.Minute,
		BcryptCost:          12,
		LoginRateLimit:      10,
		LoginRateBurst:      5,
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

// Load reads .env (if present) and the environment on top of Default.
// A missing secret is replaced by a random one.
func Load() (*Config, error) {
	// .env is optional; real environment variables take precedence over it
	_ = godotenv.Load()

	cfg := Default()
	var errs []error

	cfg.Port = envInt("PORT", cfg.Port, &errs)
	cfg.DBDriver = envString("DB_DRIVER", cfg.DBDriver)
	cfg.DBPath = envString("DB_PATH", cfg.DBPath)
	cfg.DatabaseURL = envString("DATABASE_URL", cfg.DatabaseURL)
	cfg.SessionStore = envString("SESSION_STORE", cfg.SessionStore)
	cfg.RedisURL = envString("REDIS_URL", cfg.RedisURL)
	cfg.SessionSecret = envString("SESSION_SECRET", "")
	cfg.SessionTTL = envDuration("SESSION_TTL", cfg.SessionTTL, &errs)
	cfg.SessionIdleTimeout = envDuration("SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout, &errs)
	cfg.SessionReapInterval = envDuration("SESSION_REAP_INTERVAL", cfg.SessionReapInterval, &errs)
	cfg.CookieSecure = envBool("COOKIE_SECURE", cfg.CookieSecure, &errs)
	cfg.BcryptCost = envInt("BCRYPT_COST", cfg.BcryptCost, &errs)
	cfg.LoginRateLimit = envFloat("LOGIN_RATE_LIMIT", cfg.LoginRateLimit, &errs)
	cfg.LoginRateBurst = envInt("LOGIN_RATE_BURST", cfg.LoginRateBurst, &errs)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envString("LOG_FORMAT", cfg.LogFormat)

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.ensureSecret(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// RegisterFlags adds the command-line overrides to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.Int("port", d.Port, "HTTP listen port")
	fs.String("db-driver", d.DBDriver, "user store backend: sqlite or postgres")
	fs.String("db-path", d.DBPath, "SQLite database file")
	fs.String("database-url", "", "PostgreSQL connection URL")
	fs.String("session-store", d.SessionStore, "session backend: database or redis")
	fs.String("redis-url", d.RedisURL, "Redis URL for the redis session store")
	fs.String("log-level", d.LogLevel, "debug, info, warn or error")
	fs.String("log-format", d.LogFormat, "text or json")
}

// ApplyFlags copies every flag the user explicitly set into c. Flags left at
// their defaults never override values from the environment.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	k := koanf.New(".")
	changedOnly := func(f *pflag.Flag) (string, interface{}) {
		if !f.Changed {
			return "", nil
		}
		return f.Name, posflag.FlagVal(fs, f)
	}
	if err := k.Load(posflag.ProviderWithFlag(fs, ".", k, changedOnly), nil); err != nil {
		return fmt.Errorf("config: reading flags: %w", err)
	}

	if k.Exists("port") {
		c.Port = k.Int("port")
	}
	strFlags := map[string]*string{
		"db-driver":     &c.DBDriver,
		"db-path":       &c.DBPath,
		"database-url":  &c.DatabaseURL,
		"session-store": &c.SessionStore,
		"redis-url":     &c.RedisURL,
		"log-level":     &c.LogLevel,
		"log-format":    &c.LogFormat,
	}
	for name, dst := range strFlags {
		if k.Exists(name) {
			*dst = k.String(name)
		}
	}
	return nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port))
	}

	switch c.DBDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			errs = append(errs, errors.New("DB_PATH is required for the sqlite driver"))
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DBDriver))
	}

	switch c.SessionStore {
	case SessionStoreDatabase:
	case SessionStoreRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis session store"))
		}
	default:
		errs = append(errs, fmt.Errorf("SESSION_STORE must be %q or %q, got %q", SessionStoreDatabase, SessionStoreRedis, c.SessionStore))
	}

	if len(c.SessionSecret) < MinSecretLength {
		errs = append(errs, fmt.Errorf("SESSION_SECRET must be at least %d characters", MinSecretLength))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("SESSION_TTL must be positive"))
	}
	if c.SessionIdleTimeout < 0 {
		errs = append(errs, errors.New("SESSION_IDLE_TIMEOUT must not be negative"))
	}
	if c.SessionReapInterval <= 0 {
		errs = append(errs, errors.New("SESSION_REAP_INTERVAL must be positive"))
	}
	if c.LoginRateLimit < 0 || c.LoginRateBurst < 0 {
		errs = append(errs, errors.New("LOGIN_RATE_LIMIT and LOGIN_RATE_BURST must not be negative"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) ensureSecret() error {
	if c.SessionSecret != "" {
		return nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("config: generating session secret: %w", err)
	}
	c.SessionSecret = hex.EncodeToString(buf)
	c.SecretGenerated = true
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

func envFloat(key string, def float64, errs *[]error) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid number %q", key, v))
		return def
	}
	return f
}

func envBool(key string, def bool, errs *[]error) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return def
	}
	return b
}

func envDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}
