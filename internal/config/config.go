// Package config loads application configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	// DialectPostgres is the postgres database dialect identifier.
	DialectPostgres = "postgres"
	// DialectSQLite is the embedded sqlite dialect, used when no
	// DATABASE_URL is provided (development and tests).
	DialectSQLite = "sqlite"
)

type Config struct {
	// DatabaseURL selects the relational store. postgres:// DSNs are passed
	// to the driver as-is; empty falls back to an embedded sqlite file.
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"blockpool.db"`

	// ExplorerURL is the base URL of the esplora-style block indexing API.
	ExplorerURL string `env:"EXPLORER_URL" envDefault:"https://blockstream.info/api"`

	// Social feed posting service. Announcements are disabled when the
	// URL is empty.
	SocialURL   string `env:"SOCIAL_URL"`
	SocialToken string `env:"SOCIAL_TOKEN"`

	// AdminIDs is the fixed allow-list of principals permitted to call
	// create/close/compute-result/transfer operations.
	AdminIDs []string `env:"ADMIN_IDS" envSeparator:","`

	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// PollInterval drives the auto-close scheduler in cmd/server.
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"30s"`

	// Gateway retry and rate-ceiling knobs.
	GatewayTimeout   time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"10s"`
	GatewayBaseDelay time.Duration `env:"GATEWAY_BASE_DELAY" envDefault:"500ms"`
	GatewayAttempts  int           `env:"GATEWAY_ATTEMPTS" envDefault:"3"`
	PostsPerHour     int           `env:"POSTS_PER_HOUR" envDefault:"5"`

	Debug bool `env:"DEBUG"`

	dbDialect string
	dbDSN     string
}

// Load parses the environment into a Config and resolves the database
// dialect. Call godotenv.Load beforehand if a .env file should apply.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	dialect, dsn, err := resolveDatabase(cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		return Config{}, err
	}
	cfg.dbDialect = dialect
	cfg.dbDSN = dsn

	if cfg.GatewayAttempts < 1 {
		return Config{}, fmt.Errorf("GATEWAY_ATTEMPTS must be at least 1, got %d", cfg.GatewayAttempts)
	}
	return cfg, nil
}

// DBDialect returns the resolved database dialect.
func (c Config) DBDialect() string { return c.dbDialect }

// DBDSN returns the DSN string passed to the GORM driver.
func (c Config) DBDSN() string { return c.dbDSN }

// resolveDatabase interprets DATABASE_URL and returns (dialect, dsn).
// Supported schemes: postgres, postgresql, sqlite.
func resolveDatabase(databaseURL, sqlitePath string) (string, string, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return DialectSQLite, sqlitePath, nil
	}
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case DialectPostgres, "postgresql":
		// GORM postgres driver accepts URL DSN as-is
		return DialectPostgres, databaseURL, nil
	case DialectSQLite:
		return DialectSQLite, strings.TrimPrefix(databaseURL, "sqlite://"), nil
	default:
		return "", "", fmt.Errorf("unsupported DATABASE_URL scheme: %s", u.Scheme)
	}
}

// DebugString returns a human-friendly configuration string with masked secrets.
func (c Config) DebugString() string {
	return fmt.Sprintf(
		"db=%s dsn=%s explorer=%s social=%s admins=%d listen=%s poll=%s",
		c.dbDialect,
		maskDSN(c.dbDialect, c.dbDSN),
		c.ExplorerURL,
		c.SocialURL,
		len(c.AdminIDs),
		c.ListenAddr,
		c.PollInterval,
	)
}

func maskDSN(dialect, dsn string) string {
	switch strings.ToLower(dialect) {
	case DialectPostgres:
		if u, err := url.Parse(dsn); err == nil && u.Scheme != "" {
			if u.User != nil {
				username := u.User.Username()
				u.User = url.User(username)
			}
			return u.String()
		}
		// Fallback for DSN as key-value list
		parts := strings.Fields(dsn)
		for i, p := range parts {
			if strings.HasPrefix(strings.ToLower(p), "password=") {
				parts[i] = "password=***"
			}
		}
		return strings.Join(parts, " ")
	default:
		return dsn
	}
}
