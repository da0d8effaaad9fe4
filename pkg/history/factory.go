package history

import (
	"log/slog"

	"github.com/freitascorp/cumin/pkg/cuminerrors"
)

// Config selects and configures a history Store. DSN is a filesystem
// path for "sqlite" and is ignored for "memory" and "postgres"; the
// "postgres" driver reads its connection settings from Postgres.
type Config struct {
	Driver   string // "", "memory", "sqlite", "postgres"
	DSN      string
	Postgres *PostgresConfig
}

// NewStore builds the Store selected by cfg.Driver.
func NewStore(cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Driver {
	case "", "memory":
		logger.Info("history store: using in-memory backend (non-durable)")
		return NewMemoryStore(), nil

	case "sqlite":
		if cfg.DSN == "" {
			return nil, cuminerrors.New(cuminerrors.ConfigError, "history.driver sqlite requires history.dsn")
		}
		logger.Info("history store: using SQLite backend", "path", cfg.DSN)
		return NewSQLiteStore(cfg.DSN)

	case "postgres":
		if cfg.Postgres == nil {
			return nil, cuminerrors.New(cuminerrors.ConfigError, "history.driver postgres requires postgres connection settings")
		}
		logger.Info("history store: using PostgreSQL backend", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		return NewPostgresStore(*cfg.Postgres)

	default:
		return nil, cuminerrors.New(cuminerrors.ConfigError, "unknown history.driver %q (supported: memory, sqlite, postgres)", cfg.Driver)
	}
}
