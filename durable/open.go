package durable

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrEthical07/authmesh/session"
)

// Store is a durable session tier that also serves as the user directory.
type Store interface {
	session.Durable
	UserDirectory
	Close() error
}

// Options selects and sizes a backend.
type Options struct {
	// Driver is "postgres" or "sqlite".
	Driver string
	// DSN is a postgres connection string or a sqlite path (":memory:" allowed).
	DSN  string
	Pool PoolConfig
	// AutoMigrate runs the embedded migrations before the pool opens (postgres only;
	// the sqlite schema is always created in place).
	AutoMigrate bool
}

// Open connects the configured backend.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Store, error) {
	switch opts.Driver {
	case "postgres":
		if opts.AutoMigrate {
			if err := Migrate(opts.DSN, "up"); err != nil {
				return nil, fmt.Errorf("durable: migrate: %w", err)
			}
		}
		pool, err := NewPostgresPool(ctx, opts.DSN, opts.Pool)
		if err != nil {
			return nil, err
		}
		return NewPostgresStore(pool, logger), nil
	case "sqlite":
		return NewSQLiteStore(opts.DSN, logger)
	default:
		return nil, fmt.Errorf("durable: unsupported driver %q", opts.Driver)
	}
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
