package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// NewPostgres connects to databaseURL and ensures the ledger tables exist.
// Updates hold a row lock (SELECT ... FOR UPDATE) for the account.
func NewPostgres(ctx context.Context, databaseURL string, opts ...Option) (Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s, err := newSQLStore(ctx, db, dialect{name: "postgres", lockSuffix: " FOR UPDATE", numbered: true}, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Open selects a backend by driver name: "memory", "sqlite" or "postgres".
func Open(ctx context.Context, driver, dsn string, opts ...Option) (Store, error) {
	switch driver {
	case "", "memory":
		return NewMemory(opts...), nil
	case "sqlite":
		return NewSQLite(ctx, dsn, opts...)
	case "postgres":
		return NewPostgres(ctx, dsn, opts...)
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", driver)
	}
}
