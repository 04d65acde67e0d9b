package ledger

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// NewSQLite opens (or creates) a ledger database at path. The pool is pinned
// to one connection so SQLite never reports SQLITE_BUSY between writers.
func NewSQLite(ctx context.Context, path string, opts ...Option) (Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite ledger: %w", err)
	}
	db.SetMaxOpenConns(1)
	s, err := newSQLStore(ctx, db, dialect{name: "sqlite"}, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
