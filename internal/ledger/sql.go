package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// maxUpdateAttempts bounds compare-and-swap retries when another writer
// bumped the account version between read and write.
const maxUpdateAttempts = 8

// dialect captures the differences between the SQL backends.
type dialect struct {
	name       string
	lockSuffix string // appended to the account read inside Update
	numbered   bool   // $1-style placeholders
}

// sqlStore implements Store over database/sql. Updates read the account row
// and its version inside a transaction, then write back only if the version
// is unchanged.
type sqlStore struct {
	db   *sql.DB
	d    dialect
	opts options
}

const schema = `
CREATE TABLE IF NOT EXISTS ledger_accounts (
	user_id    TEXT PRIMARY KEY,
	currency   TEXT NOT NULL,
	balance    TEXT NOT NULL,
	holdings   TEXT NOT NULL,
	version    BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS ledger_entries (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	kind          TEXT NOT NULL,
	symbol        TEXT NOT NULL,
	quantity      TEXT NOT NULL,
	price         TEXT NOT NULL,
	amount        TEXT NOT NULL,
	balance_after TEXT NOT NULL,
	seq           BIGINT NOT NULL,
	created_at    BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_entries_user ON ledger_entries (user_id, seq);
`

func newSQLStore(ctx context.Context, db *sql.DB, d dialect, opts []Option) (*sqlStore, error) {
	s := &sqlStore{db: db, d: d, opts: buildOptions(opts)}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("%s ledger schema: %w", d.name, err)
		}
	}
	return s, nil
}

// q rewrites ? placeholders for dialects that number them.
func (s *sqlStore) q(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqlStore) load(ctx context.Context, q queryer, userID, suffix string) (*Account, int64, error) {
	var (
		a                 Account
		balance, holdings string
		version, updated  int64
	)
	row := q.QueryRowContext(ctx, s.q(`SELECT user_id, currency, balance, holdings, version, updated_at
		FROM ledger_accounts WHERE user_id = ?`+suffix), userID)
	if err := row.Scan(&a.UserID, &a.Currency, &balance, &holdings, &version, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, ErrAccountNotFound
		}
		return nil, 0, fmt.Errorf("load ledger account: %w", err)
	}
	var err error
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, 0, fmt.Errorf("ledger account %s: bad balance %q: %w", userID, balance, err)
	}
	a.Holdings = map[string]Holding{}
	if err := json.Unmarshal([]byte(holdings), &a.Holdings); err != nil {
		return nil, 0, fmt.Errorf("ledger account %s: bad holdings: %w", userID, err)
	}
	a.UpdatedAt = time.Unix(0, updated).UTC()
	return &a, version, nil
}

func (s *sqlStore) Open(ctx context.Context, userID, currency string, initial decimal.Decimal) (*Account, error) {
	if a, _, err := s.load(ctx, s.db, userID, ""); err == nil {
		return a, nil
	} else if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	now := s.opts.now().UTC()
	a := &Account{UserID: userID, Currency: currency, Balance: decimal.Zero, Holdings: map[string]Holding{}, UpdatedAt: now}
	var entry *Entry
	if initial.IsPositive() {
		entry, _ = a.Deposit(initial)
		stamp(entry, a, uuid.NewString(), now)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("open ledger account: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.q(`INSERT INTO ledger_accounts (user_id, currency, balance, holdings, version, updated_at)
		VALUES (?, ?, ?, '{}', 1, ?) ON CONFLICT (user_id) DO NOTHING`),
		userID, currency, a.Balance.String(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("open ledger account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the race to a concurrent Open.
		tx.Rollback()
		a, _, err := s.load(ctx, s.db, userID, "")
		return a, err
	}
	if entry != nil {
		if err := s.insertEntry(ctx, tx, entry, 1); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("open ledger account: %w", err)
	}
	return a, nil
}

func (s *sqlStore) Get(ctx context.Context, userID string) (*Account, error) {
	a, _, err := s.load(ctx, s.db, userID, "")
	return a, err
}

func (s *sqlStore) Update(ctx context.Context, userID string, fn UpdateFunc) (*Account, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		a, done, err := s.tryUpdate(ctx, userID, fn)
		if err != nil {
			return nil, err
		}
		if done {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: account %s", ErrConflict, userID)
}

func (s *sqlStore) tryUpdate(ctx context.Context, userID string, fn UpdateFunc) (*Account, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("update ledger account: %w", err)
	}
	defer tx.Rollback()

	a, version, err := s.load(ctx, tx, userID, s.d.lockSuffix)
	if err != nil {
		return nil, false, err
	}
	entry, err := fn(a)
	if err != nil {
		return nil, false, err
	}

	now := s.opts.now().UTC()
	a.UpdatedAt = now
	holdings, err := json.Marshal(a.Holdings)
	if err != nil {
		return nil, false, fmt.Errorf("encode holdings: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.q(`UPDATE ledger_accounts
		SET balance = ?, holdings = ?, version = version + 1, updated_at = ?
		WHERE user_id = ? AND version = ?`),
		a.Balance.String(), string(holdings), now.UnixNano(), userID, version)
	if err != nil {
		return nil, false, fmt.Errorf("update ledger account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, false, nil
	}
	if entry != nil {
		stamp(entry, a, uuid.NewString(), now)
		if err := s.insertEntry(ctx, tx, entry, version+1); err != nil {
			return nil, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit ledger update: %w", err)
	}
	return a, true, nil
}

// insertEntry journals e; seq is the account version the entry produced.
func (s *sqlStore) insertEntry(ctx context.Context, tx *sql.Tx, e *Entry, seq int64) error {
	_, err := tx.ExecContext(ctx, s.q(`INSERT INTO ledger_entries
		(id, user_id, kind, symbol, quantity, price, amount, balance_after, seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.UserID, e.Kind, e.Symbol, e.Quantity.String(), e.Price.String(),
		e.Amount.String(), e.BalanceAfter.String(), seq, e.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func (s *sqlStore) Entries(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if _, _, err := s.load(ctx, s.db, userID, ""); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, user_id, kind, symbol, quantity, price, amount, balance_after, created_at
		FROM ledger_entries WHERE user_id = ? ORDER BY seq`), userID)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                           Entry
			qty, price, amount, balance string
			created                     int64
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Kind, &e.Symbol, &qty, &price, &amount, &balance, &created); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Quantity = decimal.RequireFromString(qty)
		e.Price = decimal.RequireFromString(price)
		e.Amount = decimal.RequireFromString(amount)
		e.BalanceAfter = decimal.RequireFromString(balance)
		e.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	return tail(out, limit), nil
}

func (s *sqlStore) Close() error { return s.db.Close() }
