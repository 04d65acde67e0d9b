package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func stores(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()
	lite, err := NewSQLite(ctx, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { lite.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": lite,
	}
}

func TestAccountBuyRejectsWithoutMutation(t *testing.T) {
	a := &Account{UserID: "u1", Balance: d("100"), Holdings: map[string]Holding{}}
	_, err := a.Buy("BTC/USD", d("1"), d("150"), time.Now())
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.True(t, a.Balance.Equal(d("100")))
	assert.Empty(t, a.Holdings)
}

func TestAccountAveragePrice(t *testing.T) {
	a := &Account{Balance: d("1000")}
	_, err := a.Buy("AAPL", d("2"), d("100"), time.Now())
	require.NoError(t, err)
	_, err = a.Buy("AAPL", d("2"), d("200"), time.Now())
	require.NoError(t, err)
	h := a.Holdings["AAPL"]
	assert.True(t, h.Quantity.Equal(d("4")))
	assert.True(t, h.AvgPrice.Equal(d("150")), "avg = %s", h.AvgPrice)
	assert.True(t, a.Balance.Equal(d("400")))
}

func TestAccountSellMoreThanHeld(t *testing.T) {
	a := &Account{Balance: d("0"), Holdings: map[string]Holding{"ETH": {Symbol: "ETH", Quantity: d("1")}}}
	_, err := a.Sell("ETH", d("2"), d("10"))
	require.ErrorIs(t, err, ErrInsufficientHoldings)
	_, err = a.Sell("SOL", d("1"), d("10"))
	require.ErrorIs(t, err, ErrInsufficientHoldings)
}

func TestAccountRejectsNonPositive(t *testing.T) {
	a := &Account{Balance: d("10")}
	for _, q := range []string{"0", "-1"} {
		_, err := a.Buy("X", d(q), d("1"), time.Now())
		assert.ErrorIs(t, err, ErrInvalidAmount)
		_, err = a.Deposit(d(q))
		assert.ErrorIs(t, err, ErrInvalidAmount)
	}
	_, err := a.Withdraw(d("11"))
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestStoreRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			start, err := s.Open(ctx, "42", "USD", d("10000"))
			require.NoError(t, err)
			require.True(t, start.Balance.Equal(d("10000")))

			_, err = s.Update(ctx, "42", func(a *Account) (*Entry, error) {
				return a.Buy("BTC/USD", d("0.1"), d("43250.5"), time.Now())
			})
			require.NoError(t, err)
			after, err := s.Update(ctx, "42", func(a *Account) (*Entry, error) {
				return a.Sell("BTC/USD", d("0.1"), d("43250.5"))
			})
			require.NoError(t, err)
			assert.True(t, after.Balance.Equal(d("10000")), "balance = %s", after.Balance)
			assert.Empty(t, after.Holdings)

			entries, err := s.Entries(ctx, "42", 0)
			require.NoError(t, err)
			require.Len(t, entries, 3)
			assert.Equal(t, KindDeposit, entries[0].Kind)
			assert.Equal(t, KindBuy, entries[1].Kind)
			assert.Equal(t, KindSell, entries[2].Kind)
			assert.True(t, entries[1].BalanceAfter.Equal(d("5674.95")))
			assert.NotEmpty(t, entries[1].ID)

			last, err := s.Entries(ctx, "42", 1)
			require.NoError(t, err)
			require.Len(t, last, 1)
			assert.Equal(t, KindSell, last[0].Kind)
		})
	}
}

func TestStoreOpenIsIdempotent(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.Open(ctx, "7", "USD", d("50"))
			require.NoError(t, err)
			again, err := s.Open(ctx, "7", "USD", d("999"))
			require.NoError(t, err)
			assert.True(t, again.Balance.Equal(d("50")))
		})
	}
}

func TestStoreFailedUpdateLeavesState(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.Open(ctx, "u", "USD", d("100"))
			require.NoError(t, err)

			_, err = s.Update(ctx, "u", func(a *Account) (*Entry, error) {
				return a.Buy("AAPL", d("1"), d("100.01"), time.Now())
			})
			require.ErrorIs(t, err, ErrInsufficientFunds)

			got, err := s.Get(ctx, "u")
			require.NoError(t, err)
			assert.True(t, got.Balance.Equal(d("100")))
			entries, err := s.Entries(ctx, "u", 0)
			require.NoError(t, err)
			assert.Len(t, entries, 1)
		})
	}
}

func TestStoreUnknownAccount(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.Get(ctx, "missing")
			assert.True(t, errors.Is(err, ErrAccountNotFound))
			_, err = s.Update(ctx, "missing", func(*Account) (*Entry, error) { return nil, nil })
			assert.True(t, errors.Is(err, ErrAccountNotFound))
		})
	}
}

// Concurrent buys must never overdraw: with 10 units of cash and 25
// goroutines each buying 1 unit, exactly 10 succeed.
func TestStoreConcurrentBuysNeverOverdraw(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.Open(ctx, "race", "USD", d("10"))
			require.NoError(t, err)

			var (
				wg sync.WaitGroup
				mu sync.Mutex
				ok int
			)
			for i := 0; i < 25; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := s.Update(ctx, "race", func(a *Account) (*Entry, error) {
						return a.Buy("X", d("1"), d("1"), time.Now())
					})
					if err == nil {
						mu.Lock()
						ok++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			got, err := s.Get(ctx, "race")
			require.NoError(t, err)
			assert.Equal(t, 10, ok)
			assert.True(t, got.Balance.IsZero(), "balance = %s", got.Balance)
			assert.True(t, got.Holdings["X"].Quantity.Equal(d("10")))
		})
	}
}

func TestExportParquet(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(WithClock(func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }))
	_, err := s.Open(ctx, "9", "USD", d("25.5"))
	require.NoError(t, err)
	_, err = s.Update(ctx, "9", func(a *Account) (*Entry, error) {
		return a.Buy("EUR/USD", d("10"), d("1.08"), time.Now())
	})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "out", "journal.parquet")
	n, err := ExportParquet(ctx, s, "9", path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows, err := ReadParquet(path)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "-10.8", rows[1].Amount)
	assert.Equal(t, "14.7", rows[1].BalanceAfter)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).UnixMilli(), rows[0].Timestamp)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mongo", "")
	assert.Error(t, err)
}
