package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"
)

// EntryRecord is the Parquet schema for exported journal lines.
type EntryRecord struct {
	ID           string  `parquet:"id"`
	UserID       string  `parquet:"user_id"`
	Kind         string  `parquet:"kind"`
	Symbol       string  `parquet:"symbol"`
	Quantity     string  `parquet:"quantity"`
	Price        string  `parquet:"price"`
	Amount       string  `parquet:"amount"`
	AmountFloat  float64 `parquet:"amount_f64"`
	BalanceAfter string  `parquet:"balance_after"`
	Timestamp    int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
}

// ExportParquet writes the full journal of userID to path and returns the
// number of rows written. Decimals are kept as strings so no precision is
// lost; amount_f64 is a convenience column for analytics tools.
func ExportParquet(ctx context.Context, s Store, userID, path string) (int, error) {
	entries, err := s.Entries(ctx, userID, 0)
	if err != nil {
		return 0, err
	}
	records := make([]EntryRecord, len(entries))
	for i, e := range entries {
		records[i] = EntryRecord{
			ID:           e.ID,
			UserID:       e.UserID,
			Kind:         e.Kind,
			Symbol:       e.Symbol,
			Quantity:     e.Quantity.String(),
			Price:        e.Price.String(),
			Amount:       e.Amount.String(),
			AmountFloat:  e.Amount.InexactFloat64(),
			BalanceAfter: e.BalanceAfter.String(),
			Timestamp:    e.CreatedAt.UnixMilli(),
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create export dir: %w", err)
	}
	if err := parquet.WriteFile(path, records); err != nil {
		return 0, fmt.Errorf("write parquet %s: %w", path, err)
	}
	return len(records), nil
}

// ReadParquet loads a previously exported journal.
func ReadParquet(path string) ([]EntryRecord, error) {
	return parquet.ReadFile[EntryRecord](path)
}
