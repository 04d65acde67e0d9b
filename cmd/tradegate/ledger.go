package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/haiphen/tradegate/internal/ledger"
	"github.com/haiphen/tradegate/internal/tui"
)

func cmdLedger(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Manage TradeHybrid ledger accounts",
	}
	cmd.AddCommand(cmdLedgerOpen(a))
	cmd.AddCommand(cmdLedgerDeposit(a))
	cmd.AddCommand(cmdLedgerShow(a))
	cmd.AddCommand(cmdLedgerHistory(a))
	cmd.AddCommand(cmdLedgerExport(a))
	return cmd
}

// persistentLedger opens the configured ledger, refusing the in-memory
// driver whose state would vanish when the command exits.
func (a *app) persistentLedger(ctx context.Context) (ledger.Store, error) {
	if a.cfg.Ledger.Driver == "" || a.cfg.Ledger.Driver == "memory" {
		return nil, fmt.Errorf("ledger commands need a persistent driver; set ledger.driver to sqlite or postgres")
	}
	return a.openLedger(ctx)
}

func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("invalid amount %q", s)
	}
	return d, nil
}

func printAccount(acct *ledger.Account) {
	tui.TableRow(os.Stdout, "User", acct.UserID)
	tui.TableRow(os.Stdout, "Currency", acct.Currency)
	tui.TableRow(os.Stdout, "Balance", tui.FormatMoneyPlain(acct.Balance.InexactFloat64()))
	for _, sym := range acct.Symbols() {
		h := acct.Holdings[sym]
		tui.TableRow(os.Stdout, sym, fmt.Sprintf("%s @ %s", h.Quantity, h.AvgPrice.StringFixed(2)))
	}
}

func cmdLedgerOpen(a *app) *cobra.Command {
	var (
		balance  string
		currency string
	)

	cmd := &cobra.Command{
		Use:   "open <user-id>",
		Short: "Create a ledger account (no-op when it exists)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			initial := decimal.Zero
			if balance != "" {
				d, err := decimal.NewFromString(balance)
				if err != nil || d.IsNegative() {
					return fmt.Errorf("invalid balance %q", balance)
				}
				initial = d
			}
			if currency == "" {
				currency = a.cfg.Ledger.Currency
			}
			l, err := a.persistentLedger(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			acct, err := l.Open(cmd.Context(), args[0], currency, initial)
			if err != nil {
				return err
			}
			printAccount(acct)
			return nil
		},
	}
	cmd.Flags().StringVar(&balance, "balance", "", "Opening balance")
	cmd.Flags().StringVar(&currency, "currency", "", "Account currency (default: ledger.currency)")
	return cmd
}

func cmdLedgerDeposit(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "deposit <user-id> <amount>",
		Short: "Credit cash to a ledger account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			l, err := a.persistentLedger(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			acct, err := l.Update(cmd.Context(), args[0], func(acct *ledger.Account) (*ledger.Entry, error) {
				return acct.Deposit(amount)
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s Deposited %s\n", tui.C(tui.Green, "✓"), amount.StringFixed(2))
			printAccount(acct)
			return nil
		},
	}
}

func cmdLedgerShow(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <user-id>",
		Short: "Show a ledger account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.persistentLedger(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			acct, err := l.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(acct)
			}
			printAccount(acct)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func cmdLedgerHistory(a *app) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history <user-id>",
		Short: "Show the most recent journal entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.persistentLedger(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			entries, err := l.Entries(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(entries)
			}
			if len(entries) == 0 {
				fmt.Println("No journal entries.")
				return nil
			}
			for _, e := range entries {
				fmt.Printf("  %s  %-8s %-10s %12s %14s  bal %s\n",
					e.CreatedAt.Local().Format(time.DateTime), e.Kind, e.Symbol,
					e.Quantity.String(), tui.FormatMoney(e.Amount.InexactFloat64()),
					e.BalanceAfter.StringFixed(2))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Entries to show (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func cmdLedgerExport(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "export <user-id> <file.parquet>",
		Short: "Export the full journal as Parquet",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.persistentLedger(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			if _, err := l.Get(cmd.Context(), args[0]); err != nil {
				return err
			}
			n, err := ledger.ExportParquet(cmd.Context(), l, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("%s Wrote %d entries to %s\n", tui.C(tui.Green, "✓"), n, args[1])
			return nil
		},
	}
}
