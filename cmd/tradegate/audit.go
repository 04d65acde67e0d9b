package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haiphen/tradegate/internal/audit"
	"github.com/haiphen/tradegate/internal/tui"
)

func cmdAudit(a *app) *cobra.Command {
	var (
		n      int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the most recent audit journal entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := audit.Default(a.cfg.Profile)
			if err != nil {
				return err
			}
			entries, err := l.Tail(n)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(entries)
			}
			if len(entries) == 0 {
				fmt.Printf("No entries in %s\n", l.Path())
				return nil
			}
			for _, e := range entries {
				state := "success"
				switch {
				case !e.Success:
					state = "error"
				case e.Partial:
					state = "partial"
				}
				line := fmt.Sprintf("%s %s %-8s %-22s %-10s %5dms",
					tui.StatusIcon(state), e.Timestamp.Local().Format("2006-01-02 15:04:05"),
					e.Action, e.BrokerID, e.User, e.DurationMs)
				if e.OrderID != "" {
					line += "  order " + e.OrderID
				}
				if e.Error != "" {
					line += "  " + tui.C(tui.Red, e.Error)
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 20, "Entries to show (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}
