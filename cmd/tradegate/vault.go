package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/haiphen/tradegate/internal/broker"
	brokertotp "github.com/haiphen/tradegate/internal/broker/totp"
	"github.com/haiphen/tradegate/internal/brokerstore"
	"github.com/haiphen/tradegate/internal/tui"
)

// requireTOTP asks for a 2FA code when the vault entry for id has TOTP
// enrolled. Brokers without a vault entry or without TOTP pass.
func requireTOTP(a *app, id broker.ID) error {
	v, err := a.openVault()
	if err != nil {
		return err
	}
	e, err := v.Load(string(id))
	if err != nil {
		return err
	}
	if e == nil || e.TOTPSecret == "" {
		return nil
	}
	code, err := tui.TOTPInput("Enter 2FA code: ")
	if err != nil {
		return err
	}
	if !brokertotp.ValidateTOTP(code, e.TOTPSecret) {
		return fmt.Errorf("invalid 2FA code")
	}
	return nil
}

func cmdVault(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Manage encrypted broker credentials",
	}
	cmd.AddCommand(cmdVaultSet(a))
	cmd.AddCommand(cmdVaultList(a))
	cmd.AddCommand(cmdVaultDelete(a))
	cmd.AddCommand(cmdVaultTOTP(a))
	return cmd
}

func cmdVaultSet(a *app) *cobra.Command {
	var (
		venue    string
		terminal bool
	)

	cmd := &cobra.Command{
		Use:   "set [id]",
		Short: "Store credentials for a broker id without testing them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var venueArgs []string
			if venue != "" {
				venueArgs = []string{venue}
			} else if len(args) > 0 && broker.IsRegistered(args[0]) {
				venueArgs = args[:1]
			}
			f, err := pickVenue(venueArgs)
			if err != nil {
				return err
			}
			creds, err := collectCreds(cmd.Context(), f, terminal)
			if err != nil {
				return err
			}
			var id broker.ID
			if len(args) > 0 {
				id, err = broker.ParseID(args[0])
			} else {
				id, err = f.IDFor(creds)
			}
			if err != nil {
				return err
			}

			v, err := a.openVault()
			if err != nil {
				return err
			}
			// Re-saving keeps an enrolled TOTP secret.
			entry := &brokerstore.Entry{Venue: f.Venue, Fields: creds}
			if old, err := v.Load(string(id)); err == nil && old != nil {
				entry.TOTPSecret = old.TOTPSecret
			}
			if err := v.Save(string(id), entry); err != nil {
				return fmt.Errorf("save credentials: %w", err)
			}
			fmt.Printf("%s Credentials for %s encrypted and saved\n", tui.C(tui.Green, "✓"), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&venue, "venue", "", "Venue (default: the id when it names a venue, else a picker)")
	cmd.Flags().BoolVar(&terminal, "terminal", false, "Use terminal input instead of browser for credentials")
	return cmd
}

func cmdVaultList(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List broker ids with stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.openVault()
			if err != nil {
				return err
			}
			ids, err := v.List()
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Println("Vault is empty.")
				return nil
			}
			sort.Strings(ids)
			for _, id := range ids {
				e, err := v.Load(id)
				if err != nil || e == nil {
					fmt.Printf("  %s %-24s %s\n", tui.StatusIcon("error"), id, err)
					continue
				}
				twoFA := ""
				if e.TOTPSecret != "" {
					twoFA = tui.C(tui.Cyan, "2FA")
				}
				fmt.Printf("  %s %-24s %-12s %-20s %s\n", tui.StatusIcon("active"), id, e.Venue, e.SavedAt, twoFA)
			}
			return nil
		},
	}
}

func cmdVaultDelete(a *app) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove stored credentials for a broker id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := broker.ParseID(args[0])
			if err != nil {
				return err
			}
			v, err := a.openVault()
			if err != nil {
				return err
			}
			if !v.Exists(string(id)) {
				return fmt.Errorf("no stored credentials for %s", id)
			}
			if err := requireTOTP(a, id); err != nil {
				return err
			}
			if !yes {
				ok, err := tui.Confirm(fmt.Sprintf("Delete credentials for %s?", id), false)
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
			}
			if err := v.Delete(string(id)); err != nil {
				return err
			}
			fmt.Printf("%s Deleted %s\n", tui.C(tui.Green, "✓"), id)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Skip confirmation prompt")
	return cmd
}

func cmdVaultTOTP(a *app) *cobra.Command {
	var disable bool

	cmd := &cobra.Command{
		Use:   "totp <id>",
		Short: "Enroll (or --disable) 2FA for orders on a broker id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := broker.ParseID(args[0])
			if err != nil {
				return err
			}
			v, err := a.openVault()
			if err != nil {
				return err
			}
			e, err := v.Load(string(id))
			if err != nil {
				return err
			}
			if e == nil {
				return fmt.Errorf("no stored credentials for %s; run `tradegate vault set %s` first", id, id)
			}

			if disable {
				if err := requireTOTP(a, id); err != nil {
					return err
				}
				e.TOTPSecret = ""
				if err := v.Save(string(id), e); err != nil {
					return err
				}
				fmt.Println(tui.C(tui.Green, "✓") + " 2FA disabled")
				return nil
			}

			secret, err := brokertotp.EnrollTOTP(os.Stderr, "tradegate:"+string(id))
			if err != nil {
				return fmt.Errorf("TOTP setup failed: %w", err)
			}
			code, err := tui.TOTPInput("Enter the 6-digit code from your app: ")
			if err != nil {
				return err
			}
			if !brokertotp.ValidateTOTP(code, secret) {
				return fmt.Errorf("invalid code; 2FA not enrolled")
			}
			e.TOTPSecret = secret
			if err := v.Save(string(id), e); err != nil {
				return fmt.Errorf("save TOTP: %w", err)
			}
			fmt.Println(tui.C(tui.Green, "✓") + " 2FA enrolled, code verified")
			return nil
		},
	}
	cmd.Flags().BoolVar(&disable, "disable", false, "Remove the enrolled TOTP secret")
	return cmd
}
