package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/haiphen/tradegate/internal/broker"
	"github.com/haiphen/tradegate/internal/tui"
	"github.com/haiphen/tradegate/internal/util"
)

// bearer returns the --token flag or the token saved by `tradegate login`.
// A missing token is not an error; gateways without a JWT secret accept
// anonymous calls.
func (a *app) bearer() string {
	if a.token != "" {
		return a.token
	}
	st, err := a.tokenStore()
	if err != nil {
		return ""
	}
	tok, err := st.LoadToken(gatewayTokenKey)
	if err != nil || tok == nil {
		return ""
	}
	if !tok.Expiry.IsZero() && time.Now().After(tok.Expiry) {
		fmt.Fprintln(os.Stderr, tui.C(tui.Yellow, "saved gateway token has expired; run `tradegate login`"))
	}
	return tok.AccessToken
}

func (a *app) remoteGet(ctx context.Context, path string, out any) error {
	body, err := util.ServiceGet(ctx, a.remote, path, a.bearer())
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func (a *app) remotePost(ctx context.Context, path string, payload, out any) (int, error) {
	body, status, err := util.ServicePost(ctx, a.remote, path, a.bearer(), payload)
	if err != nil {
		return status, err
	}
	if out == nil || len(body) == 0 {
		return status, nil
	}
	return status, json.Unmarshal(body, out)
}

func cmdLogin(a *app) *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Obtain a bearer token from a remote gateway and save it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !a.isRemote() {
				return fmt.Errorf("--remote is required")
			}
			if username == "" {
				u, err := tui.TextInput("Username: ")
				if err != nil {
					return err
				}
				username = u
			}
			password, err := tui.SecretInput("Password: ")
			if err != nil {
				return err
			}

			var resp struct {
				Token     string `json:"token"`
				ExpiresAt string `json:"expires_at"`
			}
			body, _, err := util.ServicePost(cmd.Context(), a.remote, "/auth/token", "", map[string]string{
				"username": username,
				"password": password,
			})
			if err != nil {
				return err
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return fmt.Errorf("decode token response: %w", err)
			}
			if strings.TrimSpace(resp.Token) == "" {
				return fmt.Errorf("gateway returned an empty token")
			}

			exp, err := util.JWTExpiry(resp.Token)
			if err != nil {
				return fmt.Errorf("gateway token: %w", err)
			}
			st, err := a.tokenStore()
			if err != nil {
				return err
			}
			if err := st.SaveToken(gatewayTokenKey, &broker.Token{AccessToken: resp.Token, Expiry: exp}); err != nil {
				return fmt.Errorf("save token: %w", err)
			}
			fmt.Printf("%s Logged in to %s. Token expires at %s\n", tui.C(tui.Green, "✓"), a.remote, exp.Local().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "Gateway username")
	return cmd
}

func cmdLogout(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved gateway token",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.tokenStore()
			if err != nil {
				return err
			}
			if err := st.ClearToken(gatewayTokenKey); err != nil {
				return err
			}
			fmt.Println("Logged out.")
			return nil
		},
	}
}
