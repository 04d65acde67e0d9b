package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haiphen/tradegate/internal/broker"
	"github.com/haiphen/tradegate/internal/broker/credflow"
	"github.com/haiphen/tradegate/internal/brokerstore"
	"github.com/haiphen/tradegate/internal/execution"
	"github.com/haiphen/tradegate/internal/portfolio"
	"github.com/haiphen/tradegate/internal/registry"
	"github.com/haiphen/tradegate/internal/tui"
	"github.com/haiphen/tradegate/internal/util"
)

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// ---- venues ----

type venueRow struct {
	Venue          string              `json:"venue"`
	DisplayName    string              `json:"display_name"`
	ConnectionType string              `json:"connection_type"`
	Fields         []broker.Field      `json:"fields"`
	Capabilities   broker.Capabilities `json:"capabilities"`
	Markets        []string            `json:"markets"`
}

func cmdVenues(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "venues",
		Short: "List supported venues and the credentials each one needs",
		RunE: func(cmd *cobra.Command, args []string) error {
			var rows []venueRow
			if a.isRemote() {
				if err := a.remoteGet(cmd.Context(), "/venues", &rows); err != nil {
					return err
				}
			} else {
				for _, f := range broker.Factories() {
					rows = append(rows, venueRow{
						Venue:          f.Venue,
						DisplayName:    f.DisplayName,
						ConnectionType: f.ConnectionType.String(),
						Fields:         f.Fields,
						Capabilities:   f.Capabilities,
						Markets:        f.Markets,
					})
				}
			}
			if asJSON {
				return printJSON(rows)
			}

			for _, r := range rows {
				tui.Header(os.Stdout, fmt.Sprintf("%s (%s)", r.DisplayName, r.Venue))
				tui.TableRow(os.Stdout, "Connection", r.ConnectionType)
				tui.TableRow(os.Stdout, "Markets", strings.Join(r.Markets, ", "))
				for _, f := range r.Fields {
					flag := ""
					if f.Required {
						flag = tui.C(tui.Yellow, " required")
					}
					tui.TableRow(os.Stdout, f.Name, strings.Join(f.EnvNames(), " | ")+flag)
				}
				fmt.Println()
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

// ---- brokers ----

func cmdBrokers(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "brokers",
		Short: "List, add, remove and test broker connections",
	}
	cmd.AddCommand(cmdBrokersList(a))
	cmd.AddCommand(cmdBrokersAdd(a))
	cmd.AddCommand(cmdBrokersRemove(a))
	cmd.AddCommand(cmdBrokersTest(a))
	return cmd
}

func cmdBrokersList(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Connect every configured broker and show its status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var statuses []registry.Status
			var rep *registry.Report
			if a.isRemote() {
				if err := a.remoteGet(cmd.Context(), "/brokers", &statuses); err != nil {
					return err
				}
			} else {
				defer a.close()
				sp := tui.NewSpinner("Connecting configured brokers...")
				r, err := a.initAll(cmd.Context())
				if err != nil {
					sp.Fail("Startup failed")
					return err
				}
				sp.Stop()
				statuses, rep = a.reg.Statuses(), &r
			}
			if asJSON {
				return printJSON(statuses)
			}

			if len(statuses) == 0 {
				fmt.Println("No brokers registered.")
			}
			for _, st := range statuses {
				state := "disconnected"
				if st.Connected {
					state = "connected"
				}
				fmt.Printf("  %s %-24s %-12s %s\n", tui.StatusIcon(state), st.ID, st.Venue, tui.C(tui.Gray, strings.Join(st.Markets, ",")))
			}
			if rep != nil && len(rep.Failed) > 0 {
				fmt.Println()
				ids := make([]string, 0, len(rep.Failed))
				for id := range rep.Failed {
					ids = append(ids, string(id))
				}
				sort.Strings(ids)
				for _, id := range ids {
					fmt.Printf("  %s %-24s %s\n", tui.StatusIcon("error"), id, rep.Failed[broker.ID(id)])
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

// collectCreds asks for every field of f, in the browser unless terminal is
// set.
func collectCreds(ctx context.Context, f broker.Factory, terminal bool) (broker.Credentials, error) {
	if !terminal {
		return credflow.Collect(ctx, f, nil)
	}
	creds := broker.Credentials{}
	for _, field := range f.Fields {
		prompt := field.Label
		if field.Default != "" {
			prompt += " [" + field.Default + "]"
		}
		prompt += ": "
		var v string
		var err error
		if field.Secret {
			v, err = tui.SecretInput(prompt)
		} else {
			v, err = tui.TextInput(prompt)
		}
		if err != nil {
			return nil, err
		}
		if v != "" {
			creds[field.Name] = v
		}
	}
	creds = f.WithDefaults(creds)
	if missing := f.Missing(creds); len(missing) > 0 {
		return nil, fmt.Errorf("missing %s", strings.Join(missing, ", "))
	}
	return creds, nil
}

// pickVenue returns the factory named by args, or asks for one.
func pickVenue(args []string) (broker.Factory, error) {
	if len(args) > 0 {
		f, ok := broker.Lookup(args[0])
		if !ok {
			return broker.Factory{}, fmt.Errorf("unknown venue %q: available: %s", args[0], strings.Join(broker.Available(), ", "))
		}
		return f, nil
	}
	if !tui.Interactive() {
		return broker.Factory{}, fmt.Errorf("name a venue: %s", strings.Join(broker.Available(), ", "))
	}
	fs := broker.Factories()
	opts := make([]tui.Option, len(fs))
	for i, f := range fs {
		opts[i] = tui.Option{Label: f.DisplayName, Detail: strings.Join(f.Markets, ", ")}
	}
	idx, err := tui.Select("Select a venue:", opts)
	if err != nil {
		return broker.Factory{}, err
	}
	return fs[idx], nil
}

func cmdBrokersAdd(a *app) *cobra.Command {
	var (
		idFlag   string
		terminal bool
		noSave   bool
	)

	cmd := &cobra.Command{
		Use:   "add [venue]",
		Short: "Collect credentials, test them, and register the broker",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := pickVenue(args)
			if err != nil {
				return err
			}
			creds, err := collectCreds(cmd.Context(), f, terminal)
			if err != nil {
				return err
			}
			var id broker.ID
			if idFlag == "" {
				id, err = f.IDFor(creds)
			} else {
				id, err = broker.ParseID(idFlag)
			}
			if err != nil {
				return err
			}

			sp := tui.NewSpinner(fmt.Sprintf("Testing %s connection...", f.DisplayName))
			if a.isRemote() {
				var st registry.Status
				_, err := a.remotePost(cmd.Context(), "/brokers", map[string]any{
					"id":          id,
					"venue":       f.Venue,
					"credentials": creds,
				}, &st)
				if err != nil {
					sp.Fail("Registration failed")
					return err
				}
				sp.Success(fmt.Sprintf("Registered %s on %s", st.ID, a.remote))
				return nil
			}

			defer a.close()
			if err := a.stack(cmd.Context()); err != nil {
				sp.Fail("Startup failed")
				return err
			}
			if _, err := a.reg.Register(cmd.Context(), id, f.Venue, creds); err != nil {
				sp.Fail("Connection test failed")
				return err
			}
			sp.Success(fmt.Sprintf("%s connected", id))
			if noSave {
				return nil
			}

			v, err := a.openVault()
			if err != nil {
				return err
			}
			if err := v.Save(string(id), &brokerstore.Entry{Venue: f.Venue, Fields: creds}); err != nil {
				return fmt.Errorf("save credentials: %w", err)
			}
			fmt.Println(tui.C(tui.Green, "✓") + " Credentials encrypted and saved")
			return nil
		},
	}
	cmd.Flags().StringVar(&idFlag, "id", "", "Broker id (default: derived from the venue)")
	cmd.Flags().BoolVar(&terminal, "terminal", false, "Use terminal input instead of browser for credentials")
	cmd.Flags().BoolVar(&noSave, "no-save", false, "Test only; do not store the credentials in the vault")
	return cmd
}

func cmdBrokersRemove(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Unregister a broker from a running gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !a.isRemote() {
				return fmt.Errorf("brokers remove needs --remote; use `tradegate vault delete` for stored credentials")
			}
			id, err := broker.ParseID(args[0])
			if err != nil {
				return err
			}
			if err := util.ServiceDelete(cmd.Context(), a.remote, "/brokers/"+string(id), a.bearer()); err != nil {
				return err
			}
			fmt.Printf("%s Removed %s\n", tui.C(tui.Green, "✓"), id)
			return nil
		},
	}
}

func cmdBrokersTest(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "test <id>",
		Short: "Run the connection test for a broker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sp := tui.NewSpinner(fmt.Sprintf("Testing %s...", args[0]))
			if a.isRemote() {
				id, err := broker.ParseID(args[0])
				if err != nil {
					sp.Fail("Invalid id")
					return err
				}
				if _, err := a.remotePost(cmd.Context(), "/brokers/"+string(id)+"/test", map[string]any{}, nil); err != nil {
					sp.Fail("Connection test failed")
					return err
				}
				sp.Success(fmt.Sprintf("%s is reachable", id))
				return nil
			}

			defer a.close()
			id, _, err := a.connect(cmd.Context(), args[0])
			if err != nil {
				sp.Fail("Connection test failed")
				return err
			}
			sp.Success(fmt.Sprintf("%s is reachable", id))
			return nil
		},
	}
}

// ---- account / positions ----

func cmdAccount(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "account <id>",
		Short: "Show the account snapshot for a broker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sp := tui.NewSpinner("Fetching account...")
			acct, err := a.account(cmd.Context(), args[0])
			if err != nil {
				sp.Fail("Failed to fetch account")
				return err
			}
			sp.Stop()
			if asJSON {
				return printJSON(acct)
			}
			tui.TableRow(os.Stdout, "Account", acct.AccountID)
			tui.TableRow(os.Stdout, "Status", acct.Status)
			tui.TableRow(os.Stdout, "Currency", acct.Currency)
			tui.TableRow(os.Stdout, "Balance", tui.FormatMoneyPlain(acct.Balance))
			tui.TableRow(os.Stdout, "Equity", tui.FormatMoneyPlain(acct.Equity))
			tui.TableRow(os.Stdout, "Margin Used", tui.FormatMoneyPlain(acct.MarginUsed))
			tui.TableRow(os.Stdout, "Margin Free", tui.FormatMoneyPlain(acct.MarginAvailable))
			if acct.Leverage > 0 {
				tui.TableRow(os.Stdout, "Leverage", fmt.Sprintf("%gx", acct.Leverage))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func (a *app) account(ctx context.Context, raw string) (*broker.AccountInfo, error) {
	if a.isRemote() {
		id, err := broker.ParseID(raw)
		if err != nil {
			return nil, err
		}
		var acct broker.AccountInfo
		if err := a.remoteGet(ctx, "/brokers/"+string(id)+"/account", &acct); err != nil {
			return nil, err
		}
		return &acct, nil
	}
	defer a.close()
	id, _, err := a.connect(ctx, raw)
	if err != nil {
		return nil, err
	}
	return a.proc.GetAccount(ctx, id)
}

func cmdPositions(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "positions <id>",
		Short: "List open positions for a broker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sp := tui.NewSpinner("Fetching positions...")
			positions, err := a.positions(cmd.Context(), args[0])
			if err != nil {
				sp.Fail("Failed to fetch positions")
				return err
			}
			sp.Stop()
			if asJSON {
				return printJSON(positions)
			}
			if len(positions) == 0 {
				fmt.Println("No open positions.")
				return nil
			}

			fmt.Printf("  %-12s %-6s %12s %14s %14s %14s\n", "SYMBOL", "SIDE", "QTY", "ENTRY", "MARK", "P&L")
			var total float64
			for _, p := range positions {
				total += p.UnrealizedPnL
				fmt.Printf("  %-12s %-6s %12g %14s %14s %14s\n",
					p.Symbol, p.Side, p.Quantity,
					tui.FormatMoneyPlain(p.EntryPrice),
					tui.FormatMoneyPlain(p.CurrentPrice),
					tui.FormatMoney(p.UnrealizedPnL))
			}
			fmt.Println()
			tui.TableRow(os.Stdout, "Unrealized P&L", tui.FormatMoney(total))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func (a *app) positions(ctx context.Context, raw string) ([]broker.PositionInfo, error) {
	if a.isRemote() {
		id, err := broker.ParseID(raw)
		if err != nil {
			return nil, err
		}
		var out []broker.PositionInfo
		if err := a.remoteGet(ctx, "/brokers/"+string(id)+"/positions", &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	defer a.close()
	id, _, err := a.connect(ctx, raw)
	if err != nil {
		return nil, err
	}
	return a.proc.GetPositions(ctx, id)
}

// ---- order ----

func cmdOrder(a *app) *cobra.Command {
	var (
		symbol      string
		side        string
		qty         float64
		stopLoss    float64
		takeProfit  float64
		tif         string
		asJSON      bool
		skipConfirm bool
	)

	cmd := &cobra.Command{
		Use:   "order <id>",
		Short: "Place a market order with optional stop-loss and take-profit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := broker.ValidateSide(side); err != nil {
				return err
			}
			if tif != "" {
				if err := broker.ValidateTIF(tif); err != nil {
					return err
				}
			}
			if qty <= 0 {
				q, err := tui.FloatInput("Quantity", 1)
				if err != nil {
					return err
				}
				qty = q
			}
			params := broker.TradeParams{
				Symbol:      strings.ToUpper(strings.TrimSpace(symbol)),
				Side:        broker.NormalizeSide(side),
				Quantity:    qty,
				Type:        broker.OrderTypeMarket,
				TimeInForce: strings.ToLower(tif),
				StopLoss:    stopLoss,
				TakeProfit:  takeProfit,
			}

			id, err := broker.ParseID(args[0])
			if err != nil {
				return err
			}
			if err := requireTOTP(a, id); err != nil {
				return err
			}

			var (
				res   broker.OrderResult
				paper bool
			)
			if !a.isRemote() {
				defer a.close()
				var cand registry.Candidate
				if id, cand, err = a.connect(cmd.Context(), string(id)); err != nil {
					return err
				}
				paper = isPaper(cand.Venue, cand.Creds)
			}

			if !skipConfirm && a.cfg.Safety.ConfirmOrders {
				if !a.isRemote() {
					tui.ModeBanner(os.Stdout, string(id), paper)
				}
				fmt.Println(tui.OrderSummary(string(id), params))
				var ok bool
				if !a.isRemote() && !paper {
					ok, err = tui.ConfirmLive("Send LIVE order?")
				} else {
					ok, err = tui.Confirm("Confirm order?", false)
				}
				if err != nil {
					return err
				}
				if !ok {
					fmt.Println("Order cancelled.")
					return nil
				}
			}

			sp := tui.NewSpinner("Submitting order...")
			if a.isRemote() {
				status, err := a.remotePost(cmd.Context(), "/brokers/"+string(id)+"/orders", params, &res)
				if err != nil {
					sp.Fail("Order failed")
					return err
				}
				if status == http.StatusMultiStatus {
					res.ProtectionFailed = true
				}
			} else {
				ctx := execution.WithCaller(cmd.Context(), callerName())
				out, err := a.proc.PlaceOrder(ctx, id, params)
				if err != nil {
					sp.Fail("Order failed")
					return err
				}
				res = *out
			}

			if res.ProtectionFailed {
				sp.Fail(fmt.Sprintf("Order %s filled but protection failed: %s", res.OrderID, res.ProtectionError))
			} else {
				sp.Success(fmt.Sprintf("Order submitted: ID %s  Status %s", res.OrderID, res.Status))
			}
			if asJSON {
				return printJSON(res)
			}
			if res.FilledPrice > 0 {
				tui.TableRow(os.Stdout, "Filled at", tui.FormatMoneyPlain(res.FilledPrice))
			}
			if res.StopLossOrderID != "" {
				tui.TableRow(os.Stdout, "Stop loss", res.StopLossOrderID)
			}
			if res.TakeProfitOrderID != "" {
				tui.TableRow(os.Stdout, "Take profit", res.TakeProfitOrderID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&symbol, "symbol", "", "Symbol (e.g. AAPL, BTC/USD, EUR_USD)")
	cmd.Flags().StringVar(&side, "side", "", "Order side: buy or sell")
	cmd.Flags().Float64Var(&qty, "qty", 0, "Quantity in venue units")
	cmd.Flags().Float64Var(&stopLoss, "stop-loss", 0, "Absolute stop-loss price")
	cmd.Flags().Float64Var(&takeProfit, "take-profit", 0, "Absolute take-profit price")
	cmd.Flags().StringVar(&tif, "tif", "", "Time in force: day, gtc, ioc, fok (default: venue default)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&skipConfirm, "yes", false, "Skip confirmation prompt")
	_ = cmd.MarkFlagRequired("symbol")
	_ = cmd.MarkFlagRequired("side")
	return cmd
}

// callerName is the audit subject for orders placed from this terminal.
func callerName() string {
	if u := os.Getenv("USER"); u != "" {
		return "cli:" + u
	}
	return "cli"
}

// ---- stream ----

func cmdStream(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stream <id>",
		Short: "Stream order updates from a broker until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.isRemote() {
				return fmt.Errorf("stream connects to the venue directly and cannot run with --remote")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			defer a.close()

			id, _, err := a.connect(ctx, args[0])
			if err != nil {
				return err
			}
			conn, _ := a.reg.Get(id)
			s, ok := conn.(broker.Streamer)
			if !ok {
				return broker.NewError(conn.Name(), "stream", broker.KindConfig, "venue does not push order updates")
			}

			events := make(chan broker.StreamEvent, 64)
			errc := make(chan error, 1)
			go func() {
				errc <- s.StreamUpdates(ctx, events)
				close(events)
			}()
			fmt.Fprintf(os.Stderr, "Streaming %s order updates (Ctrl-C to stop)\n", id)

			for ev := range events {
				if asJSON {
					b, _ := json.Marshal(ev)
					fmt.Println(string(b))
					continue
				}
				fmt.Printf("%s  %-14s %-10s %-5s %10g @ %-12s %s\n",
					ev.Timestamp.Local().Format(time.TimeOnly),
					ev.Type, ev.Symbol, ev.Side, ev.Qty,
					tui.FormatMoneyPlain(ev.Price), ev.OrderID)
			}
			if err := <-errc; err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print one JSON object per event")
	return cmd
}

// ---- summary ----

func cmdSummary(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "summary [id...]",
		Short: "KPI summary per broker and totals per currency",
		RunE: func(cmd *cobra.Command, args []string) error {
			sums, err := a.summaries(cmd.Context(), args)
			if err != nil {
				return err
			}
			totals := portfolio.Totals(sums)
			if asJSON {
				return printJSON(map[string]any{"brokers": sums, "totals": totals})
			}

			for _, s := range sums {
				tui.Header(os.Stdout, fmt.Sprintf("%s (%s)", s.BrokerID, s.Venue))
				printKPIs(s.KPIs)
			}
			ccys := make([]string, 0, len(totals))
			for c := range totals {
				ccys = append(ccys, c)
			}
			sort.Strings(ccys)
			for _, c := range ccys {
				tui.Header(os.Stdout, "Total "+c)
				printKPIs(totals[c])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func printKPIs(kpis []portfolio.KPI) {
	for _, k := range kpis {
		switch {
		case k.Unit == "count":
			tui.TableRow(os.Stdout, k.Name, fmt.Sprintf("%g", k.Value))
		case k.Name == portfolio.UnrealizedPnL:
			tui.TableRow(os.Stdout, k.Name, tui.FormatMoney(k.Value))
		default:
			tui.TableRow(os.Stdout, k.Name, tui.FormatMoneyPlain(k.Value))
		}
	}
}

// summaries fetches the summary of each id, or of every registered broker
// when ids is empty. Brokers that fail are reported and left out.
func (a *app) summaries(ctx context.Context, ids []string) ([]*portfolio.Summary, error) {
	var out []*portfolio.Summary
	if a.isRemote() {
		if len(ids) == 0 {
			var statuses []registry.Status
			if err := a.remoteGet(ctx, "/brokers", &statuses); err != nil {
				return nil, err
			}
			for _, st := range statuses {
				ids = append(ids, string(st.ID))
			}
		}
		for _, raw := range ids {
			id, err := broker.ParseID(raw)
			if err != nil {
				return nil, err
			}
			var s portfolio.Summary
			if err := a.remoteGet(ctx, "/brokers/"+string(id)+"/summary", &s); err != nil {
				fmt.Fprintf(os.Stderr, "%s %s: %v\n", tui.C(tui.Red, "✗"), id, err)
				continue
			}
			out = append(out, &s)
		}
		return out, nil
	}

	defer a.close()
	var targets []broker.ID
	if len(ids) == 0 {
		if _, err := a.initAll(ctx); err != nil {
			return nil, err
		}
		targets = a.reg.IDs()
	} else {
		for _, raw := range ids {
			id, _, err := a.connect(ctx, raw)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s %v\n", tui.C(tui.Red, "✗"), err)
				continue
			}
			targets = append(targets, id)
		}
	}
	for _, id := range targets {
		s, err := a.proc.Summary(ctx, id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s %s: %v\n", tui.C(tui.Red, "✗"), id, err)
			continue
		}
		out = append(out, s)
	}
	return out, nil
}
