package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/haiphen/tradegate/internal/audit"
	"github.com/haiphen/tradegate/internal/broker"
	"github.com/haiphen/tradegate/internal/brokerstore"
	"github.com/haiphen/tradegate/internal/config"
	"github.com/haiphen/tradegate/internal/execution"
	"github.com/haiphen/tradegate/internal/ledger"
	"github.com/haiphen/tradegate/internal/pricing"
	"github.com/haiphen/tradegate/internal/registry"
	"github.com/haiphen/tradegate/internal/store"
)

// gatewayTokenKey is the token store key of the bearer token for --remote.
const gatewayTokenKey = "gateway"

// app holds the lazily built gateway stack shared by the commands.
type app struct {
	cfg    *config.Config
	remote string
	token  string

	audit  *audit.Logger
	tokens broker.TokenStore
	ledger ledger.Store
	prices pricing.Source
	vault  *brokerstore.Store
	proc   *execution.Processor
	reg    *registry.Service
}

func (a *app) isRemote() bool { return strings.TrimSpace(a.remote) != "" }

// tokenStore opens the keyring-backed token store once.
func (a *app) tokenStore() (broker.TokenStore, error) {
	if a.tokens != nil {
		return a.tokens, nil
	}
	st, err := store.New(store.Options{Profile: a.cfg.Profile})
	if err != nil {
		return nil, fmt.Errorf("token store: %w", err)
	}
	a.tokens = st
	return st, nil
}

func (a *app) openVault() (*brokerstore.Store, error) {
	if a.vault != nil {
		return a.vault, nil
	}
	v, err := brokerstore.Default(a.cfg.Profile, a.cfg.Vault.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	a.vault = v
	return v, nil
}

func (a *app) openLedger(ctx context.Context) (ledger.Store, error) {
	if a.ledger != nil {
		return a.ledger, nil
	}
	l, err := ledger.Open(ctx, a.cfg.Ledger.Driver, a.cfg.Ledger.DSN)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	a.ledger = l
	return l, nil
}

// buildPrices serves configured quotes over the built-in table, preceded by
// the Alpaca data feed when Alpaca keys are in the environment.
func buildPrices(cfg *config.Config) (pricing.Source, error) {
	quotes := make(map[string]string, len(pricing.DefaultQuotes)+len(cfg.Pricing.Quotes))
	for k, v := range pricing.DefaultQuotes {
		quotes[k] = v
	}
	for k, v := range cfg.Pricing.Quotes {
		quotes[k] = v
	}
	static, err := pricing.NewStatic(quotes)
	if err != nil {
		return nil, fmt.Errorf("pricing: %w", err)
	}
	key, secret := os.Getenv("ALPACA_API_KEY"), os.Getenv("ALPACA_API_SECRET")
	if key == "" || secret == "" {
		return static, nil
	}
	return pricing.Chain{pricing.NewAlpaca(key, secret, cfg.Pricing.AlpacaDataURL), static}, nil
}

// stack builds the processor and registry without registering anything.
func (a *app) stack(ctx context.Context) error {
	if a.reg != nil {
		return nil
	}
	al, err := audit.Default(a.cfg.Profile)
	if err != nil {
		log.Printf("audit init: %v (audit disabled)", err)
	}
	a.audit = al

	tokens, err := a.tokenStore()
	if err != nil {
		return err
	}
	l, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	prices, err := buildPrices(a.cfg)
	if err != nil {
		return err
	}
	a.prices = prices

	procOpts := []execution.Option{
		execution.WithSafety(a.cfg.Safety),
		execution.WithPrices(prices),
	}
	if al != nil {
		procOpts = append(procOpts, execution.WithAudit(al))
	}
	a.proc = execution.New(procOpts...)

	policy, err := registry.ParseDuplicatePolicy(a.cfg.Registry.DuplicatePolicy)
	if err != nil {
		return err
	}
	a.reg = registry.New(
		registry.WithProcessor(a.proc),
		registry.WithDuplicatePolicy(policy),
		registry.WithStartupRetry(a.cfg.Registry.StartupAttempts, a.cfg.Registry.StartupDelay),
		registry.WithBrokerOptions(broker.Options{
			TokenStore: tokens,
			Ledger:     l,
			Prices:     prices,
		}),
	)
	return nil
}

// sources lists the startup credential sources, highest precedence first.
func (a *app) sources() ([]registry.Source, error) {
	v, err := a.openVault()
	if err != nil {
		return nil, err
	}
	return []registry.Source{
		registry.Env(),
		registry.MapSource(a.cfg.Brokers),
		registry.VaultSource{Store: v},
	}, nil
}

// initAll registers every broker the sources can complete.
func (a *app) initAll(ctx context.Context) (registry.Report, error) {
	if err := a.stack(ctx); err != nil {
		return registry.Report{}, err
	}
	srcs, err := a.sources()
	if err != nil {
		return registry.Report{}, err
	}
	return a.reg.Init(ctx, srcs...), nil
}

// connect registers only the broker under id and returns the candidate it
// was built from.
func (a *app) connect(ctx context.Context, raw string) (broker.ID, registry.Candidate, error) {
	id, err := broker.ParseID(raw)
	if err != nil {
		return "", registry.Candidate{}, err
	}
	if err := a.stack(ctx); err != nil {
		return "", registry.Candidate{}, err
	}
	srcs, err := a.sources()
	if err != nil {
		return "", registry.Candidate{}, err
	}
	sel := &selectSource{id: id, from: srcs}
	rep := a.reg.Init(ctx, sel)
	if msg, ok := rep.Failed[id]; ok {
		return "", registry.Candidate{}, fmt.Errorf("%s: %s", id, msg)
	}
	if _, ok := a.reg.Get(id); !ok {
		if sel.found {
			return "", registry.Candidate{}, fmt.Errorf("%s: credentials are incomplete; run `tradegate vault set %s`", id, id)
		}
		return "", registry.Candidate{}, fmt.Errorf("%s: no credentials in env, config or vault", id)
	}
	return id, sel.match, nil
}

func (a *app) close() {
	if a.reg != nil {
		a.reg.Close(context.Background())
	}
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			log.Printf("close ledger: %v", err)
		}
	}
}

// selectSource yields the first candidate for one id across several
// sources.
type selectSource struct {
	id    broker.ID
	from  []registry.Source
	found bool
	match registry.Candidate
}

func (s *selectSource) Name() string { return "select" }

func (s *selectSource) Candidates(ctx context.Context) ([]registry.Candidate, error) {
	for _, src := range s.from {
		cands, err := src.Candidates(ctx)
		if err != nil {
			log.Printf("[registry] source %s unavailable: %v", src.Name(), err)
			continue
		}
		for _, c := range cands {
			if c.ID == s.id {
				s.found, s.match = true, c
				return []registry.Candidate{c}, nil
			}
		}
	}
	return nil, nil
}

// isPaper reports whether creds point at a sandbox account.
func isPaper(venue string, creds broker.Credentials) bool {
	f, ok := broker.Lookup(venue)
	if ok {
		creds = f.WithDefaults(creds)
	}
	switch venue {
	case "tradehybrid":
		return true
	case "alpaca":
		return creds.Get("paper") != "false"
	case "binance":
		return creds.Get("testnet") == "true"
	case "oanda":
		return creds.Get("practice") != "false"
	case "tradovate":
		return creds.Get("demo") != "false"
	}
	return false
}
