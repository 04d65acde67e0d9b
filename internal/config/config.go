package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haiphen/tradegate/internal/broker"
	"github.com/haiphen/tradegate/internal/registry"
)

type Config struct {
	Profile string `yaml:"profile"`

	Server   Server              `yaml:"server"`
	Safety   broker.SafetyConfig `yaml:"safety"`
	Ledger   Ledger              `yaml:"ledger"`
	Registry Registry            `yaml:"registry"`
	Vault    Vault               `yaml:"vault"`
	Pricing  Pricing             `yaml:"pricing"`

	// Brokers are venue credential sets keyed by broker id.
	Brokers map[string]registry.MapEntry `yaml:"brokers"`
}

// Server configures the HTTP API.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// JWTSecret signs bearer tokens. An empty secret disables POST /auth/token.
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`

	// Local rate limiting (per subject, per minute)
	RateLimitPerMin int `yaml:"rate_limit_per_min"`
	Burst           int `yaml:"burst"`
}

// Ledger selects the TradeHybrid ledger backend.
type Ledger struct {
	Driver   string `yaml:"driver"` // memory, sqlite or postgres
	DSN      string `yaml:"dsn"`
	Currency string `yaml:"currency"`
}

// Registry controls startup registration.
type Registry struct {
	DuplicatePolicy string        `yaml:"duplicate_policy"`
	StartupAttempts int           `yaml:"startup_attempts"`
	StartupDelay    time.Duration `yaml:"startup_delay"`
}

type Vault struct {
	Passphrase string `yaml:"passphrase"`
}

// Pricing configures reference quotes for the ledger venue and the order
// value limit.
type Pricing struct {
	Quotes        map[string]string `yaml:"quotes"`
	AlpacaDataURL string            `yaml:"alpaca_data_url"`
}

func Default() *Config {
	return &Config{
		Profile: "default",
		Server: Server{
			Host:            "127.0.0.1",
			Port:            8787,
			TokenTTL:        12 * time.Hour,
			RateLimitPerMin: 120,
			Burst:           30,
		},
		Safety: broker.DefaultSafetyConfig(),
		Ledger: Ledger{Driver: "memory", Currency: "USD"},
		Registry: Registry{
			DuplicatePolicy: string(registry.ReplaceDisconnect),
			StartupAttempts: 3,
			StartupDelay:    time.Second,
		},
	}
}

// Dir is the per-user configuration directory.
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "tradegate"), nil
}

// Path returns the config file for a profile: config.yaml for "default",
// config.<profile>.yaml otherwise.
func Path(profile string) (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	if profile == "" || profile == "default" {
		return filepath.Join(dir, "config.yaml"), nil
	}
	return filepath.Join(dir, "config."+profile+".yaml"), nil
}

// Load reads the YAML file at path over the defaults and applies
// environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	ApplyEnv(cfg, os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromDisk loads the profile's config file, loading ./.env first. Errors
// are logged and the defaults returned so the CLI can still start.
func LoadFromDisk(profile string) *Config {
	if err := LoadDotEnv(".env"); err != nil {
		log.Printf("[config] .env: %v", err)
	}
	path, err := Path(profile)
	if err != nil {
		log.Printf("[config] %v; using defaults", err)
		cfg := Default()
		ApplyEnv(cfg, os.LookupEnv)
		return cfg
	}
	cfg, err := Load(path)
	if err != nil {
		log.Printf("[config] %v; using defaults", err)
		cfg = Default()
		ApplyEnv(cfg, os.LookupEnv)
	}
	if profile != "" {
		cfg.Profile = profile
	}
	return cfg
}

// ApplyEnv overrides gateway settings from TRADEGATE_* variables. Venue
// credentials are not read here; the registry resolves them per venue.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(name); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else {
				log.Printf("[config] %s=%q: not an integer", name, v)
			}
		}
	}
	flt := func(name string, dst *float64) {
		if v, ok := lookup(name); ok && v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			} else {
				log.Printf("[config] %s=%q: not a number", name, v)
			}
		}
	}

	str("TRADEGATE_PROFILE", &cfg.Profile)
	str("TRADEGATE_HOST", &cfg.Server.Host)
	num("TRADEGATE_PORT", &cfg.Server.Port)
	str("TRADEGATE_JWT_SECRET", &cfg.Server.JWTSecret)
	str("TRADEGATE_USERNAME", &cfg.Server.Username)
	str("TRADEGATE_PASSWORD", &cfg.Server.Password)
	num("TRADEGATE_RATE_LIMIT_PER_MIN", &cfg.Server.RateLimitPerMin)
	num("TRADEGATE_BURST", &cfg.Server.Burst)

	flt("TRADEGATE_MAX_ORDER_QTY", &cfg.Safety.MaxOrderQty)
	flt("TRADEGATE_MAX_ORDER_VALUE", &cfg.Safety.MaxOrderValue)
	flt("TRADEGATE_DAILY_LOSS_LIMIT", &cfg.Safety.DailyLossLimit)
	if v, ok := lookup("TRADEGATE_CONFIRM_ORDERS"); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Safety.ConfirmOrders = b
		}
	}

	str("TRADEGATE_LEDGER_DRIVER", &cfg.Ledger.Driver)
	str("TRADEGATE_LEDGER_DSN", &cfg.Ledger.DSN)
	str("TRADEGATE_DUPLICATE_POLICY", &cfg.Registry.DuplicatePolicy)
	str("TRADEGATE_VAULT_PASSPHRASE", &cfg.Vault.Passphrase)
}

// Validate checks values that would otherwise fail late at serve time.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if _, err := registry.ParseDuplicatePolicy(c.Registry.DuplicatePolicy); err != nil {
		return err
	}
	switch c.Ledger.Driver {
	case "", "memory":
	case "sqlite", "postgres":
		if c.Ledger.DSN == "" {
			return fmt.Errorf("ledger.dsn is required for the %s driver", c.Ledger.Driver)
		}
	default:
		return fmt.Errorf("unknown ledger driver %q", c.Ledger.Driver)
	}
	if c.Safety.MaxOrderQty < 0 || c.Safety.MaxOrderValue < 0 || c.Safety.DailyLossLimit < 0 {
		return errors.New("safety limits must not be negative")
	}
	for id, b := range c.Brokers {
		if _, err := broker.ParseID(id); err != nil {
			return fmt.Errorf("brokers: %w", err)
		}
		venue := b.Venue
		if venue == "" {
			venue = id
		}
		if !broker.IsRegistered(venue) {
			return fmt.Errorf("brokers.%s: unknown venue %q", id, venue)
		}
	}
	return nil
}

// Addr is the listen address of the HTTP API.
func (c *Config) Addr() string { return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port) }
