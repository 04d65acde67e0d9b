package broker

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/haiphen/tradegate/internal/ledger"
	"github.com/haiphen/tradegate/internal/pricing"
)

// ConnectionType names the credential scheme a venue requires.
type ConnectionType string

const (
	APIKey           ConnectionType = "api_key"
	APIKeySecret     ConnectionType = "api_key_secret"
	OAuth            ConnectionType = "oauth"
	UsernamePassword ConnectionType = "username_password"
	TokenAuth        ConnectionType = "token"
)

// Field describes one configuration value a venue needs.
type Field struct {
	Name     string   `json:"name"`
	Label    string   `json:"label"`
	Env      string   `json:"env"`
	Aliases  []string `json:"env_aliases,omitempty"` // read when Env is unset
	Required bool     `json:"required"`
	Secret   bool     `json:"secret"`
	Default  string   `json:"default,omitempty"`
}

// EnvNames returns Env followed by its aliases.
func (fd Field) EnvNames() []string {
	if fd.Env == "" {
		return nil
	}
	return append([]string{fd.Env}, fd.Aliases...)
}

// Credentials maps field names to values.
type Credentials map[string]string

// Get returns the trimmed value of a field.
func (c Credentials) Get(name string) string {
	return strings.TrimSpace(c[name])
}

// Options carries the non-credential dependencies adapters may use.
type Options struct {
	HTTPClient *http.Client
	BaseURL    string // overrides the venue default, mainly for sandboxes and tests
	TokenStore TokenStore
	Ledger     ledger.Store
	Prices     pricing.Source
}

// Factory constructs adapters for one venue and describes what it needs.
type Factory struct {
	Venue          string
	DisplayName    string
	ConnectionType ConnectionType
	Fields         []Field
	Capabilities   Capabilities
	Markets        []string
	New            func(creds Credentials, opts Options) (Connection, error)

	// DefaultID derives the registry id from credentials. Nil means the
	// venue name.
	DefaultID func(creds Credentials) string
}

// IDFor returns the registry id a connection built from creds is
// registered under by default.
func (f Factory) IDFor(creds Credentials) (ID, error) {
	if f.DefaultID != nil {
		return ParseID(f.DefaultID(creds))
	}
	return ParseID(f.Venue)
}

// RequiredFields returns the names of the mandatory fields.
func (f Factory) RequiredFields() []string {
	var names []string
	for _, fd := range f.Fields {
		if fd.Required {
			names = append(names, fd.Name)
		}
	}
	return names
}

// Missing returns required fields absent from creds.
func (f Factory) Missing(creds Credentials) []string {
	var missing []string
	for _, name := range f.RequiredFields() {
		if creds.Get(name) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// WithDefaults returns a copy of creds with field defaults filled in.
func (f Factory) WithDefaults(creds Credentials) Credentials {
	out := make(Credentials, len(f.Fields))
	for k, v := range creds {
		out[k] = v
	}
	for _, fd := range f.Fields {
		if out.Get(fd.Name) == "" && fd.Default != "" {
			out[fd.Name] = fd.Default
		}
	}
	return out
}

// ResolveEnv collects credentials from environment-style lookups. It
// reports false when any required field is absent.
func (f Factory) ResolveEnv(lookup func(string) (string, bool)) (Credentials, bool) {
	creds := Credentials{}
	for _, fd := range f.Fields {
		for _, name := range fd.EnvNames() {
			if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
				creds[fd.Name] = v
				break
			}
		}
	}
	if len(f.Missing(creds)) > 0 {
		return nil, false
	}
	return creds, true
}

// registry maps venue names to their factories.
var registry = map[string]Factory{}

// Register adds a venue factory. Adapters call it from init().
func Register(f Factory) {
	registry[f.Venue] = f
}

// Lookup returns the factory for a venue.
func Lookup(venue string) (Factory, bool) {
	f, ok := registry[strings.ToLower(venue)]
	return f, ok
}

// New creates an adapter by venue name. Missing required fields produce a
// KindConfig error; construction never performs I/O.
func New(venue string, creds Credentials, opts Options) (Connection, error) {
	f, ok := Lookup(venue)
	if !ok {
		return nil, NewError(venue, "new", KindConfig, "unknown venue %q", venue)
	}
	creds = f.WithDefaults(creds)
	if missing := f.Missing(creds); len(missing) > 0 {
		return nil, NewError(f.Venue, "new", KindConfig, "missing required fields: %s", strings.Join(missing, ", "))
	}
	conn, err := f.New(creds, opts)
	if err != nil {
		return nil, Wrap(f.Venue, "new", KindConfig, err)
	}
	return conn, nil
}

// Available returns the names of all registered venues, sorted.
func Available() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Factories returns all registered factories sorted by venue.
func Factories() []Factory {
	out := make([]Factory, 0, len(registry))
	for _, name := range Available() {
		out = append(out, registry[name])
	}
	return out
}

// IsRegistered checks if a venue name is registered.
func IsRegistered(venue string) bool {
	_, ok := registry[venue]
	return ok
}

func (t ConnectionType) String() string { return string(t) }

// ParseConnectionType validates a connection type name.
func ParseConnectionType(s string) (ConnectionType, error) {
	switch ct := ConnectionType(strings.ToLower(s)); ct {
	case APIKey, APIKeySecret, OAuth, UsernamePassword, TokenAuth:
		return ct, nil
	default:
		return "", fmt.Errorf("unknown connection type %q", s)
	}
}
