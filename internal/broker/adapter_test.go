package broker

import (
	"context"
	"sort"
	"testing"
)

// stubConn is a minimal Connection for factory testing.
type stubConn struct {
	name      string
	connected bool
}

func (s *stubConn) Name() string                   { return s.name }
func (s *stubConn) IsConnected() bool              { return s.connected }
func (s *stubConn) Disconnect(ctx context.Context) { s.connected = false }
func (s *stubConn) Connect(ctx context.Context) error {
	s.connected = true
	return nil
}
func (s *stubConn) ExecuteMarketOrder(ctx context.Context, p TradeParams) (*OrderResult, error) {
	return &OrderResult{Venue: s.name}, nil
}
func (s *stubConn) GetAccountInfo(ctx context.Context) (*AccountInfo, error)     { return &AccountInfo{}, nil }
func (s *stubConn) GetOpenPositions(ctx context.Context) ([]PositionInfo, error) { return nil, nil }
func (s *stubConn) SupportedMarkets() []string                                   { return []string{MarketStocks} }
func (s *stubConn) Capabilities() Capabilities                                   { return Capabilities{} }
func (s *stubConn) TestConnection(ctx context.Context) error                     { return s.Connect(ctx) }

func withRegistry(t *testing.T) {
	t.Helper()
	orig := registry
	registry = map[string]Factory{}
	t.Cleanup(func() { registry = orig })
}

func testFactory() Factory {
	return Factory{
		Venue:          "test-venue",
		ConnectionType: APIKeySecret,
		Fields: []Field{
			{Name: "api_key", Env: "TEST_API_KEY", Required: true},
			{Name: "api_secret", Env: "TEST_API_SECRET", Required: true, Secret: true},
			{Name: "region", Env: "TEST_REGION", Default: "us"},
		},
		New: func(creds Credentials, opts Options) (Connection, error) {
			if creds.Get("region") != "us" {
				return nil, NewError("test-venue", "new", KindConfig, "bad region")
			}
			return &stubConn{name: "test-venue"}, nil
		},
	}
}

func TestRegistryRoundTrip(t *testing.T) {
	withRegistry(t)
	Register(testFactory())

	if !IsRegistered("test-venue") {
		t.Fatal("expected test-venue to be registered")
	}
	if IsRegistered("nonexistent") {
		t.Fatal("expected nonexistent to not be registered")
	}

	c, err := New("Test-Venue", Credentials{"api_key": "k", "api_secret": "s"}, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.Name() != "test-venue" {
		t.Errorf("Name() = %q, want %q", c.Name(), "test-venue")
	}
	if c.IsConnected() {
		t.Error("construction must not connect")
	}

	_, err = New("nonexistent", nil, Options{})
	if KindOf(err) != KindConfig {
		t.Fatalf("unknown venue: kind = %v, want config", KindOf(err))
	}
}

func TestNewReportsMissingFields(t *testing.T) {
	withRegistry(t)
	Register(testFactory())

	_, err := New("test-venue", Credentials{"api_key": "k", "api_secret": "  "}, Options{})
	if KindOf(err) != KindConfig {
		t.Fatalf("kind = %v, want config", KindOf(err))
	}
	if want := "missing required fields: api_secret"; !contains(err.Error(), want) {
		t.Errorf("error %q should mention %q", err, want)
	}
}

func TestResolveEnv(t *testing.T) {
	f := testFactory()
	env := map[string]string{"TEST_API_KEY": "k"}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	if _, ok := f.ResolveEnv(lookup); ok {
		t.Fatal("incomplete environment should not resolve")
	}
	env["TEST_API_SECRET"] = "s"
	creds, ok := f.ResolveEnv(lookup)
	if !ok {
		t.Fatal("complete environment should resolve")
	}
	if creds["api_key"] != "k" || creds["api_secret"] != "s" {
		t.Errorf("creds = %v", creds)
	}
	if got := f.WithDefaults(creds).Get("region"); got != "us" {
		t.Errorf("region default = %q, want us", got)
	}
}

func TestResolveEnvAliases(t *testing.T) {
	f := testFactory()
	f.Fields[0].Aliases = []string{"TEST_KEY_OLD"}
	env := map[string]string{"TEST_KEY_OLD": "legacy", "TEST_API_SECRET": "s"}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	creds, ok := f.ResolveEnv(lookup)
	if !ok {
		t.Fatal("alias should satisfy a required field")
	}
	if creds["api_key"] != "legacy" {
		t.Errorf("api_key = %q, want legacy", creds["api_key"])
	}

	env["TEST_API_KEY"] = "primary"
	creds, _ = f.ResolveEnv(lookup)
	if creds["api_key"] != "primary" {
		t.Errorf("api_key = %q, primary name should win over alias", creds["api_key"])
	}
	if got := f.Fields[0].EnvNames(); len(got) != 2 || got[0] != "TEST_API_KEY" {
		t.Errorf("EnvNames() = %v", got)
	}
}

func TestIDFor(t *testing.T) {
	f := testFactory()
	id, err := f.IDFor(nil)
	if err != nil || id != "test-venue" {
		t.Fatalf("IDFor() = %q, %v", id, err)
	}
	f.DefaultID = func(c Credentials) string { return "acct_" + c.Get("user") }
	id, err = f.IDFor(Credentials{"user": "7"})
	if err != nil || id != "acct_7" {
		t.Fatalf("IDFor() = %q, %v", id, err)
	}
}

func TestAvailable(t *testing.T) {
	withRegistry(t)
	for _, name := range []string{"charlie", "alpha", "bravo"} {
		f := testFactory()
		f.Venue = name
		Register(f)
	}

	names := Available()
	if !sort.StringsAreSorted(names) {
		t.Errorf("Available() not sorted: %v", names)
	}
	if len(names) != 3 {
		t.Fatalf("Available() = %v, want 3 entries", names)
	}
	if fs := Factories(); fs[0].Venue != "alpha" {
		t.Errorf("Factories()[0] = %q, want alpha", fs[0].Venue)
	}
}

func TestParseConnectionType(t *testing.T) {
	for _, s := range []string{"api_key", "API_KEY_SECRET", "oauth", "username_password", "token"} {
		if _, err := ParseConnectionType(s); err != nil {
			t.Errorf("ParseConnectionType(%q) error = %v", s, err)
		}
	}
	if _, err := ParseConnectionType("session"); err == nil {
		t.Error("expected error for unknown connection type")
	}
}

func TestEnsureConnectedSingleAttempt(t *testing.T) {
	c := &failingConn{stubConn: stubConn{name: "flaky"}}
	err := EnsureConnected(context.Background(), c)
	if KindOf(err) != KindNotConnected {
		t.Fatalf("kind = %v, want not_connected", KindOf(err))
	}
	if c.attempts != 1 {
		t.Errorf("attempts = %d, want 1", c.attempts)
	}
	if !IsRetryable(err) {
		t.Error("a not-connected error over a transport failure should be retryable")
	}
}

type failingConn struct {
	stubConn
	attempts int
}

func (f *failingConn) Connect(ctx context.Context) error {
	f.attempts++
	return NewError("flaky", "connect", KindTransport, "connection refused")
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
