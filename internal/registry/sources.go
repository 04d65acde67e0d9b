package registry

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/haiphen/tradegate/internal/broker"
	"github.com/haiphen/tradegate/internal/brokerstore"
)

// Candidate is one credential set a source offers for startup registration.
type Candidate struct {
	ID     broker.ID
	Venue  string
	Creds  broker.Credentials
	Source string
}

// Source yields credential sets. Incomplete sets are still returned; Init
// decides whether they are usable.
type Source interface {
	Name() string
	Candidates(ctx context.Context) ([]Candidate, error)
}

// EnvSource reads each venue's environment variables. A venue appears only
// when every required variable is set.
type EnvSource struct {
	Lookup func(string) (string, bool)
}

// Env reads the process environment.
func Env() EnvSource { return EnvSource{Lookup: os.LookupEnv} }

func (EnvSource) Name() string { return "env" }

func (s EnvSource) Candidates(context.Context) ([]Candidate, error) {
	lookup := s.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var out []Candidate
	for _, f := range broker.Factories() {
		creds, ok := f.ResolveEnv(lookup)
		if !ok {
			continue
		}
		id, err := f.IDFor(creds)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Venue, err)
		}
		out = append(out, Candidate{ID: id, Venue: f.Venue, Creds: creds, Source: "env"})
	}
	return out, nil
}

// MapEntry is a credential set from the YAML config's brokers section.
type MapEntry struct {
	Venue  string            `yaml:"venue"`
	Fields map[string]string `yaml:"fields"`
}

// MapSource serves credential sets keyed by broker id.
type MapSource map[string]MapEntry

func (MapSource) Name() string { return "config" }

func (s MapSource) Candidates(context.Context) ([]Candidate, error) {
	out := make([]Candidate, 0, len(s))
	for key, e := range s {
		id, err := broker.ParseID(key)
		if err != nil {
			return nil, err
		}
		venue := e.Venue
		if venue == "" {
			venue = string(id)
		}
		out = append(out, Candidate{ID: id, Venue: venue, Creds: broker.Credentials(e.Fields), Source: "config"})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// VaultSource serves every credential set in the encrypted vault.
type VaultSource struct {
	Store *brokerstore.Store
}

func (VaultSource) Name() string { return "vault" }

func (s VaultSource) Candidates(context.Context) ([]Candidate, error) {
	ids, err := s.Store.List()
	if err != nil {
		return nil, fmt.Errorf("list vault: %w", err)
	}
	var out []Candidate
	for _, raw := range ids {
		id, err := broker.ParseID(raw)
		if err != nil {
			continue
		}
		e, err := s.Store.Load(raw)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", raw, err)
		}
		if e == nil {
			continue
		}
		venue := e.Venue
		if venue == "" {
			venue = raw
		}
		out = append(out, Candidate{ID: id, Venue: venue, Creds: broker.Credentials(e.Fields), Source: "vault"})
	}
	return out, nil
}
