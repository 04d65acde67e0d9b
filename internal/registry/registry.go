// Package registry keeps the live broker connections a gateway process
// routes orders to. A connection is inserted only after a successful
// connection test, and every change is forwarded to the execution
// processor so both sides route by the same ids.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haiphen/tradegate/internal/broker"
	"github.com/haiphen/tradegate/internal/util"
)

var (
	ErrNotFound  = errors.New("broker not registered")
	ErrDuplicate = errors.New("broker id already registered")
)

// Processor is the trade execution side that mirrors registrations.
type Processor interface {
	AddConnection(id broker.ID, conn broker.Connection)
	RemoveConnection(id broker.ID)
	ConnectionIDs() []broker.ID
}

// DuplicatePolicy decides what registering an existing id does.
type DuplicatePolicy string

const (
	// Replace swaps in the new connection and leaves the old one alone.
	Replace DuplicatePolicy = "replace"
	// ReplaceDisconnect swaps in the new connection and disconnects the old.
	ReplaceDisconnect DuplicatePolicy = "replace-disconnect"
	// Reject refuses the registration with ErrDuplicate.
	Reject DuplicatePolicy = "reject"
)

// ParseDuplicatePolicy validates a policy name. Empty means
// ReplaceDisconnect.
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch p := DuplicatePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return ReplaceDisconnect, nil
	case Replace, ReplaceDisconnect, Reject:
		return p, nil
	default:
		return "", fmt.Errorf("unknown duplicate policy %q: must be one of replace, replace-disconnect, reject", s)
	}
}

// Status describes one registered connection.
type Status struct {
	ID           broker.ID           `json:"id"`
	Venue        string              `json:"venue"`
	Connected    bool                `json:"connected"`
	Markets      []string            `json:"markets"`
	Capabilities broker.Capabilities `json:"capabilities"`
	Source       string              `json:"source,omitempty"`
	RegisteredAt time.Time           `json:"registered_at"`
}

type entry struct {
	conn         broker.Connection
	source       string
	registeredAt time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithProcessor forwards every registration to p.
func WithProcessor(p Processor) Option { return func(s *Service) { s.processor = p } }

// WithBrokerOptions sets the dependencies passed to adapter factories.
func WithBrokerOptions(o broker.Options) Option { return func(s *Service) { s.opts = o } }

// WithDuplicatePolicy sets the duplicate id policy.
func WithDuplicatePolicy(p DuplicatePolicy) Option { return func(s *Service) { s.policy = p } }

// WithStartupRetry sets how Init retries transient registration failures.
func WithStartupRetry(attempts int, baseDelay time.Duration) Option {
	return func(s *Service) {
		s.attempts = attempts
		s.delay = baseDelay
	}
}

// Service maps broker ids to live connections. Writes are serialized;
// reads run concurrently.
type Service struct {
	opts      broker.Options
	processor Processor
	policy    DuplicatePolicy
	attempts  int
	delay     time.Duration
	now       func() time.Time

	mu    sync.RWMutex
	conns map[broker.ID]*entry
}

// New creates an empty registry.
func New(opts ...Option) *Service {
	s := &Service{
		policy:   ReplaceDisconnect,
		attempts: 3,
		delay:    time.Second,
		now:      time.Now,
		conns:    map[broker.ID]*entry{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.attempts < 1 {
		s.attempts = 1
	}
	return s
}

// Policy returns the duplicate id policy in effect.
func (s *Service) Policy() DuplicatePolicy { return s.policy }

// Register builds a connection for venue, tests it, and inserts it under id
// only when the test succeeds. A failed test leaves the registry unchanged.
func (s *Service) Register(ctx context.Context, id broker.ID, venue string, creds broker.Credentials) (broker.Connection, error) {
	return s.register(ctx, id, venue, creds, "api")
}

func (s *Service) register(ctx context.Context, id broker.ID, venue string, creds broker.Credentials, source string) (broker.Connection, error) {
	if s.policy == Reject {
		if _, ok := s.Get(id); ok {
			return nil, fmt.Errorf("register %s: %w", id, ErrDuplicate)
		}
	}
	conn, err := broker.New(venue, creds, s.opts)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", id, err)
	}
	if err := conn.TestConnection(ctx); err != nil {
		return nil, fmt.Errorf("register %s: connection test failed: %w", id, err)
	}
	if err := s.add(ctx, id, conn, source); err != nil {
		conn.Disconnect(ctx)
		return nil, err
	}
	log.Printf("[registry] registered %s (%s)", id, conn.Name())
	return conn, nil
}

// Add inserts an already-constructed connection without testing it.
func (s *Service) Add(ctx context.Context, id broker.ID, conn broker.Connection) error {
	return s.add(ctx, id, conn, "api")
}

func (s *Service) add(ctx context.Context, id broker.ID, conn broker.Connection, source string) error {
	s.mu.Lock()
	old, exists := s.conns[id]
	if exists && s.policy == Reject {
		s.mu.Unlock()
		return fmt.Errorf("register %s: %w", id, ErrDuplicate)
	}
	s.conns[id] = &entry{conn: conn, source: source, registeredAt: s.now().UTC()}
	// Forwarding under the write lock keeps the processor's table in
	// registration order.
	if s.processor != nil {
		s.processor.AddConnection(id, conn)
	}
	s.mu.Unlock()

	if exists && s.policy == ReplaceDisconnect && old.conn != conn {
		log.Printf("[registry] %s replaced; disconnecting previous %s connection", id, old.conn.Name())
		old.conn.Disconnect(ctx)
	}
	return nil
}

// Get returns the connection registered under id.
func (s *Service) Get(id broker.ID) (broker.Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.conns[id]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// All returns a snapshot of the registry.
func (s *Service) All() map[broker.ID]broker.Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[broker.ID]broker.Connection, len(s.conns))
	for id, e := range s.conns {
		out[id] = e.conn
	}
	return out
}

// IDs returns the registered ids, sorted.
func (s *Service) IDs() []broker.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]broker.ID, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Statuses describes every registered connection, sorted by id.
func (s *Service) Statuses() []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Status, 0, len(s.conns))
	for id, e := range s.conns {
		out = append(out, Status{
			ID:           id,
			Venue:        e.conn.Name(),
			Connected:    e.conn.IsConnected(),
			Markets:      e.conn.SupportedMarkets(),
			Capabilities: e.conn.Capabilities(),
			Source:       e.source,
			RegisteredAt: e.registeredAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remove drops and disconnects the connection under id. It reports whether
// anything was removed.
func (s *Service) Remove(ctx context.Context, id broker.ID) bool {
	s.mu.Lock()
	e, ok := s.conns[id]
	if ok {
		delete(s.conns, id)
		if s.processor != nil {
			s.processor.RemoveConnection(id)
		}
	}
	s.mu.Unlock()
	if ok {
		e.conn.Disconnect(ctx)
		log.Printf("[registry] removed %s", id)
	}
	return ok
}

// Test runs the connection test for a registered id.
func (s *Service) Test(ctx context.Context, id broker.ID) error {
	conn, ok := s.Get(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return conn.TestConnection(ctx)
}

// Reconcile makes the processor's table match the registry, which is
// authoritative. It returns the ids added to and removed from the processor.
func (s *Service) Reconcile() (added, removed []broker.ID) {
	if s.processor == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	have := map[broker.ID]bool{}
	for _, id := range s.processor.ConnectionIDs() {
		have[id] = true
		if _, ok := s.conns[id]; !ok {
			s.processor.RemoveConnection(id)
			removed = append(removed, id)
		}
	}
	for id, e := range s.conns {
		if !have[id] {
			added = append(added, id)
		}
		s.processor.AddConnection(id, e.conn)
	}
	sort.Slice(added, func(i, j int) bool { return added[i] < added[j] })
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	if len(added)+len(removed) > 0 {
		log.Printf("[registry] reconciled processor: +%d -%d", len(added), len(removed))
	}
	return added, removed
}

// Close disconnects every registered connection and empties the registry.
func (s *Service) Close(ctx context.Context) {
	s.mu.Lock()
	conns := s.conns
	s.conns = map[broker.ID]*entry{}
	if s.processor != nil {
		for id := range conns {
			s.processor.RemoveConnection(id)
		}
	}
	s.mu.Unlock()
	for _, e := range conns {
		e.conn.Disconnect(ctx)
	}
}

// Report summarizes an Init run.
type Report struct {
	Registered []broker.ID          `json:"registered"`
	Skipped    []string             `json:"skipped,omitempty"`
	Failed     map[broker.ID]string `json:"failed,omitempty"`
}

// Init registers every complete credential set the sources offer. Earlier
// sources win when two offer the same id. Sets with missing required fields
// are skipped without error; transient registration failures are retried.
func (s *Service) Init(ctx context.Context, sources ...Source) Report {
	rep := Report{Failed: map[broker.ID]string{}}
	seen := map[broker.ID]bool{}

	for _, src := range sources {
		cands, err := src.Candidates(ctx)
		if err != nil {
			log.Printf("[registry] source %s unavailable: %v", src.Name(), err)
			continue
		}
		for _, c := range cands {
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true

			f, ok := broker.Lookup(c.Venue)
			if !ok {
				log.Printf("[registry] %s: unknown venue %q from %s; skipped", c.ID, c.Venue, c.Source)
				rep.Skipped = append(rep.Skipped, string(c.ID))
				continue
			}
			if missing := f.Missing(f.WithDefaults(c.Creds)); len(missing) > 0 {
				rep.Skipped = append(rep.Skipped, string(c.ID))
				continue
			}

			err := util.RetryIf(ctx, s.attempts, s.delay, broker.IsRetryable, func() error {
				_, err := s.register(ctx, c.ID, c.Venue, c.Creds, c.Source)
				return err
			})
			if err != nil {
				log.Printf("[registry] %s: %v", c.ID, err)
				rep.Failed[c.ID] = err.Error()
				continue
			}
			rep.Registered = append(rep.Registered, c.ID)
		}
	}
	return rep
}
