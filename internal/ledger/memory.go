package ledger

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps accounts in process memory with one mutex per account.
type MemoryStore struct {
	opts options

	mu       sync.Mutex
	accounts map[string]*memAccount
}

type memAccount struct {
	mu      sync.Mutex
	acct    *Account
	entries []Entry
}

// NewMemory returns an empty in-memory store.
func NewMemory(opts ...Option) *MemoryStore {
	return &MemoryStore{opts: buildOptions(opts), accounts: map[string]*memAccount{}}
}

func (s *MemoryStore) lookup(userID string) (*memAccount, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.accounts[userID]
	return m, ok
}

func (s *MemoryStore) Open(_ context.Context, userID, currency string, initial decimal.Decimal) (*Account, error) {
	s.mu.Lock()
	m, ok := s.accounts[userID]
	if !ok {
		now := s.opts.now().UTC()
		m = &memAccount{acct: &Account{
			UserID:    userID,
			Currency:  currency,
			Balance:   decimal.Zero,
			Holdings:  map[string]Holding{},
			UpdatedAt: now,
		}}
		if initial.IsPositive() {
			e, _ := m.acct.Deposit(initial)
			stamp(e, m.acct, uuid.NewString(), now)
			m.entries = append(m.entries, *e)
		}
		s.accounts[userID] = m
	}
	s.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acct.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, userID string) (*Account, error) {
	m, ok := s.lookup(userID)
	if !ok {
		return nil, ErrAccountNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acct.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, userID string, fn UpdateFunc) (*Account, error) {
	m, ok := s.lookup(userID)
	if !ok {
		return nil, ErrAccountNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	next := m.acct.Clone()
	entry, err := fn(next)
	if err != nil {
		return nil, err
	}
	now := s.opts.now().UTC()
	next.UpdatedAt = now
	if entry != nil {
		stamp(entry, next, uuid.NewString(), now)
		m.entries = append(m.entries, *entry)
	}
	m.acct = next
	return next.Clone(), nil
}

func (s *MemoryStore) Entries(_ context.Context, userID string, limit int) ([]Entry, error) {
	m, ok := s.lookup(userID)
	if !ok {
		return nil, ErrAccountNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return tail(out, limit), nil
}

func (s *MemoryStore) Close() error { return nil }
