package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bitpredict/market-ledger/internal/model"
)

type posKey struct {
	marketID uint64
	user     string
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	nextID    uint64
	markets   map[uint64]*model.Market
	positions map[posKey]*model.Position
	events    map[uint64][]model.Event
	admin     *model.Administrator
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[uint64]*model.Market),
		positions: make(map[posKey]*model.Position),
		events:    make(map[uint64][]model.Event),
	}
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market, ev *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	m.ID = s.nextID
	ev.Snapshot(m, ev.PriceYesBps)
	m.Append(ev)

	// Store a copy to avoid external mutation.
	copy := *m
	s.markets[m.ID] = &copy
	s.events[m.ID] = append(s.events[m.ID], *ev)
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id uint64) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %d: %w", id, model.ErrNotFound)
	}
	copy := *m
	return &copy, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].ID > markets[j].ID })
	return markets, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, marketID uint64, user string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.positions[posKey{marketID, user}]; ok {
		copy := *p
		return &copy, nil
	}
	return &model.Position{MarketID: marketID, User: user}, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, marketID uint64) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for k, p := range s.positions {
		if k.marketID == marketID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].User < result[j].User })
	return result, nil
}

func (s *MemoryStore) ListUserPositions(_ context.Context, user string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for k, p := range s.positions {
		if k.user == user {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].MarketID < result[j].MarketID })
	return result, nil
}

func (s *MemoryStore) Commit(_ context.Context, m *model.Market, p *model.Position, ev *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.markets[m.ID]
	if !ok {
		return fmt.Errorf("market %d: %w", m.ID, model.ErrNotFound)
	}
	if stored.EventSeq != m.EventSeq {
		return ErrConflict
	}
	if p != nil {
		if existing, ok := s.positions[posKey{p.MarketID, p.User}]; ok && existing.Claimed {
			return model.ErrAlreadyClaimed
		}
	}

	// All checks passed; nothing below can fail.
	m.Append(ev)
	copy := *m
	s.markets[m.ID] = &copy
	if p != nil {
		pc := *p
		s.positions[posKey{p.MarketID, p.User}] = &pc
	}
	s.events[m.ID] = append(s.events[m.ID], *ev)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, marketID uint64) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Event, len(s.events[marketID]))
	copy(result, s.events[marketID])
	return result, nil
}

func (s *MemoryStore) GetAdministrator(_ context.Context) (*model.Administrator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.admin == nil {
		return nil, ErrNoAdministrator
	}
	copy := *s.admin
	return &copy, nil
}

func (s *MemoryStore) SetAdministrator(_ context.Context, a *model.Administrator, ev *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev == nil {
		if s.admin != nil {
			return ErrConflict
		}
		copy := *a
		s.admin = &copy
		return nil
	}
	if s.admin == nil || s.admin.EventSeq != a.EventSeq {
		return ErrConflict
	}
	a.Append(ev)
	copy := *a
	s.admin = &copy
	s.events[0] = append(s.events[0], *ev)
	return nil
}
