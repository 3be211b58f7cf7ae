package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bitpredict/market-ledger/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Only hot reads are cached: single markets and single positions. Lists and
// the event log always go to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market, ev *model.Event) error {
	if err := s.primary.CreateMarket(ctx, m, ev); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) Commit(ctx context.Context, m *model.Market, p *model.Position, ev *model.Event) error {
	err := s.primary.Commit(ctx, m, p, ev)
	// Invalidate even on failure: a conflict means the cached copy is stale.
	keys := []string{marketKey(m.ID)}
	if p != nil {
		keys = append(keys, positionKey(p.MarketID, p.User))
	}
	s.rdb.Del(ctx, keys...)
	return err
}

func (s *CachedStore) SetAdministrator(ctx context.Context, a *model.Administrator, ev *model.Event) error {
	return s.primary.SetAdministrator(ctx, a, ev)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id uint64) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	// Cache miss: read from primary.
	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, marketID uint64, user string) (*model.Position, error) {
	key := positionKey(marketID, user)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var p model.Position
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPosition(ctx, marketID, user)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return p, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListPositions(ctx context.Context, marketID uint64) ([]model.Position, error) {
	return s.primary.ListPositions(ctx, marketID)
}

func (s *CachedStore) ListUserPositions(ctx context.Context, user string) ([]model.Position, error) {
	return s.primary.ListUserPositions(ctx, user)
}

func (s *CachedStore) ListEvents(ctx context.Context, marketID uint64) ([]model.Event, error) {
	return s.primary.ListEvents(ctx, marketID)
}

func (s *CachedStore) GetAdministrator(ctx context.Context) (*model.Administrator, error) {
	return s.primary.GetAdministrator(ctx)
}

// Ping checks Redis connectivity for readiness probes.
func (s *CachedStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func marketKey(id uint64) string { return fmt.Sprintf("amm:market:%d", id) }

func positionKey(marketID uint64, user string) string {
	return fmt.Sprintf("amm:position:%d:%s", marketID, user)
}
