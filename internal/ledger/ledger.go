// Package ledger is the authoritative settlement ledger: the market registry,
// the constant-product exchange entry point, resolution and settlement, and
// the administrator gate.
//
// Every mutating operation runs validate, compute and commit under a
// per-market lock, so a failed call never leaves partial state behind.
// Events are handed to sinks only after the lock is released.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/bitpredict/market-ledger/internal/amm"
	"github.com/bitpredict/market-ledger/internal/clock"
	"github.com/bitpredict/market-ledger/internal/metrics"
	"github.com/bitpredict/market-ledger/internal/model"
	"github.com/bitpredict/market-ledger/internal/store"
)

// Sink receives committed events. Publish must not block.
type Sink interface {
	Publish(ev model.Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev model.Event)

func (f SinkFunc) Publish(ev model.Event) { f(ev) }

// Ledger owns all mutations of markets, positions and the administrator.
type Ledger struct {
	store store.Store
	mm    *amm.MarketMaker
	clock clock.Clock

	sinksMu sync.RWMutex
	sinks   []Sink

	// locks holds one *sync.Mutex per market ID. Markets are never
	// deleted, so entries are never removed.
	locks sync.Map

	// adminMu is held for writing by rotation and for reading by every
	// operation that checks the administrator.
	adminMu sync.RWMutex
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithSinks registers event sinks at construction.
func WithSinks(sinks ...Sink) Option {
	return func(l *Ledger) { l.sinks = append(l.sinks, sinks...) }
}

// New creates a ledger over st priced by mm. A nil clk uses wall-clock
// unix seconds.
func New(st store.Store, mm *amm.MarketMaker, clk clock.Clock, opts ...Option) *Ledger {
	if clk == nil {
		clk = clock.System{}
	}
	l := &Ledger{store: st, mm: mm, clock: clk}
	for _, o := range opts {
		o(l)
	}
	return l
}

// AddSink registers a sink after construction.
func (l *Ledger) AddSink(s Sink) {
	l.sinksMu.Lock()
	l.sinks = append(l.sinks, s)
	l.sinksMu.Unlock()
}

// MarketMaker returns the curve used for pricing.
func (l *Ledger) MarketMaker() *amm.MarketMaker { return l.mm }

// Now returns the ledger clock reading.
func (l *Ledger) Now() uint64 { return l.clock.Now() }

func (l *Ledger) lock(marketID uint64) func() {
	v, _ := l.locks.LoadOrStore(marketID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (l *Ledger) publish(ev model.Event) {
	l.sinksMu.RLock()
	defer l.sinksMu.RUnlock()
	for _, s := range l.sinks {
		s.Publish(ev)
	}
}

func (l *Ledger) newEvent(typ model.EventType, actor string, now uint64) *model.Event {
	return &model.Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Actor:     actor,
		Timestamp: now,
	}
}

// reject records a failed operation and returns err unchanged.
func reject(op string, err error) error {
	kind := model.Kind(err)
	switch {
	case kind != "":
	case errors.Is(err, store.ErrConflict):
		kind = "Conflict"
	default:
		kind = "Internal"
	}
	metrics.RejectionsTotal.WithLabelValues(op, kind).Inc()
	if kind == "Internal" || kind == "ArithmeticOverflow" {
		slog.Error("ledger operation failed", "op", op, "err", err)
	}
	return err
}

func requireCaller(caller string) error {
	if caller == "" {
		return fmt.Errorf("%w: caller identity required", model.ErrInvalidParameter)
	}
	return nil
}

// --- Reads ---

// GetMarket returns the full market state.
func (l *Ledger) GetMarket(ctx context.Context, id uint64) (*model.Market, error) {
	return l.store.GetMarket(ctx, id)
}

// GetMarketInfo returns the read view of one market, including status and
// the current YES price.
func (l *Ledger) GetMarketInfo(ctx context.Context, id uint64) (*model.MarketInfo, error) {
	m, err := l.store.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	return l.info(m)
}

// ListMarkets returns read views of all markets, newest first.
func (l *Ledger) ListMarkets(ctx context.Context) ([]model.MarketInfo, error) {
	markets, err := l.store.ListMarkets(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]model.MarketInfo, 0, len(markets))
	for i := range markets {
		info, err := l.info(&markets[i])
		if err != nil {
			return nil, err
		}
		infos = append(infos, *info)
	}
	return infos, nil
}

func (l *Ledger) info(m *model.Market) (*model.MarketInfo, error) {
	bps, err := l.mm.PriceYesBps(m.YesReserve, m.NoReserve)
	if err != nil {
		return nil, err
	}
	yes, no := l.mm.DisplayPrices(bps)
	return &model.MarketInfo{
		ID:             m.ID,
		Question:       m.Question,
		Threshold:      m.Threshold,
		YesReserve:     m.YesReserve,
		NoReserve:      m.NoReserve,
		TotalYesShares: m.TotalYesShares,
		TotalNoShares:  m.TotalNoShares,
		TotalPool:      m.TotalPool,
		EndTime:        m.EndTime,
		Resolved:       m.Resolved,
		Outcome:        m.Outcome,
		Status:         m.Status(l.clock.Now()),
		PriceYesBps:    bps,
		PriceYes:       yes,
		PriceNo:        no,
	}, nil
}

// GetPosition returns a user's balances in a market. Unknown markets fail
// with NotFound; a user who never traded gets a zero position.
func (l *Ledger) GetPosition(ctx context.Context, marketID uint64, user string) (*model.Position, error) {
	if _, err := l.store.GetMarket(ctx, marketID); err != nil {
		return nil, err
	}
	return l.store.GetPosition(ctx, marketID, user)
}

// ListPositions returns every position in a market.
func (l *Ledger) ListPositions(ctx context.Context, marketID uint64) ([]model.Position, error) {
	return l.store.ListPositions(ctx, marketID)
}

// UserPositions returns every position held by user across markets.
func (l *Ledger) UserPositions(ctx context.Context, user string) ([]model.Position, error) {
	return l.store.ListUserPositions(ctx, user)
}

// Events returns a market's event chain. Market ID 0 is the administrator
// chain.
func (l *Ledger) Events(ctx context.Context, marketID uint64) ([]model.Event, error) {
	if marketID != 0 {
		if _, err := l.store.GetMarket(ctx, marketID); err != nil {
			return nil, err
		}
	}
	return l.store.ListEvents(ctx, marketID)
}
